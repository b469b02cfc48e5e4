package wait

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"viewguard-mcp-server/internal/driver"
	"viewguard-mcp-server/internal/probe"
	"viewguard-mcp-server/internal/viewstate"
)

// ErrNoNetworkLog is reported by APIResponse when the driver keeps no
// response log.
var ErrNoNetworkLog = errors.New("wait: driver does not list network requests")

// Readiness builds the named strategies for one page.
type Readiness struct {
	Probes  *probe.Library
	Profile *probe.Profile
	Options Options
}

// NewReadiness binds strategies to a probe library, page profile and bounds.
func NewReadiness(probes *probe.Library, profile *probe.Profile, opts Options) Readiness {
	return Readiness{Probes: probes, Profile: profile, Options: opts.normalized()}
}

// WithTimeout returns a copy whose strategies use timeout.
func (r Readiness) WithTimeout(timeout time.Duration) Readiness {
	r.Options.Timeout = timeout
	return r
}

// MarkersReady waits until at least min markers are drawn.
func (r Readiness) MarkersReady(min int) Strategy {
	if min < 1 {
		min = 1
	}
	q := r.Profile.MarkerQuery()
	return Poll(fmt.Sprintf("markers>=%d", min), r.Options, func(ctx context.Context) bool {
		return r.Probes.CountElements(ctx, q) >= min
	})
}

// ControlVisible waits until a control matching q is present.
func (r Readiness) ControlVisible(name string, q probe.Query) Strategy {
	return Poll("visible:"+name, r.Options, func(ctx context.Context) bool {
		_, ok := r.Probes.FindControl(ctx, q)
		return ok
	})
}

// ControlHidden waits until no control matches q.
func (r Readiness) ControlHidden(name string, q probe.Query) Strategy {
	return Poll("hidden:"+name, r.Options, func(ctx context.Context) bool {
		_, ok := r.Probes.FindControl(ctx, q)
		return !ok
	})
}

// Map2DReady races three independent 2D signals: a sized drawing canvas,
// drawn markers and the map library global.
func (r Readiness) Map2DReady() Strategy {
	canvas := Poll("map2d:canvas", r.Options, func(ctx context.Context) bool {
		return r.Probes.Truthy(ctx, canvasSizedScript(r.Profile.MapCanvasSelector))
	})
	markers := Named("map2d:markers", r.MarkersReady(1))
	global := Poll("map2d:global", r.Options, func(ctx context.Context) bool {
		return r.Probes.Truthy(ctx, fmt.Sprintf(`() => typeof window[%q] !== "undefined"`, r.Profile.MapGlobal))
	})
	return func(ctx context.Context) Result {
		return WaitForAny(ctx, []Strategy{canvas, markers, global}, CancelLosers())
	}
}

// Globe3DReady waits for the globe container and the 3D-only control.
func (r Readiness) Globe3DReady() Strategy {
	globe := r.Profile.GlobeQuery()
	angle := r.Profile.ViewAngleQuery()
	return Poll("globe3d", r.Options, func(ctx context.Context) bool {
		if _, ok := r.Probes.FindControl(ctx, angle); !ok {
			return false
		}
		return r.Probes.Exists(ctx, globe)
	})
}

// APIResponse waits for a successful response whose URL contains pattern.
func (r Readiness) APIResponse(pattern string) Strategy {
	name := "api:" + pattern
	lister, ok := r.Probes.Driver().(driver.NetworkLister)
	if !ok {
		return func(ctx context.Context) Result {
			return Result{Strategy: name, Err: ErrNoNetworkLog}
		}
	}
	return Poll(name, r.Options, func(ctx context.Context) bool {
		reqs, err := lister.ListNetworkRequests(ctx)
		if err != nil {
			return false
		}
		for _, req := range reqs {
			if strings.Contains(req.URL, pattern) && req.Status >= 200 && req.Status < 400 {
				return true
			}
		}
		return false
	})
}

// AnimationComplete waits until no CSS/Web animation is running.
func (r Readiness) AnimationComplete() Strategy {
	return Poll("animation-complete", r.Options, func(ctx context.Context) bool {
		v, err := r.Probes.Driver().Evaluate(ctx,
			`() => document.getAnimations().filter(a => a.playState === "running").length`)
		if err != nil {
			return false
		}
		n, ok := v.(float64)
		return ok && n == 0
	})
}

// StateClassifier is the part of viewstate.Classifier strategies need.
type StateClassifier interface {
	Classify(ctx context.Context) viewstate.ViewState
}

// ViewStateIs waits until the classifier reports one of the targets.
func (r Readiness) ViewStateIs(c StateClassifier, targets ...viewstate.ViewState) Strategy {
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.String()
	}
	return Poll("viewstate:"+strings.Join(names, "|"), r.Options, func(ctx context.Context) bool {
		got := c.Classify(ctx)
		for _, t := range targets {
			if got == t {
				return true
			}
		}
		return false
	})
}

// WaitForStable waits until the page text stays unchanged for window.
func (r Readiness) WaitForStable(window time.Duration) Strategy {
	return func(ctx context.Context) Result {
		var (
			last    string
			since   time.Time
			started bool
		)
		return Poll("stable", r.Options, func(ctx context.Context) bool {
			text := r.Probes.Text(ctx)
			now := time.Now()
			if !started || text != last {
				last, since, started = text, now, true
				return false
			}
			return now.Sub(since) >= window
		})(ctx)
	}
}

func canvasSizedScript(selector string) string {
	return fmt.Sprintf(`() => Array.from(document.querySelectorAll(%q)).some(c => c.width > 0 && c.height > 0)`, selector)
}
