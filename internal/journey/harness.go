// Package journey binds the verification core to one browser session: probes,
// classifier, mode controller, 2D recovery, diagnostics, the stage
// orchestrator and the fact engine all share a single driver.
package journey

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"viewguard-mcp-server/internal/config"
	"viewguard-mcp-server/internal/diagnostics"
	"viewguard-mcp-server/internal/driver"
	"viewguard-mcp-server/internal/mangle"
	"viewguard-mcp-server/internal/mode"
	"viewguard-mcp-server/internal/probe"
	"viewguard-mcp-server/internal/recorder"
	"viewguard-mcp-server/internal/recovery"
	"viewguard-mcp-server/internal/stage"
	"viewguard-mcp-server/internal/viewstate"
	"viewguard-mcp-server/internal/wait"
)

// Option configures a Harness.
type Option func(*Harness)

// WithEngine feeds classifications, waits, diagnostics and stage outcomes
// into the fact engine.
func WithEngine(e *mangle.Engine) Option {
	return func(h *Harness) { h.engine = e }
}

// WithRecorder writes a JSONL trace per orchestrated run.
func WithRecorder(r *recorder.Recorder) Option {
	return func(h *Harness) { h.recorder = r }
}

// WithSession names the browser session the harness drives.
func WithSession(id string) Option {
	return func(h *Harness) { h.session = id }
}

// Harness owns the per-session verification components.
type Harness struct {
	Driver     driver.Driver
	Profile    *probe.Profile
	Probes     *probe.Library
	Classifier *viewstate.Classifier
	Readiness  wait.Readiness
	Modes      *mode.Controller
	Reloader   *recovery.Reloader
	Monitor    *diagnostics.Monitor

	verify   config.VerifyConfig
	engine   *mangle.Engine
	recorder *recorder.Recorder
	session  string

	runMu   sync.Mutex
	lastRun *stage.Report
}

// New wires every component against drv. When drv emits page events the
// diagnostic monitor is attached immediately. A trace recorder is created
// under trace.dir/<session> when tracing is enabled and none was supplied.
func New(drv driver.Driver, cfg config.Config, opts ...Option) (*Harness, error) {
	profile, err := probe.CompileProfile(cfg.Profile)
	if err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}

	h := &Harness{Driver: drv, Profile: profile, verify: cfg.Verify}
	for _, opt := range opts {
		opt(h)
	}

	var monitorOpts []diagnostics.Option
	if h.factsEnabled() {
		monitorOpts = append(monitorOpts, diagnostics.WithSink(h.engine.DiagnosticSink()))
	}
	h.Monitor, err = diagnostics.NewMonitor(cfg.Diagnostics, monitorOpts...)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: %w", err)
	}
	if src, ok := drv.(driver.EventSource); ok {
		h.Monitor.Setup(src)
	}

	if h.recorder == nil && cfg.Trace.Enable {
		dir := cfg.Trace.Dir
		if h.session != "" {
			dir = filepath.Join(dir, h.session)
		}
		rec, err := recorder.NewRecorder(dir)
		if err != nil {
			log.Printf("[journey] tracing disabled: %v", err)
		} else {
			h.recorder = rec
		}
	}

	interval := cfg.Verify.GetPollInterval()
	h.Probes = probe.New(drv)
	h.Classifier = viewstate.NewClassifier(h.Probes, profile)
	h.Readiness = wait.NewReadiness(h.Probes, profile, wait.Options{
		Timeout:  cfg.Verify.ScaledModeSwitchTimeout(),
		Interval: interval,
	})
	h.Modes = mode.NewController(h.Probes, profile, h.Classifier, h.Readiness)
	h.Reloader = recovery.NewReloader(h.Probes, profile, h.Classifier, h.Modes, wait.Options{
		Timeout:  cfg.Verify.ScaledRenderTimeout(),
		Interval: interval,
	}, cfg.Verify.BaseURL)
	return h, nil
}

func (h *Harness) factsEnabled() bool {
	return h.engine != nil && h.engine.Enabled()
}

func (h *Harness) addFacts(facts ...mangle.Fact) {
	if !h.factsEnabled() {
		return
	}
	if err := h.engine.AddFacts(context.Background(), facts); err != nil {
		log.Printf("[journey] facts rejected: %v", err)
	}
}

// Session returns the session id the harness was created for.
func (h *Harness) Session() string {
	return h.session
}

// Verify returns the verification settings in effect.
func (h *Harness) Verify() config.VerifyConfig {
	return h.verify
}

// Classify classifies the current view and records the decision.
func (h *Harness) Classify(ctx context.Context) viewstate.Classification {
	c := h.Classifier.Explain(ctx)
	h.addFacts(mangle.ClassificationFact(h.session, c))
	return c
}

// EnsureMode drives the page to target.
func (h *Harness) EnsureMode(ctx context.Context, target mode.Mode) error {
	return h.Modes.EnsureMode(ctx, target)
}

// SwitchSubMode toggles the 2D sub-mode.
func (h *Harness) SwitchSubMode(ctx context.Context, target mode.SubMode) error {
	return h.Modes.SwitchSubMode2D(ctx, target)
}

// Reload2D runs the 2D recovery procedure. Zero retries use the configured budget.
func (h *Harness) Reload2D(ctx context.Context, index, retries int) (bool, error) {
	if retries <= 0 {
		retries = h.verify.GetRecoveryRetries()
	}
	return h.Reloader.Reload2D(ctx, index, retries)
}

// StrategyNames lists the strategies accepted by Strategy.
var StrategyNames = []string{"map2d", "globe3d", "markers", "api", "animation", "stable", "view"}

// Strategy resolves a named readiness strategy. arg is strategy specific:
// the minimum count for markers, the URL pattern for api (default: the
// profile's API pattern), the window for stable and the target view state
// for view.
func (h *Harness) Strategy(name, arg string, timeout time.Duration) (wait.Strategy, error) {
	r := h.Readiness
	if timeout > 0 {
		r = r.WithTimeout(timeout)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "map2d":
		return r.Map2DReady(), nil
	case "globe3d":
		return r.Globe3DReady(), nil
	case "markers":
		minimum := 1
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil {
				return nil, fmt.Errorf("markers: invalid minimum %q", arg)
			}
			minimum = n
		}
		return r.MarkersReady(minimum), nil
	case "api":
		if arg == "" {
			arg = h.Profile.APIPattern
		}
		return r.APIResponse(arg), nil
	case "animation":
		return r.AnimationComplete(), nil
	case "stable":
		window := 2 * time.Second
		if arg != "" {
			d, err := time.ParseDuration(arg)
			if err != nil {
				return nil, fmt.Errorf("stable: invalid window %q", arg)
			}
			window = d
		}
		return r.WaitForStable(window), nil
	case "view":
		target := viewstate.Parse(arg)
		if target == viewstate.Unknown {
			return nil, fmt.Errorf("view: unknown state %q", arg)
		}
		return r.ViewStateIs(h.Classifier, target), nil
	}
	return nil, fmt.Errorf("unknown strategy %q (want one of %s)", name, strings.Join(StrategyNames, ", "))
}

// WaitForAny races strategies and records the outcome.
func (h *Harness) WaitForAny(ctx context.Context, strategies []wait.Strategy, opts ...wait.AnyOption) wait.Result {
	res := wait.WaitForAny(ctx, strategies, opts...)
	h.addFacts(mangle.WaitFact(res))
	return res
}

// WaitWithRetry retries one strategy and records the final outcome.
func (h *Harness) WaitWithRetry(ctx context.Context, s wait.Strategy, maxRetries int, delay time.Duration) wait.Result {
	res := wait.WaitWithRetry(ctx, s, maxRetries, delay)
	h.addFacts(mangle.WaitFact(res))
	return res
}

// Run orchestrates stages against the session. Runs on one harness are
// serialized; the monitor is re-tagged as each stage starts.
func (h *Harness) Run(ctx context.Context, stages []stage.Stage, deps stage.Dependencies) stage.Report {
	h.runMu.Lock()
	defer h.runMu.Unlock()

	opts := []stage.Option{
		stage.WithDependencies(deps),
		stage.WithAttempts(h.verify.GetCheckpointAttempts()),
		stage.WithObserver(func(ev stage.Event) {
			if ev.Kind == stage.EventStageStart {
				h.Monitor.SetStage(int(ev.Stage))
			}
		}),
	}
	if h.factsEnabled() {
		opts = append(opts, stage.WithObserver(h.engine.StageObserver(deps)))
	}
	if h.recorder != nil {
		opts = append(opts, stage.WithObserver(h.recorder.Observer()))
	}

	report := stage.NewOrchestrator(h.Driver, opts...).Run(ctx, stages)
	h.lastRun = &report
	return report
}

// RunJourney runs the default seven-stage journey.
func (h *Harness) RunJourney(ctx context.Context) stage.Report {
	return h.Run(ctx, DefaultStages(h), stage.DefaultDependencies())
}

// LastRun returns the most recent report, if any.
func (h *Harness) LastRun() (stage.Report, bool) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.lastRun == nil {
		return stage.Report{}, false
	}
	return *h.lastRun, true
}

// Traces lists the run traces written for this session, newest first.
func (h *Harness) Traces() ([]string, error) {
	if h.recorder == nil {
		return nil, nil
	}
	return h.recorder.Traces()
}
