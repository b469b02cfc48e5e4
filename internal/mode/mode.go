// Package mode drives the page between its 2D and 3D views.
//
// The page exposes a single toggle whose label names the mode a click will
// enter, not the mode currently shown. LabelSemantics keeps that rule in one
// place.
package mode

import (
	"context"
	"fmt"
	"log"
	"strings"

	"viewguard-mcp-server/internal/probe"
	"viewguard-mcp-server/internal/viewstate"
	"viewguard-mcp-server/internal/wait"
)

// Mode is a top-level rendering mode.
type Mode string

const (
	Mode2D Mode = "2D"
	Mode3D Mode = "3D"
)

// ParseMode accepts "2d"/"3d" in any case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "2D":
		return Mode2D, nil
	case "3D":
		return Mode3D, nil
	}
	return "", fmt.Errorf("unknown mode %q (want 2D or 3D)", s)
}

// Matches reports whether a classified view state belongs to m.
func (m Mode) Matches(v viewstate.ViewState) bool {
	switch m {
	case Mode2D:
		return v.Is2D()
	case Mode3D:
		return v == viewstate.ThreeD
	}
	return false
}

// SubMode is a 2D sub-mode.
type SubMode string

const (
	Static  SubMode = "static"
	Dynamic SubMode = "dynamic"
)

// ParseSubMode accepts "static" or "dynamic".
func ParseSubMode(s string) (SubMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "static":
		return Static, nil
	case "dynamic":
		return Dynamic, nil
	}
	return "", fmt.Errorf("unknown sub-mode %q (want static or dynamic)", s)
}

// ViewState is the classification the sub-mode corresponds to.
func (s SubMode) ViewState() viewstate.ViewState {
	if s == Dynamic {
		return viewstate.TwoDDynamic
	}
	return viewstate.TwoDStatic
}

// LabelSemantics describes what the toggle's label refers to.
type LabelSemantics int

const (
	// NamesTargetState: the label names the mode a click enters.
	NamesTargetState LabelSemantics = iota
	// NamesCurrentState: the label names the mode currently shown.
	NamesCurrentState
)

// ParseLabelSemantics maps the config value; anything unknown is NamesTargetState.
func ParseLabelSemantics(s string) LabelSemantics {
	if s == "names_current" {
		return NamesCurrentState
	}
	return NamesTargetState
}

func (s LabelSemantics) String() string {
	if s == NamesCurrentState {
		return "names_current"
	}
	return "names_target"
}

// NeedsClick reports whether a toggle showing label must be clicked to reach
// target, where targetLabel is the text that names target.
func (s LabelSemantics) NeedsClick(label, targetLabel string) bool {
	names := strings.Contains(strings.ToUpper(label), strings.ToUpper(targetLabel))
	if s == NamesTargetState {
		return names
	}
	return !names
}

// ModeTransitionError reports a switch that did not reach its target after
// the forced retry.
type ModeTransitionError struct {
	Target   string
	Observed viewstate.ViewState
	Clicks   int
}

func (e *ModeTransitionError) Error() string {
	return fmt.Sprintf("mode transition to %s failed: observed %s after %d click(s)", e.Target, e.Observed, e.Clicks)
}

// Controller performs verified mode transitions.
type Controller struct {
	probes     *probe.Library
	profile    *probe.Profile
	classifier *viewstate.Classifier
	readiness  wait.Readiness
	semantics  LabelSemantics
}

// NewController wires a controller. readiness bounds each post-click wait.
func NewController(probes *probe.Library, profile *probe.Profile, classifier *viewstate.Classifier, readiness wait.Readiness) *Controller {
	return &Controller{
		probes:     probes,
		profile:    profile,
		classifier: classifier,
		readiness:  readiness,
		semantics:  ParseLabelSemantics(profile.LabelSemantics),
	}
}

func (c *Controller) labelFor(m Mode) string {
	if m == Mode3D {
		return c.profile.Label3D
	}
	return c.profile.Label2D
}

// readyFor races the target mode's characteristic signals.
func (c *Controller) readyFor(target Mode) []wait.Strategy {
	if target == Mode3D {
		return []wait.Strategy{
			c.readiness.ControlVisible("view-angle", c.profile.ViewAngleQuery()),
			c.readiness.Globe3DReady(),
			c.readiness.ViewStateIs(c.classifier, viewstate.ThreeD),
		}
	}
	return []wait.Strategy{
		c.readiness.ControlHidden("view-angle", c.profile.ViewAngleQuery()),
		c.readiness.ViewStateIs(c.classifier, viewstate.TwoDStatic, viewstate.TwoDDynamic),
	}
}

// EnsureMode drives the page to target. It clicks the toggle at most twice
// and performs no click when the page is already in target.
func (c *Controller) EnsureMode(ctx context.Context, target Mode) error {
	snap := c.probes.Snapshot(ctx)
	toggle, ok := probe.Find(snap, c.profile.ModeToggleQuery())
	if !ok || toggle.Name == "" {
		return &probe.ControlNotFoundError{Control: "mode toggle"}
	}

	needsClick := c.semantics.NeedsClick(toggle.Name, c.labelFor(target))
	log.Printf("[mode] target=%s label=%q needs_click=%v", target, toggle.Name, needsClick)

	clicks := 0
	if needsClick {
		if err := c.probes.Driver().Click(ctx, toggle.Ref); err != nil {
			return fmt.Errorf("click mode toggle: %w", err)
		}
		clicks++
	}
	res := wait.WaitForAny(ctx, c.readyFor(target), wait.CancelLosers())
	observed := c.classifier.Classify(ctx)
	if target.Matches(observed) {
		log.Printf("[mode] reached %s via %s in %dms (%d click)", target, res.Strategy, res.DurationMs(), clicks)
		return nil
	}

	// One forced retry, never more.
	log.Printf("[mode] expected %s, observed %s; forcing toggle", target, observed)
	toggle, ok = c.probes.FindControl(ctx, c.profile.ModeToggleQuery())
	if !ok {
		return &probe.ControlNotFoundError{Control: "mode toggle"}
	}
	if err := c.probes.Driver().Click(ctx, toggle.Ref); err != nil {
		return fmt.Errorf("click mode toggle: %w", err)
	}
	clicks++
	wait.WaitForAny(ctx, c.readyFor(target), wait.CancelLosers())

	observed = c.classifier.Classify(ctx)
	if !target.Matches(observed) {
		return &ModeTransitionError{Target: string(target), Observed: observed, Clicks: clicks}
	}
	log.Printf("[mode] forced switch to %s succeeded", target)
	return nil
}

// SwitchSubMode2D toggles between the static and dynamic 2D views. The page
// must already be in 2D.
func (c *Controller) SwitchSubMode2D(ctx context.Context, target SubMode) error {
	current := c.classifier.Classify(ctx)
	if !current.Is2D() {
		return &ModeTransitionError{Target: "2D-" + string(target), Observed: current}
	}
	want := target.ViewState()
	if current == want {
		return nil
	}

	snap := c.probes.Snapshot(ctx)
	toggle, ok := probe.Find(snap, c.profile.SubModeToggleQuery())
	if !ok {
		toggle, ok = probe.Find(snap, c.profile.TimelineQuery())
	}
	if !ok {
		return &probe.ControlNotFoundError{Control: "sub-mode toggle"}
	}
	if err := c.probes.Driver().Click(ctx, toggle.Ref); err != nil {
		return fmt.Errorf("click sub-mode toggle: %w", err)
	}

	res := c.readiness.ViewStateIs(c.classifier, want)(ctx)
	if !res.Success {
		observed := c.classifier.Classify(ctx)
		return &ModeTransitionError{Target: want.String(), Observed: observed, Clicks: 1}
	}
	log.Printf("[mode] sub-mode %s reached in %dms", target, res.DurationMs())
	return nil
}
