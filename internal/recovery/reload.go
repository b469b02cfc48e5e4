// Package recovery works around the 2D map's first-render race: after an
// item is selected the map sometimes draws without markers. Re-selecting the
// item and rendering again clears it.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"viewguard-mcp-server/internal/driver"
	"viewguard-mcp-server/internal/mode"
	"viewguard-mcp-server/internal/probe"
	"viewguard-mcp-server/internal/viewstate"
	"viewguard-mcp-server/internal/wait"
)

// DefaultRetries is the attempt budget when callers pass zero.
const DefaultRetries = 3

// SelectionError reports that selecting an item did not register.
type SelectionError struct {
	Index   int
	Counter int
	Reason  string
}

func (e *SelectionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("select item %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("select item %d: selection counter stayed at %d", e.Index, e.Counter)
}

// RenderLoadError reports that every reload attempt failed to converge.
type RenderLoadError struct {
	Index    int
	Attempts int
	Last     error
}

func (e *RenderLoadError) Error() string {
	return fmt.Sprintf("2D render of item %d did not converge after %d attempt(s): %v", e.Index, e.Attempts, e.Last)
}

func (e *RenderLoadError) Unwrap() error { return e.Last }

var errNotConverged = errors.New("render signals did not converge")

// Reloader re-runs the select-and-render sequence until the 2D view converges.
type Reloader struct {
	probes     *probe.Library
	profile    *probe.Profile
	classifier *viewstate.Classifier
	modes      *mode.Controller
	readiness  wait.Readiness
	baseURL    string
	// Settle bounds the short waits for list and selection updates.
	Settle time.Duration
}

// NewReloader wires a reloader. render bounds the convergence poll; it is
// normally the environment-scaled render timeout.
func NewReloader(probes *probe.Library, profile *probe.Profile, classifier *viewstate.Classifier, modes *mode.Controller, render wait.Options, baseURL string) *Reloader {
	return &Reloader{
		probes:     probes,
		profile:    profile,
		classifier: classifier,
		modes:      modes,
		readiness:  wait.NewReadiness(probes, profile, render),
		baseURL:    baseURL,
		Settle:     5 * time.Second,
	}
}

// Reload2D selects item index and renders it until the 2D view converges,
// making at most maxRetries attempts. Failed attempts are logged and retried;
// exhaustion returns a RenderLoadError wrapping the last failure.
func (r *Reloader) Reload2D(ctx context.Context, index, maxRetries int) (bool, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultRetries
	}
	var last error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		start := time.Now()
		converged, err := r.attempt(ctx, index)
		if converged {
			log.Printf("[reload2d] item %d converged on attempt %d/%d in %s (view %s)",
				index, attempt, maxRetries, time.Since(start).Round(time.Millisecond), r.classifier.Classify(ctx))
			return true, nil
		}
		if err == nil {
			err = errNotConverged
		}
		last = err
		log.Printf("[reload2d] attempt %d/%d for item %d failed: %v", attempt, maxRetries, index, err)
	}
	return false, &RenderLoadError{Index: index, Attempts: maxRetries, Last: last}
}

func (r *Reloader) attempt(ctx context.Context, index int) (bool, error) {
	if err := r.ensureListView(ctx); err != nil {
		return false, err
	}
	if err := r.deselectAll(ctx); err != nil {
		return false, err
	}
	if err := r.selectItem(ctx, index); err != nil {
		return false, err
	}

	render, err := r.probes.RequireControl(ctx, "render button", r.profile.RenderQuery())
	if err != nil {
		return false, err
	}
	if err := r.probes.Driver().Click(ctx, render.Ref); err != nil {
		return false, fmt.Errorf("click render: %w", err)
	}

	converged, landed3D := r.awaitConvergence(ctx)
	if landed3D {
		log.Printf("[reload2d] render landed in 3D; switching back to 2D")
		if err := r.modes.EnsureMode(ctx, mode.Mode2D); err != nil {
			return false, err
		}
		converged, _ = r.awaitConvergence(ctx)
	}
	return converged, nil
}

// awaitConvergence polls until a drawing surface, the 2D-only control and at
// least one marker are all present. It stops early if the page shows 3D.
func (r *Reloader) awaitConvergence(ctx context.Context) (converged, landed3D bool) {
	res := wait.Poll("render-2d", r.readiness.Options, func(ctx context.Context) bool {
		snap := r.probes.Snapshot(ctx)
		if _, ok := probe.Find(snap, r.profile.ViewAngleQuery()); ok {
			landed3D = true
			return true
		}
		if _, ok := probe.Find(snap, r.profile.TimelineQuery()); !ok {
			return false
		}
		surface := r.probes.Exists(ctx, r.profile.CanvasQuery()) || r.probes.Exists(ctx, r.profile.ContainerQuery())
		if !surface {
			return false
		}
		return r.probes.CountElements(ctx, r.profile.MarkerQuery()) >= 1
	})(ctx)
	return res.Success && !landed3D, landed3D
}

func (r *Reloader) settle() wait.Options {
	return wait.Options{Timeout: r.Settle, Interval: r.readiness.Options.Interval}
}

func (r *Reloader) listVisible(ctx context.Context) bool {
	return r.probes.Exists(ctx, r.profile.ListRowQuery())
}

func (r *Reloader) awaitList(ctx context.Context) bool {
	return wait.Poll("item-list", r.settle(), r.listVisible)(ctx).Success
}

// ensureListView returns to the selectable list: first via a back/close
// control, then by re-entering from the base URL.
func (r *Reloader) ensureListView(ctx context.Context) error {
	if r.listVisible(ctx) {
		return nil
	}
	if back, ok := r.probes.FindControl(ctx, r.profile.BackQuery()); ok {
		if err := r.probes.Driver().Click(ctx, back.Ref); err == nil && r.awaitList(ctx) {
			return nil
		}
	}
	if r.baseURL == "" {
		return &probe.ControlNotFoundError{Control: "item list"}
	}
	if err := r.probes.Driver().Navigate(ctx, r.baseURL); err != nil {
		return fmt.Errorf("navigate to %s: %w", r.baseURL, err)
	}
	enter, ok := r.awaitControl(ctx, r.profile.EnterQuery())
	if !ok {
		return &probe.ControlNotFoundError{Control: "enter button"}
	}
	if err := r.probes.Driver().Click(ctx, enter.Ref); err != nil {
		return fmt.Errorf("click enter: %w", err)
	}
	if !r.awaitList(ctx) {
		return &probe.ControlNotFoundError{Control: "item list"}
	}
	return nil
}

func (r *Reloader) awaitControl(ctx context.Context, q probe.Query) (driver.Element, bool) {
	var found driver.Element
	res := wait.Poll("control", r.settle(), func(ctx context.Context) bool {
		el, ok := r.probes.FindControl(ctx, q)
		found = el
		return ok
	})(ctx)
	return found, res.Success
}

func (r *Reloader) deselectAll(ctx context.Context) error {
	for _, cb := range probe.FindAll(r.probes.Snapshot(ctx), r.profile.CheckboxQuery()) {
		if !cb.Checked {
			continue
		}
		if err := r.probes.Driver().Click(ctx, cb.Ref); err != nil {
			return fmt.Errorf("deselect %s: %w", cb.Name, err)
		}
	}
	return nil
}

func (r *Reloader) selectItem(ctx context.Context, index int) error {
	boxes := probe.FindAll(r.probes.Snapshot(ctx), r.profile.CheckboxQuery())
	pos := index + r.profile.SelectionOffset
	if index < 0 || pos >= len(boxes) {
		return &SelectionError{Index: index, Reason: fmt.Sprintf("no checkbox for item (have %d)", len(boxes))}
	}
	if err := r.probes.Driver().Click(ctx, boxes[pos].Ref); err != nil {
		return fmt.Errorf("select item %d: %w", index, err)
	}

	counter := 0
	res := wait.Poll("selection-counter", r.settle(), func(ctx context.Context) bool {
		counter = r.selectionCount(ctx)
		return counter > 0
	})(ctx)
	if !res.Success {
		return &SelectionError{Index: index, Counter: counter}
	}
	return nil
}

// selectionCount reads the selected-items counter, 0 when it is absent.
func (r *Reloader) selectionCount(ctx context.Context) int {
	m, ok := r.probes.FindText(ctx, r.profile.SelectionCounter)
	if !ok || len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
