package journey

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
	"viewguard-mcp-server/internal/recovery"
	"viewguard-mcp-server/internal/stage"
	"viewguard-mcp-server/internal/viewstate"
	"viewguard-mcp-server/internal/wait"
)

const (
	// MinListRows is the smallest item list stage 2 accepts.
	MinListRows = 1
	// MinStaticMarkers is the marker count stage 3 expects after render.
	MinStaticMarkers = 3
)

// DefaultStages builds the seven-stage journey on top of h. Stage ids match
// stage.DefaultDependencies.
func DefaultStages(h *Harness) []stage.Stage {
	j := &steps{h: h}
	return []stage.Stage{
		{ID: 1, Name: "homepage", Checkpoints: []stage.Checkpoint{
			{ID: "1.1", Name: "homepage loaded", Fn: j.homepageLoaded},
			{ID: "1.2", Name: "item cards listed", Fn: j.itemCards},
			{ID: "1.3", Name: "enter control available", Fn: j.enterAvailable},
		}},
		{ID: 2, Name: "entry", Checkpoints: []stage.Checkpoint{
			{ID: "2.1", Name: "enter item list", Fn: j.enterList},
			{ID: "2.2", Name: "item list rows", Fn: j.listRows},
			{ID: "2.3", Name: "select item", Fn: j.selectItem},
			{ID: "2.4", Name: "selection counter", Fn: j.selectionCounter},
		}},
		{ID: 3, Name: "2D static", Checkpoints: []stage.Checkpoint{
			{ID: "3.1", Name: "render 2D view", Fn: j.render2D},
			{ID: "3.2", Name: "data response", Fn: j.apiResponse},
			{ID: "3.3", Name: "drawing surface", Fn: j.drawingSurface},
			{ID: "3.4", Name: "static markers", Fn: j.staticMarkers},
		}},
		{ID: 4, Name: "2D dynamic", Checkpoints: []stage.Checkpoint{
			{ID: "4.1", Name: "switch to dynamic", Fn: j.subMode(mode.Dynamic)},
			{ID: "4.2", Name: "playback control", Fn: j.playbackControl},
			{ID: "4.3", Name: "start playback", Fn: j.startPlayback},
			{ID: "4.4", Name: "switch to static", Fn: j.subMode(mode.Static)},
		}},
		{ID: 5, Name: "3D", Checkpoints: []stage.Checkpoint{
			{ID: "5.1", Name: "switch to 3D", Fn: j.mode(mode.Mode3D)},
			{ID: "5.2", Name: "globe initialised", Fn: j.globe},
			{ID: "5.3", Name: "view angle control", Fn: j.viewAngle},
			{ID: "5.4", Name: "switch back to 2D", Fn: j.mode(mode.Mode2D)},
		}},
		{ID: 6, Name: "item list", Checkpoints: []stage.Checkpoint{
			{ID: "6.1", Name: "return to list", Fn: j.returnToList},
			{ID: "6.2", Name: "select another item", Fn: j.selectNext},
			{ID: "6.3", Name: "render selection", Fn: j.renderSelection},
		}},
		{ID: 7, Name: "diagnostics", Checkpoints: []stage.Checkpoint{
			{ID: "7.1", Name: "monitor attached", Fn: j.monitorAttached},
			{ID: "7.2", Name: "no critical errors", Fn: j.noCriticalErrors},
		}},
	}
}

type steps struct {
	h *Harness
}

func (j *steps) lib() *probe.Library  { return j.h.Probes }
func (j *steps) prof() *probe.Profile { return j.h.Profile }

func (j *steps) click(ctx context.Context, label string, q probe.Query) error {
	el, err := j.lib().RequireControl(ctx, label, q)
	if err != nil {
		return err
	}
	if err := j.h.Driver.Click(ctx, el.Ref); err != nil {
		return fmt.Errorf("click %s: %w", label, err)
	}
	return nil
}

// awaitControl waits for a structural control using the harness bounds.
func (j *steps) awaitControl(ctx context.Context, name string, q probe.Query) bool {
	return j.h.Readiness.ControlVisible(name, q)(ctx).Success
}

func (j *steps) awaitCount(ctx context.Context, name string, q probe.Query, minimum int) bool {
	return wait.Poll(name, j.h.Readiness.Options, func(ctx context.Context) bool {
		return j.lib().CountElements(ctx, q) >= minimum
	})(ctx).Success
}

// Stage 1

func (j *steps) homepageLoaded(ctx context.Context, sc *stage.Context) (bool, error) {
	base := j.h.verify.BaseURL
	if base != "" && sc.Attempt == 1 {
		if err := sc.Driver.Navigate(ctx, base); err != nil {
			return false, err
		}
	}
	if !j.lib().PageValid(ctx) {
		return false, nil
	}
	return j.lib().Title(ctx) != "", nil
}

func (j *steps) itemCards(ctx context.Context, sc *stage.Context) (bool, error) {
	return j.awaitCount(ctx, "item-cards", j.prof().ItemCardQuery(), 1), nil
}

func (j *steps) enterAvailable(ctx context.Context, sc *stage.Context) (bool, error) {
	return j.awaitControl(ctx, "enter", j.prof().EnterQuery()), nil
}

// Stage 2

func (j *steps) enterList(ctx context.Context, sc *stage.Context) (bool, error) {
	if j.lib().Exists(ctx, j.prof().ListRowQuery()) {
		return true, nil
	}
	if err := j.click(ctx, "enter button", j.prof().EnterQuery()); err != nil {
		return false, err
	}
	return j.awaitCount(ctx, "item-list", j.prof().ListRowQuery(), 1), nil
}

func (j *steps) listRows(ctx context.Context, sc *stage.Context) (bool, error) {
	return j.lib().CountElements(ctx, j.prof().ListRowQuery()) >= MinListRows, nil
}

// checkItem ticks the checkbox of item index, leaving it alone when it is
// already checked.
func (j *steps) checkItem(ctx context.Context, index int) error {
	boxes := probe.FindAll(j.lib().Snapshot(ctx), j.prof().CheckboxQuery())
	pos := index + j.prof().SelectionOffset
	if index < 0 || pos >= len(boxes) {
		return &recovery.SelectionError{Index: index, Reason: fmt.Sprintf("no checkbox for item (have %d)", len(boxes))}
	}
	if boxes[pos].Checked {
		return nil
	}
	if err := j.h.Driver.Click(ctx, boxes[pos].Ref); err != nil {
		return fmt.Errorf("select item %d: %w", index, err)
	}
	return nil
}

func (j *steps) selectionCount(ctx context.Context) int {
	m, ok := j.lib().FindText(ctx, j.prof().SelectionCounter)
	if !ok || len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func (j *steps) awaitSelection(ctx context.Context, minimum int) (int, bool) {
	n := 0
	res := wait.Poll("selection-counter", j.h.Readiness.Options, func(ctx context.Context) bool {
		n = j.selectionCount(ctx)
		return n >= minimum
	})(ctx)
	return n, res.Success
}

func (j *steps) selectItem(ctx context.Context, sc *stage.Context) (bool, error) {
	if err := j.checkItem(ctx, sc.State.SelectedItemIndex); err != nil {
		return false, err
	}
	_, ok := j.awaitSelection(ctx, 1)
	return ok, nil
}

func (j *steps) selectionCounter(ctx context.Context, sc *stage.Context) (bool, error) {
	return j.selectionCount(ctx) >= 1, nil
}

// Stage 3

// render2D clicks render and waits for the 2D surface. A first render that
// does not materialise falls back to the reload procedure.
func (j *steps) render2D(ctx context.Context, sc *stage.Context) (bool, error) {
	sc.State.Render2DLoaded = false
	if err := j.click(ctx, "render button", j.prof().RenderQuery()); err != nil {
		return false, err
	}

	ready := j.h.WaitForAny(ctx, []wait.Strategy{j.h.Readiness.Map2DReady()})
	if ready.Success && j.h.Classifier.Classify(ctx) == viewstate.ThreeD {
		if err := j.h.EnsureMode(ctx, mode.Mode2D); err != nil {
			return false, err
		}
	}
	if !ready.Success || !j.lib().Exists(ctx, j.prof().MarkerQuery()) {
		log.Printf("[journey] 2D render of item %d not ready (%s); reloading", sc.State.SelectedItemIndex, ready.ErrorMessage())
		ok, err := j.h.Reload2D(ctx, sc.State.SelectedItemIndex, 0)
		if err != nil {
			var rle *recovery.RenderLoadError
			if errors.As(err, &rle) {
				return false, stage.Abort(err)
			}
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	sc.State.Render2DLoaded = true
	sc.State.CurrentMode = string(mode.Mode2D)
	return true, nil
}

// apiResponse checks the data request behind the render. Drivers without a
// response log fall back to the render outcome.
func (j *steps) apiResponse(ctx context.Context, sc *stage.Context) (bool, error) {
	if _, ok := sc.Driver.(driver.NetworkLister); !ok {
		return sc.State.Render2DLoaded, nil
	}
	res := j.h.Readiness.WithTimeout(2 * time.Second).APIResponse(j.prof().APIPattern)(ctx)
	return res.Success, nil
}

func (j *steps) drawingSurface(ctx context.Context, sc *stage.Context) (bool, error) {
	return j.lib().Exists(ctx, j.prof().CanvasQuery()) || j.lib().Exists(ctx, j.prof().ContainerQuery()), nil
}

func (j *steps) staticMarkers(ctx context.Context, sc *stage.Context) (bool, error) {
	res := j.h.WaitForAny(ctx, []wait.Strategy{j.h.Readiness.MarkersReady(MinStaticMarkers)})
	if res.Success {
		sc.State.CurrentSubMode = string(mode.Static)
	}
	return res.Success, nil
}

// Stage 4

func (j *steps) subMode(target mode.SubMode) stage.CheckpointFunc {
	return func(ctx context.Context, sc *stage.Context) (bool, error) {
		if err := j.h.SwitchSubMode(ctx, target); err != nil {
			return false, err
		}
		sc.State.CurrentSubMode = string(target)
		return true, nil
	}
}

func (j *steps) playbackControl(ctx context.Context, sc *stage.Context) (bool, error) {
	snap := j.lib().Snapshot(ctx)
	_, play := probe.Find(snap, j.prof().PlayQuery())
	_, pause := probe.Find(snap, j.prof().PauseQuery())
	return play || pause, nil
}

func (j *steps) startPlayback(ctx context.Context, sc *stage.Context) (bool, error) {
	if _, ok := j.lib().FindControl(ctx, j.prof().PauseQuery()); ok {
		return true, nil
	}
	if err := j.click(ctx, "play button", j.prof().PlayQuery()); err != nil {
		return false, err
	}
	return j.awaitControl(ctx, "pause", j.prof().PauseQuery()), nil
}

// Stage 5

func (j *steps) mode(target mode.Mode) stage.CheckpointFunc {
	return func(ctx context.Context, sc *stage.Context) (bool, error) {
		if err := j.h.EnsureMode(ctx, target); err != nil {
			return false, err
		}
		sc.State.CurrentMode = string(target)
		if target == mode.Mode3D {
			sc.State.Render3DLoaded = true
		}
		return true, nil
	}
}

func (j *steps) globe(ctx context.Context, sc *stage.Context) (bool, error) {
	res := j.h.WaitForAny(ctx, []wait.Strategy{j.h.Readiness.Globe3DReady()})
	return res.Success, nil
}

func (j *steps) viewAngle(ctx context.Context, sc *stage.Context) (bool, error) {
	_, ok := j.lib().FindControl(ctx, j.prof().ViewAngleQuery())
	return ok, nil
}

// Stage 6

func (j *steps) returnToList(ctx context.Context, sc *stage.Context) (bool, error) {
	if j.lib().Exists(ctx, j.prof().ListRowQuery()) {
		return true, nil
	}
	if err := j.click(ctx, "back button", j.prof().BackQuery()); err != nil {
		return false, err
	}
	return j.awaitCount(ctx, "item-list", j.prof().ListRowQuery(), 1), nil
}

func (j *steps) selectNext(ctx context.Context, sc *stage.Context) (bool, error) {
	before := j.selectionCount(ctx)
	if err := j.checkItem(ctx, sc.State.SelectedItemIndex+1); err != nil {
		return false, err
	}
	_, ok := j.awaitSelection(ctx, before+1)
	return ok, nil
}

func (j *steps) renderSelection(ctx context.Context, sc *stage.Context) (bool, error) {
	if err := j.click(ctx, "render button", j.prof().RenderQuery()); err != nil {
		return false, err
	}
	res := j.h.WaitForAny(ctx, []wait.Strategy{j.h.Readiness.Map2DReady()})
	return res.Success, nil
}

// Stage 7

func (j *steps) monitorAttached(ctx context.Context, sc *stage.Context) (bool, error) {
	if _, ok := sc.Driver.(driver.EventSource); !ok {
		return false, stage.Abort(errors.New("driver does not emit page events"))
	}
	return true, nil
}

func (j *steps) noCriticalErrors(ctx context.Context, sc *stage.Context) (bool, error) {
	r := j.h.Monitor.Report()
	if len(r.CriticalErrors) > 0 {
		log.Printf("[journey] %d critical diagnostic event(s)\n%s", len(r.CriticalErrors), r.Summary())
		return false, nil
	}
	return true, nil
}
