package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"viewguard-mcp-server/internal/journey"
	"viewguard-mcp-server/internal/mode"
	"viewguard-mcp-server/internal/recovery"
	"viewguard-mcp-server/internal/wait"
)

func sessionSchema(extra map[string]interface{}, required ...string) map[string]interface{} {
	props := map[string]interface{}{
		"session_id": map[string]interface{}{
			"type":        "string",
			"description": "Target session",
		},
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   append([]string{"session_id"}, required...),
	}
}

func waitPayload(res wait.Result) map[string]interface{} {
	out := map[string]interface{}{
		"success":     res.Success,
		"strategy":    res.Strategy,
		"duration_ms": res.DurationMs(),
	}
	if msg := res.ErrorMessage(); msg != "" {
		out["error"] = msg
	}
	return out
}

// ClassifyViewTool reports the current view state with the rule that decided it.
type ClassifyViewTool struct {
	harnesses *harnessPool
}

func (t *ClassifyViewTool) Name() string { return "classify-view" }
func (t *ClassifyViewTool) Description() string {
	return `Classify the current page as 2D-static, 2D-dynamic, 3D or unknown.

Probes are re-run on every call; nothing is cached. The rule that matched
(view-angle-control, playback-control, many-markers, few-markers,
map-container, no-signal) and the raw signals are returned so an unexpected
classification can be explained.

Returns: {state, rule, signals: {view_angle_control, playback_control, markers, map_container}}`
}
func (t *ClassifyViewTool) InputSchema() map[string]interface{} {
	return sessionSchema(nil)
}
func (t *ClassifyViewTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	h, err := t.harnesses.get(getStringArg(args, "session_id"))
	if err != nil {
		return nil, err
	}
	c := h.Classify(ctx)
	return map[string]interface{}{
		"state":   c.State.String(),
		"rule":    c.Rule,
		"signals": c.Signals,
	}, nil
}

// EnsureModeTool drives the page to 2D or 3D through the inverted-label toggle.
type EnsureModeTool struct {
	harnesses *harnessPool
}

func (t *EnsureModeTool) Name() string { return "ensure-mode" }
func (t *EnsureModeTool) Description() string {
	return `Drive the page to 2D or 3D and verify it got there.

The mode toggle's label names the mode a click ENTERS (label "3D模式" is shown
while in 2D). This tool reads the label, clicks only when needed, waits for
the target mode's signals and re-classifies. One forced extra click is made
when the first verification fails; never more.

Returns: {status: "ok", mode, observed} or an error naming the observed state.`
}
func (t *EnsureModeTool) InputSchema() map[string]interface{} {
	return sessionSchema(map[string]interface{}{
		"mode": map[string]interface{}{
			"type":        "string",
			"description": "Target mode",
			"enum":        []string{"2D", "3D"},
		},
	}, "mode")
}
func (t *EnsureModeTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	target, err := mode.ParseMode(getStringArg(args, "mode"))
	if err != nil {
		return nil, err
	}
	h, err := t.harnesses.get(getStringArg(args, "session_id"))
	if err != nil {
		return nil, err
	}
	if err := h.EnsureMode(ctx, target); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":   "ok",
		"mode":     string(target),
		"observed": h.Classify(ctx).State.String(),
	}, nil
}

// SwitchSubModeTool toggles the 2D view between static and dynamic.
type SwitchSubModeTool struct {
	harnesses *harnessPool
}

func (t *SwitchSubModeTool) Name() string { return "switch-submode" }
func (t *SwitchSubModeTool) Description() string {
	return `Switch the 2D view between its static and dynamic (playback) sub-modes.

The page must already be in 2D (use ensure-mode first). No click is made when
the page is already in the requested sub-mode.

Returns: {status: "ok", submode, observed}`
}
func (t *SwitchSubModeTool) InputSchema() map[string]interface{} {
	return sessionSchema(map[string]interface{}{
		"submode": map[string]interface{}{
			"type":        "string",
			"description": "Target 2D sub-mode",
			"enum":        []string{"static", "dynamic"},
		},
	}, "submode")
}
func (t *SwitchSubModeTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	target, err := mode.ParseSubMode(getStringArg(args, "submode"))
	if err != nil {
		return nil, err
	}
	h, err := t.harnesses.get(getStringArg(args, "session_id"))
	if err != nil {
		return nil, err
	}
	if err := h.SwitchSubMode(ctx, target); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":   "ok",
		"submode":  string(target),
		"observed": h.Classify(ctx).State.String(),
	}, nil
}

// Reload2DTool runs the 2D render recovery procedure for one item.
type Reload2DTool struct {
	harnesses *harnessPool
}

func (t *Reload2DTool) Name() string { return "reload-2d" }
func (t *Reload2DTool) Description() string {
	return `Recover a 2D render that did not materialise.

Each attempt returns to the item list, clears the selection, selects the item
at index, clicks render and polls until a drawing surface, the 2D timeline
control and at least one marker are all present. A render that lands in 3D
is switched back to 2D within the same attempt.

Returns: {converged, state} or {converged: false, attempts, error}`
}
func (t *Reload2DTool) InputSchema() map[string]interface{} {
	return sessionSchema(map[string]interface{}{
		"index": map[string]interface{}{
			"type":        "integer",
			"description": "0-based item index in the list (default: 0)",
		},
		"max_retries": map[string]interface{}{
			"type":        "integer",
			"description": "Attempt budget (default: verify.recovery_retries)",
		},
	})
}
func (t *Reload2DTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	index := getIntArg(args, "index", 0)
	if index < 0 {
		return nil, fmt.Errorf("index must be >= 0")
	}
	h, err := t.harnesses.get(getStringArg(args, "session_id"))
	if err != nil {
		return nil, err
	}

	ok, err := h.Reload2D(ctx, index, getIntArg(args, "max_retries", 0))
	if err != nil {
		var rle *recovery.RenderLoadError
		if errors.As(err, &rle) {
			return map[string]interface{}{
				"converged": false,
				"index":     index,
				"attempts":  rle.Attempts,
				"error":     err.Error(),
			}, nil
		}
		return nil, err
	}
	return map[string]interface{}{
		"converged": ok,
		"index":     index,
		"state":     h.Classify(ctx).State.String(),
	}, nil
}

// WaitForViewTool races or retries named readiness strategies.
type WaitForViewTool struct {
	harnesses *harnessPool
}

func (t *WaitForViewTool) Name() string { return "wait-for-view" }
func (t *WaitForViewTool) Description() string {
	return fmt.Sprintf(`Wait for the page to reach a readiness condition.

STRATEGIES (name or name:arg):
- map2d            canvas sized OR markers drawn OR map global defined
- globe3d          globe container AND view-angle control
- markers:N        at least N markers (default 1)
- api[:pattern]    successful response whose URL contains pattern
- animation        no running CSS/Web animation
- stable[:window]  page text unchanged for window (default 2s)
- view:STATE       classification equals 2D-static | 2D-dynamic | 3D

MODES:
- any (default): race all strategies, first success wins
- retry: run the single strategy up to max_retries+1 times

Known strategies: %s

Returns: {success, strategy, duration_ms, error?}`, strings.Join(journey.StrategyNames, ", "))
}
func (t *WaitForViewTool) InputSchema() map[string]interface{} {
	return sessionSchema(map[string]interface{}{
		"strategies": map[string]interface{}{
			"type":        "array",
			"items":       map[string]interface{}{"type": "string"},
			"description": "Strategy specs, e.g. [\"map2d\", \"markers:15\"]",
		},
		"mode": map[string]interface{}{
			"type":        "string",
			"description": "any (race) or retry (single strategy)",
			"enum":        []string{"any", "retry"},
		},
		"timeout_ms": map[string]interface{}{
			"type":        "integer",
			"description": "Per-strategy bound (default: scaled mode-switch timeout)",
		},
		"cancel_losers": map[string]interface{}{
			"type":        "boolean",
			"description": "Stop losing strategies once one succeeds (default: false)",
		},
		"max_retries": map[string]interface{}{
			"type":        "integer",
			"description": "Retries in retry mode (default: 2)",
		},
		"delay_ms": map[string]interface{}{
			"type":        "integer",
			"description": "Delay between retries (default: 500)",
		},
	}, "strategies")
}
func (t *WaitForViewTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	specs := getStringSliceArg(args, "strategies")
	if len(specs) == 0 {
		return nil, fmt.Errorf("strategies is required")
	}
	h, err := t.harnesses.get(getStringArg(args, "session_id"))
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(getIntArg(args, "timeout_ms", 0)) * time.Millisecond
	strategies := make([]wait.Strategy, 0, len(specs))
	for _, spec := range specs {
		name, arg, _ := strings.Cut(spec, ":")
		s, err := h.Strategy(name, arg, timeout)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, s)
	}

	switch strings.ToLower(getStringArg(args, "mode")) {
	case "", "any":
		var opts []wait.AnyOption
		if getBoolArg(args, "cancel_losers", false) {
			opts = append(opts, wait.CancelLosers())
		}
		return waitPayload(h.WaitForAny(ctx, strategies, opts...)), nil
	case "retry":
		if len(strategies) != 1 {
			return nil, fmt.Errorf("retry mode takes exactly one strategy, got %d", len(strategies))
		}
		delay := time.Duration(getIntArg(args, "delay_ms", 500)) * time.Millisecond
		return waitPayload(h.WaitWithRetry(ctx, strategies[0], getIntArg(args, "max_retries", 2), delay)), nil
	default:
		return nil, fmt.Errorf("unknown mode %q (want any or retry)", getStringArg(args, "mode"))
	}
}
