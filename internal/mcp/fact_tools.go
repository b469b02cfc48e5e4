package mcp

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"viewguard-mcp-server/internal/mangle"
)

const (
	defaultFactLimit = 25
	maxFactLimit     = 500
	defaultAwaitMs   = 5000
	awaitPollEvery   = 50 * time.Millisecond
)

func requireEngine(engine *mangle.Engine) error {
	if engine == nil || !engine.Enabled() {
		return fmt.Errorf("mangle engine disabled")
	}
	return nil
}

// PushFactsTool appends caller-supplied facts to the buffer.
type PushFactsTool struct {
	engine *mangle.Engine
}

func (t *PushFactsTool) Name() string { return "push-facts" }
func (t *PushFactsTool) Description() string {
	return `Push facts into the engine, e.g. observations made outside the journey.

Each fact is {predicate, args[]}. Entries without a predicate are skipped.
Derived rules (stage_with_critical, stage_blocked_by, custom submit-rule
rules) are re-evaluated after the push.

Returns: {accepted}`
}
func (t *PushFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"facts": map[string]interface{}{
				"type":        "array",
				"description": "Facts to push: [{predicate, args}]",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"predicate": map[string]interface{}{"type": "string"},
						"args":      map[string]interface{}{"type": "array"},
					},
				},
			},
		},
		"required": []string{"facts"},
	}
}
func (t *PushFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	raw, ok := args["facts"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("facts must be an array")
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("facts is empty")
	}

	now := time.Now()
	facts := make([]mangle.Fact, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		predicate := getStringFromMap(m, "predicate")
		if predicate == "" {
			continue
		}
		factArgs, _ := m["args"].([]interface{})
		for i, a := range factArgs {
			// JSON numbers arrive as float64; keep integers integral so
			// they unify with rule constants.
			if f, ok := a.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
				factArgs[i] = int64(f)
			}
		}
		facts = append(facts, mangle.Fact{Predicate: predicate, Args: factArgs, Timestamp: now})
	}
	if err := t.engine.AddFacts(ctx, facts); err != nil {
		return nil, err
	}
	return map[string]interface{}{"accepted": len(facts)}, nil
}

// ReadFactsTool returns the most recent buffered facts.
type ReadFactsTool struct {
	engine *mangle.Engine
}

func (t *ReadFactsTool) Name() string { return "read-facts" }
func (t *ReadFactsTool) Description() string {
	return `Read the most recent buffered facts, newest last.

Returns: {count, facts[]}`
}
func (t *ReadFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Only return facts of this predicate",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum facts to return (default 25, max 500)",
			},
		},
	}
}
func (t *ReadFactsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	limit := getIntArg(args, "limit", defaultFactLimit)
	if limit <= 0 {
		limit = defaultFactLimit
	}
	if limit > maxFactLimit {
		limit = maxFactLimit
	}

	var facts []mangle.Fact
	if p := getStringArg(args, "predicate"); p != "" {
		facts = t.engine.FactsByPredicate(p)
	} else {
		facts = t.engine.Facts()
	}
	if len(facts) > limit {
		facts = facts[len(facts)-limit:]
	}
	return map[string]interface{}{"count": len(facts), "facts": facts}, nil
}

// QueryFactsTool runs a single-atom Mangle query.
type QueryFactsTool struct {
	engine *mangle.Engine
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Run a Mangle query and return variable bindings.

EXAMPLES:
- failed_checkpoint(Run, Stage, Checkpoint).
- stage_result(Run, 3, Status, Recovered).
- diagnostic_event(Stage, "console", "error", Critical, Category, Message).

Returns: {count, results[]}`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Single-atom query, trailing period optional",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := strings.TrimSpace(getStringArg(args, "query"))
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if !strings.HasSuffix(query, ".") {
		query += "."
	}
	rows, err := t.engine.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	results := make([]map[string]interface{}, 0, len(rows))
	for _, r := range rows {
		results = append(results, map[string]interface{}(r))
	}
	return map[string]interface{}{"count": len(results), "results": results}, nil
}

// SubmitRuleTool adds a rule to the running program.
type SubmitRuleTool struct {
	engine *mangle.Engine
}

func (t *SubmitRuleTool) Name() string { return "submit-rule" }
func (t *SubmitRuleTool) Description() string {
	return `Add Mangle declarations and rules to the running program.

Rules may build on the journey schema, e.g.
  critical_stage_failed(S) :- stage_with_critical(S), stage_result(_, S, "failed", _).

Returns: {status: "ok"}`
}
func (t *SubmitRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Mangle source",
			},
		},
		"required": []string{"rule"},
	}
}
func (t *SubmitRuleTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	rule := getStringArg(args, "rule")
	if strings.TrimSpace(rule) == "" {
		return nil, fmt.Errorf("rule is required")
	}
	if err := t.engine.AddRule(rule); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "ok"}, nil
}

// EvaluateRuleTool evaluates the program and returns one predicate's facts.
type EvaluateRuleTool struct {
	engine *mangle.Engine
}

func (t *EvaluateRuleTool) Name() string { return "evaluate-rule" }
func (t *EvaluateRuleTool) Description() string {
	return `Evaluate the program and return every fact of a predicate, derived or pushed.

USEFUL PREDICATES:
- stage_blocked_by(Run, Stage, Required)   why a stage was skipped
- failed_checkpoint(Run, Stage, Checkpoint)
- stage_with_critical(Stage)               stages with critical page errors
- recovered_stage(Run, Stage), flaky_checkpoint(Run, Stage, Checkpoint)

Returns: {predicate, count, facts[]}`
}
func (t *EvaluateRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate to evaluate",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *EvaluateRuleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, fmt.Errorf("predicate is required")
	}
	facts, err := t.engine.Evaluate(ctx, predicate)
	if err != nil {
		return nil, err
	}
	if facts == nil {
		facts = []mangle.Fact{}
	}
	return map[string]interface{}{"predicate": predicate, "count": len(facts), "facts": facts}, nil
}

// QueryTemporalTool filters buffered facts by time window.
type QueryTemporalTool struct {
	engine *mangle.Engine
}

func (t *QueryTemporalTool) Name() string { return "query-temporal" }
func (t *QueryTemporalTool) Description() string {
	return `Return buffered facts of a predicate within a time window (unix ms).

Returns: {predicate, count, facts[]}`
}
func (t *QueryTemporalTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{"type": "string"},
			"after_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Only facts after this unix-ms timestamp",
			},
			"before_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Only facts before this unix-ms timestamp",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *QueryTemporalTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, fmt.Errorf("predicate is required")
	}
	var after, before time.Time
	if ms := getIntArg(args, "after_ms", 0); ms > 0 {
		after = time.UnixMilli(int64(ms))
	}
	if ms := getIntArg(args, "before_ms", 0); ms > 0 {
		before = time.UnixMilli(int64(ms))
	}
	facts := t.engine.QueryTemporal(predicate, after, before)
	if facts == nil {
		facts = []mangle.Fact{}
	}
	return map[string]interface{}{"predicate": predicate, "count": len(facts), "facts": facts}, nil
}

// AwaitFactTool polls until a fact (optionally matching leading args) exists.
type AwaitFactTool struct {
	engine *mangle.Engine
}

func (t *AwaitFactTool) Name() string { return "await-fact" }
func (t *AwaitFactTool) Description() string {
	return `Block until a fact of predicate exists, pushed or derived.

args matches leading arguments by string form, e.g. predicate
"stage_result" with args [run_id, 3] waits for stage 3 of that run.

Returns: {status: "passed"|"timeout", predicate, elapsed_ms}`
}
func (t *AwaitFactTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{"type": "string"},
			"args": map[string]interface{}{
				"type":        "array",
				"description": "Leading arguments that must match",
			},
			"timeout_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Give up after this long (default 5000)",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *AwaitFactTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, fmt.Errorf("predicate is required")
	}
	if err := requireEngine(t.engine); err != nil {
		return nil, err
	}
	want, _ := args["args"].([]interface{})
	timeoutMs := getIntArg(args, "timeout_ms", defaultAwaitMs)
	if timeoutMs < 0 {
		timeoutMs = 0
	}

	start := time.Now()
	deadline := start.Add(time.Duration(timeoutMs) * time.Millisecond)
	ticker := time.NewTicker(awaitPollEvery)
	defer ticker.Stop()
	for {
		found := matchFact(t.engine.FactsByPredicate(predicate), want)
		if !found {
			derived, err := t.engine.Evaluate(ctx, predicate)
			if err != nil {
				return nil, err
			}
			found = matchFact(derived, want)
		}
		if found {
			return map[string]interface{}{
				"status":     "passed",
				"predicate":  predicate,
				"elapsed_ms": time.Since(start).Milliseconds(),
			}, nil
		}
		if !time.Now().Before(deadline) {
			return map[string]interface{}{
				"status":     "timeout",
				"predicate":  predicate,
				"elapsed_ms": time.Since(start).Milliseconds(),
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SubscribeRuleTool waits for the next evaluation in which predicate holds.
type SubscribeRuleTool struct {
	engine *mangle.Engine
}

func (t *SubscribeRuleTool) Name() string { return "subscribe-rule" }
func (t *SubscribeRuleTool) Description() string {
	return `Wait for the next fact push after which predicate has facts.

Unlike await-fact this does not look at facts that already exist; it fires on
the next engine evaluation, e.g. the next stage outcome of a running journey.

Returns: {status: "triggered"|"timeout", predicate, facts?}`
}
func (t *SubscribeRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{"type": "string"},
			"timeout_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Give up after this long (default 5000)",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *SubscribeRuleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, fmt.Errorf("predicate is required")
	}
	if err := requireEngine(t.engine); err != nil {
		return nil, err
	}
	timeoutMs := getIntArg(args, "timeout_ms", defaultAwaitMs)
	if timeoutMs < 0 {
		timeoutMs = 0
	}

	ch := make(chan mangle.WatchEvent, 1)
	t.engine.Subscribe(predicate, ch)
	defer t.engine.Unsubscribe(predicate, ch)

	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case ev := <-ch:
		return map[string]interface{}{"status": "triggered", "predicate": predicate, "facts": ev.Facts}, nil
	case <-timer.C:
		return map[string]interface{}{"status": "timeout", "predicate": predicate}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
