package mangle

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"viewguard-mcp-server/internal/config"
	"viewguard-mcp-server/internal/diagnostics"
	"viewguard-mcp-server/internal/stage"

	"github.com/google/mangle/ast"
)

func newEngine(t *testing.T, limit int) *Engine {
	t.Helper()
	engine, err := NewEngine(config.MangleConfig{Enable: true, FactBufferLimit: limit})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func TestEngineLoadsEmbeddedSchema(t *testing.T) {
	engine := newEngine(t, 1000)
	if !engine.Ready() {
		t.Fatal("Engine not ready after schema load")
	}

	derived, err := engine.Evaluate(context.Background(), "stage_with_critical")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(derived) != 0 {
		t.Errorf("Expected no derived facts on an empty store, got %d", len(derived))
	}
}

func TestEngineAddFacts(t *testing.T) {
	engine := newEngine(t, 1000)

	facts := []Fact{
		DiagnosticFact(diagnostics.Event{Stage: 2, Source: diagnostics.SourceConsole, Level: diagnostics.LevelError, Message: "boom", Time: time.Now()}),
		{Predicate: "stage_requires", Args: []interface{}{2, 1}},
	}
	if err := engine.AddFacts(context.Background(), facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	if buffered := engine.Facts(); len(buffered) != len(facts) {
		t.Errorf("Expected %d facts in buffer, got %d", len(facts), len(buffered))
	}
	if events := engine.FactsByPredicate("diagnostic_event"); len(events) != 1 {
		t.Errorf("Expected 1 diagnostic_event, got %d", len(events))
	}
	if got := engine.FactsByPredicate("missing"); len(got) != 0 {
		t.Errorf("Expected no facts for an unknown predicate, got %d", len(got))
	}
}

func TestStageWithCritical(t *testing.T) {
	engine := newEngine(t, 1000)
	sink := engine.DiagnosticSink()

	sink(diagnostics.Event{Stage: 2, Source: diagnostics.SourceConsole, Level: diagnostics.LevelError, Category: "Other", Message: "plain"})
	sink(diagnostics.Event{Stage: 3, Source: diagnostics.SourcePage, Level: diagnostics.LevelError, Critical: true, Category: "TypeError", Message: "Uncaught TypeError"})

	derived, err := engine.Evaluate(context.Background(), "stage_with_critical")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(derived) != 1 || derived[0].Args[0] != int64(3) {
		t.Fatalf("Expected stage 3 flagged critical, got %+v", derived)
	}

	errs, err := engine.Evaluate(context.Background(), "stage_error")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(errs) != 2 {
		t.Errorf("Expected 2 stage_error facts, got %d", len(errs))
	}
}

func runFacts(t *testing.T, engine *Engine) {
	t.Helper()
	deps := stage.Dependencies{1: {}, 2: {Requires: []stage.ID{1}}}
	observe := engine.StageObserver(deps)

	observe(stage.Event{Kind: stage.EventRunStart, RunID: "run-1"})
	observe(stage.Event{Kind: stage.EventStageEnd, RunID: "run-1", Result: &stage.StageResult{
		Stage:  1,
		Status: stage.StatusFailed,
		Checkpoints: []stage.CheckpointResult{
			{ID: "1.1", Passed: false, Retries: 1},
			{ID: "1.2", Passed: true, Retries: 1},
		},
	}})
	observe(stage.Event{Kind: stage.EventStageEnd, RunID: "run-1", Result: &stage.StageResult{
		Stage:       2,
		Status:      stage.StatusSkipped,
		Checkpoints: []stage.CheckpointResult{},
	}})
}

func TestStageDerivations(t *testing.T) {
	engine := newEngine(t, 1000)
	runFacts(t, engine)
	ctx := context.Background()

	failed, err := engine.Evaluate(ctx, "failed_checkpoint")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Args[2] != "1.1" {
		t.Errorf("Expected checkpoint 1.1 failed, got %+v", failed)
	}

	blocked, err := engine.Evaluate(ctx, "stage_blocked_by")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(blocked) != 1 || blocked[0].Args[1] != int64(2) || blocked[0].Args[2] != int64(1) {
		t.Errorf("Expected stage 2 blocked by stage 1, got %+v", blocked)
	}

	flaky, err := engine.Evaluate(ctx, "flaky_checkpoint")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(flaky) != 1 || flaky[0].Args[2] != "1.2" {
		t.Errorf("Expected checkpoint 1.2 flagged flaky, got %+v", flaky)
	}
}

func TestEngineQuery(t *testing.T) {
	engine := newEngine(t, 1000)
	runFacts(t, engine)

	results, err := engine.Query(context.Background(), `failed_checkpoint(Run, Stage, Checkpoint).`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 binding, got %d", len(results))
	}
	if results[0]["Checkpoint"] != "1.1" || results[0]["Run"] != "run-1" {
		t.Errorf("Unexpected binding %+v", results[0])
	}
}

func TestEngineQueryBufferFallback(t *testing.T) {
	engine := newEngine(t, 1000)
	ctx := context.Background()
	_ = engine.AddFacts(ctx, []Fact{
		{Predicate: "probe_note", Args: []interface{}{"markers", int64(18)}},
		{Predicate: "probe_note", Args: []interface{}{"canvas", int64(1)}},
	})

	results, err := engine.Query(ctx, `probe_note("markers", N).`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 || results[0]["N"] != int64(18) {
		t.Errorf("Expected N=18, got %+v", results)
	}
}

func TestEngineTemporalQuery(t *testing.T) {
	engine := newEngine(t, 1000)
	now := time.Now()
	past := now.Add(-5 * time.Second)

	_ = engine.AddFacts(context.Background(), []Fact{
		{Predicate: "wait_result", Args: []interface{}{"map2d", true, int64(120)}, Timestamp: past},
		{Predicate: "wait_result", Args: []interface{}{"globe3d", false, int64(5000)}, Timestamp: now},
	})

	if recent := engine.QueryTemporal("wait_result", now.Add(-3*time.Second), time.Time{}); len(recent) != 1 {
		t.Errorf("Expected 1 recent fact, got %d", len(recent))
	}
	if all := engine.QueryTemporal("wait_result", time.Time{}, time.Time{}); len(all) != 2 {
		t.Errorf("Expected 2 facts, got %d", len(all))
	}
}

func TestEngineAddRule(t *testing.T) {
	engine := newEngine(t, 1000)

	rule := `
Decl critical_failure(RunID, Stage).

critical_failure(RunID, Stage) :-
    stage_result(RunID, Stage, "failed", _),
    stage_with_critical(Stage).
`
	if err := engine.AddRule(rule); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	runFacts(t, engine)
	engine.DiagnosticSink()(diagnostics.Event{Stage: 1, Source: diagnostics.SourcePage, Level: diagnostics.LevelError, Critical: true, Message: "fatal"})

	derived, err := engine.Evaluate(context.Background(), "critical_failure")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(derived) != 1 {
		t.Errorf("Expected 1 critical_failure, got %+v", derived)
	}
}

func TestEngineDisabled(t *testing.T) {
	engine, err := NewEngine(config.MangleConfig{Enable: false, FactBufferLimit: 1000})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	if err := engine.AddFacts(context.Background(), []Fact{{Predicate: "test", Args: []interface{}{"arg"}}}); err != nil {
		t.Errorf("AddFacts should succeed when disabled: %v", err)
	}
	if len(engine.Facts()) != 0 {
		t.Error("Disabled engine should not buffer facts")
	}
	if err := engine.AddRule("some rule"); err != nil {
		t.Errorf("AddRule should succeed when disabled: %v", err)
	}
	if !engine.Ready() {
		t.Error("Engine should be ready when disabled")
	}
	if _, err := engine.Query(context.Background(), "stage_result(R, S, T, X)."); err == nil {
		t.Error("Query should fail when disabled")
	}
	if _, err := engine.Evaluate(context.Background(), "stage_with_critical"); err == nil {
		t.Error("Evaluate should fail when disabled")
	}
}

func TestEngineParseErrors(t *testing.T) {
	engine := newEngine(t, 1000)
	if err := engine.AddRule("this is not mangle ((("); err == nil {
		t.Error("Expected a parse error from AddRule")
	}
	if _, err := engine.Query(context.Background(), "((("); err == nil {
		t.Error("Expected a parse error from Query")
	}
	if err := engine.LoadSchema("/nonexistent/schema.mg"); err == nil {
		t.Error("Expected an error for a missing schema file")
	}
}

func TestEngineSamplingRate(t *testing.T) {
	engine := newEngine(t, 100)
	if rate := engine.SamplingRate(); rate != 1.0 {
		t.Errorf("Expected initial sampling rate 1.0, got %v", rate)
	}

	ctx := context.Background()
	for i := 0; i < 45; i++ {
		_ = engine.AddFacts(ctx, []Fact{{Predicate: "stage_requires", Args: []interface{}{i, 0}}})
	}
	if rate := engine.SamplingRate(); rate != 1.0 {
		t.Errorf("At 45%% full, expected rate 1.0, got %v", rate)
	}

	for i := 0; i < 45; i++ {
		_ = engine.AddFacts(ctx, []Fact{{Predicate: "stage_requires", Args: []interface{}{100 + i, 0}}})
	}
	if rate := engine.SamplingRate(); rate >= 1.0 {
		t.Errorf("Expected sampling rate < 1.0 after buffer fill, got %v", rate)
	}
	// High-value predicates are never sampled.
	if got := len(engine.FactsByPredicate("stage_requires")); got != 90 {
		t.Errorf("Expected all 90 stage_requires facts, got %d", got)
	}
}

func TestDefaultLowValuePredicates(t *testing.T) {
	low := defaultLowValuePredicates()
	for _, p := range []string{"view_classified", "wait_result"} {
		if !low[p] {
			t.Errorf("Expected %s to be low-value", p)
		}
	}
	for _, p := range []string{"diagnostic_event", "stage_result", "checkpoint_result"} {
		if low[p] {
			t.Errorf("Expected %s never to be sampled", p)
		}
	}
}

func TestEngineBufferLimit(t *testing.T) {
	engine := newEngine(t, 10)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		_ = engine.AddFacts(ctx, []Fact{{Predicate: "diagnostic_event", Args: []interface{}{1, "console", "error", false, "Other", "msg"}}})
	}
	if got := len(engine.Facts()); got != 10 {
		t.Errorf("Expected buffer trimmed to 10, got %d", got)
	}
	if got := len(engine.FactsByPredicate("diagnostic_event")); got != 10 {
		t.Errorf("Expected index rebuilt for 10 facts, got %d", got)
	}
}

func TestEngineSubscription(t *testing.T) {
	engine := newEngine(t, 1000)

	ch := make(chan WatchEvent, 4)
	engine.Subscribe("stage_with_critical", ch)
	if preds := engine.WatchPredicates(); len(preds) != 1 || preds[0] != "stage_with_critical" {
		t.Fatalf("Unexpected watch predicates %v", preds)
	}

	engine.DiagnosticSink()(diagnostics.Event{Stage: 5, Level: diagnostics.LevelError, Critical: true, Message: "crash"})

	select {
	case ev := <-ch:
		if ev.Predicate != "stage_with_critical" || len(ev.Facts) != 1 {
			t.Errorf("Unexpected watch event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a watch notification")
	}

	engine.Unsubscribe("stage_with_critical", ch)
	if preds := engine.WatchPredicates(); len(preds) != 0 {
		t.Errorf("Expected no watch predicates after unsubscribe, got %v", preds)
	}
}

func TestEngineToConstantTypes(t *testing.T) {
	engine := newEngine(t, 1000)
	facts := []Fact{
		{Predicate: "type_test", Args: []interface{}{"string value"}},
		{Predicate: "type_test", Args: []interface{}{42}},
		{Predicate: "type_test", Args: []interface{}{int64(123)}},
		{Predicate: "type_test", Args: []interface{}{3.14}},
		{Predicate: "type_test", Args: []interface{}{true}},
		{Predicate: "type_test", Args: []interface{}{[]byte("bytes")}},
	}
	if err := engine.AddFacts(context.Background(), facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}
	if stored := engine.FactsByPredicate("type_test"); len(stored) != len(facts) {
		t.Errorf("Expected %d facts, got %d", len(facts), len(stored))
	}
}

func TestConvertConstantNumbers(t *testing.T) {
	if got := convertConstant(ast.Number(7)); got != int64(7) {
		t.Errorf("Expected int64(7), got %T %v", got, got)
	}
	if got := convertConstant(ast.Float64(2.5)); got != 2.5 {
		t.Errorf("Expected 2.5, got %T %v", got, got)
	}
	if got := convertConstant(ast.String("x")); got != "x" {
		t.Errorf("Expected x, got %T %v", got, got)
	}
}

func TestDerivedNumbersMarshal(t *testing.T) {
	engine := newEngine(t, 1000)
	ctx := context.Background()
	if err := engine.AddFacts(ctx, []Fact{
		{Predicate: "stage_requires", Args: []interface{}{int64(4), int64(3)}},
		{Predicate: "stage_result", Args: []interface{}{"run-9", int64(3), "failed", false}},
		{Predicate: "stage_result", Args: []interface{}{"run-9", int64(4), "skipped", false}},
	}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	blocked, err := engine.Evaluate(ctx, "stage_blocked_by")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(blocked) != 1 {
		t.Fatalf("Expected one blocked edge, got %+v", blocked)
	}
	if stageID, ok := blocked[0].Args[1].(int64); !ok || stageID != 4 {
		t.Errorf("Expected int64 stage 4, got %T %v", blocked[0].Args[1], blocked[0].Args[1])
	}
	if required, ok := blocked[0].Args[2].(int64); !ok || required != 3 {
		t.Errorf("Expected int64 required stage 3, got %T %v", blocked[0].Args[2], blocked[0].Args[2])
	}
	raw, err := json.Marshal(blocked)
	if err != nil {
		t.Fatalf("Marshal evaluate results: %v", err)
	}
	if !strings.Contains(string(raw), `["run-9",4,3]`) {
		t.Errorf("Expected numeric args in JSON, got %s", raw)
	}

	results, err := engine.Query(ctx, `stage_blocked_by(Run, Stage, Required).`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 || results[0]["Stage"] != int64(4) || results[0]["Required"] != int64(3) {
		t.Fatalf("Unexpected bindings %+v", results)
	}
	if _, err := json.Marshal(results); err != nil {
		t.Fatalf("Marshal query results: %v", err)
	}
}
