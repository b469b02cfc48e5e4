package mcp

import (
	"strings"
	"testing"

	"viewguard-mcp-server/internal/driver"
	"viewguard-mcp-server/internal/driver/drivertest"
	"viewguard-mcp-server/internal/stage"
)

func TestRunJourneyTool(t *testing.T) {
	server := newTestServer(t)
	page := newTrackPage()
	page.harness(t, server)

	status, err := server.ExecuteTool("journey-status", map[string]interface{}{"session_id": "s1"})
	if err != nil {
		t.Fatalf("journey-status: %v", err)
	}
	if status.(map[string]interface{})["has_run"] != false {
		t.Fatalf("expected no run yet, got %v", status)
	}

	result, err := server.ExecuteTool("run-journey", map[string]interface{}{"session_id": "s1"})
	if err != nil {
		t.Fatalf("run-journey: %v", err)
	}
	out := result.(map[string]interface{})
	stages := out["stages"].([]stageSummary)
	if len(stages) != 7 {
		t.Fatalf("expected 7 stages, got %d", len(stages))
	}
	for _, s := range stages {
		if s.Status != stage.StatusComplete {
			t.Errorf("stage %d (%s) = %s: %s", s.Stage, s.Name, s.Status, s.Reason)
		}
		if s.Checkpoints != nil {
			t.Errorf("stage %d: checkpoints should be omitted for complete stages", s.Stage)
		}
	}
	if out["complete"] != 7 {
		t.Errorf("expected complete=7, got %v", out["complete"])
	}
	if _, ok := out["blocked_by"]; ok {
		t.Errorf("expected no blocked_by edges, got %v", out["blocked_by"])
	}
	if out["trace"] == nil {
		t.Error("expected the newest trace path")
	}

	if facts := server.engine.FactsByPredicate("stage_result"); len(facts) != 7 {
		t.Errorf("expected 7 stage_result facts, got %d", len(facts))
	}

	status, err = server.ExecuteTool("journey-status", map[string]interface{}{"session_id": "s1", "verbose": true})
	if err != nil {
		t.Fatalf("journey-status: %v", err)
	}
	st := status.(map[string]interface{})
	if st["has_run"] != true {
		t.Fatal("expected has_run after run-journey")
	}
	run := st["run"].(map[string]interface{})
	if run["run_id"] != out["run_id"] {
		t.Errorf("expected the same run id, got %v and %v", run["run_id"], out["run_id"])
	}
	if verbose := run["stages"].([]stageSummary); verbose[0].Checkpoints == nil {
		t.Error("expected checkpoints in verbose mode")
	}
	if traces := st["traces"].([]string); len(traces) != 1 {
		t.Errorf("expected one trace, got %v", traces)
	}
}

func TestRunJourneyToolReportsBlockedStages(t *testing.T) {
	server := newTestServer(t)
	page := newTrackPage()
	page.harness(t, server)
	// Without an enter control the item list is unreachable.
	page.fake.OnClick(func(*drivertest.Fake, driver.Element) {})
	page.fake.OnNavigate(func(*drivertest.Fake, string) {})
	page.fake.SetElements()

	result, err := server.ExecuteTool("run-journey", map[string]interface{}{"session_id": "s1"})
	if err != nil {
		t.Fatalf("run-journey: %v", err)
	}
	out := result.(map[string]interface{})
	if out["failed"].(int) == 0 {
		t.Fatalf("expected failures, got %v", out)
	}
	edges, ok := out["blocked_by"].([]map[string]interface{})
	if !ok || len(edges) == 0 {
		t.Fatalf("expected blocked_by edges, got %v", out["blocked_by"])
	}
	for _, s := range out["stages"].([]stageSummary) {
		if s.Status == stage.StatusSkipped && len(s.Checkpoints) != 0 {
			t.Errorf("skipped stage %d lists checkpoints", s.Stage)
		}
		if s.Status == stage.StatusFailed && len(s.Checkpoints) == 0 {
			t.Errorf("failed stage %d should list its checkpoints", s.Stage)
		}
	}
}

func TestDiagnosticReportTool(t *testing.T) {
	server := newTestServer(t)
	page := newTrackPage()
	h := page.harness(t, server)

	h.Monitor.SetStage(3)
	page.fake.EmitConsole("error", "Uncaught TypeError: track is undefined")
	page.fake.EmitPageError("ReferenceError: globe is not defined")

	result, err := server.ExecuteTool("diagnostic-report", map[string]interface{}{"session_id": "s1", "stage": 3})
	if err != nil {
		t.Fatalf("diagnostic-report: %v", err)
	}
	out := result.(map[string]interface{})
	if out["summary"] == "" {
		t.Error("expected a summary line")
	}
	report := h.Monitor.Report()
	if !report.HasCriticalIssues || len(report.CriticalErrors) == 0 {
		t.Errorf("expected critical issues, got %+v", report)
	}
	if out["stage"] != 3 {
		t.Errorf("expected stage echo, got %v", out["stage"])
	}
	if _, ok := out["events"]; !ok {
		t.Error("expected stage events")
	}

	if _, err := server.ExecuteTool("diagnostic-report", map[string]interface{}{"session_id": "s1", "reset": true}); err != nil {
		t.Fatalf("diagnostic-report reset: %v", err)
	}
	if n := len(h.Monitor.Events()); n != 0 {
		t.Errorf("expected empty log after reset, got %d events", n)
	}
}

func TestJourneyToolsRequireSession(t *testing.T) {
	server := newTestServer(t)
	for _, name := range []string{"run-journey", "journey-status", "diagnostic-report", "classify-view", "screenshot"} {
		result, err := server.ExecuteTool(name, map[string]interface{}{"session_id": "nope"})
		if err != nil {
			continue
		}
		if m, ok := result.(map[string]interface{}); ok && m["success"] == false {
			continue
		}
		t.Errorf("%s: expected an error for an unknown session, got %v", name, result)
	}
}

func TestRunJourneyDescriptionRetryPolicy(t *testing.T) {
	desc := (&RunJourneyTool{}).Description()
	if strings.Contains(desc, "Every\nfailed stage is retried") || strings.Contains(desc, "Every failed stage is retried") {
		t.Error("description should not promise a retry for every failed stage")
	}
	if !strings.Contains(desc, "transient error") {
		t.Error("description should say only transient errors re-run a stage")
	}
}
