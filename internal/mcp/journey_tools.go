package mcp

import (
	"context"
	"fmt"
	"log"

	"viewguard-mcp-server/internal/mangle"
	"viewguard-mcp-server/internal/stage"
)

type stageSummary struct {
	Stage       stage.ID                 `json:"stage"`
	Name        string                   `json:"name"`
	Status      stage.Status             `json:"status"`
	Reason      string                   `json:"reason,omitempty"`
	Passed      int                      `json:"passed"`
	Total       int                      `json:"total"`
	Recovered   bool                     `json:"recovered,omitempty"`
	Satisfied   bool                     `json:"satisfied"`
	DurationMs  int64                    `json:"duration_ms"`
	Checkpoints []stage.CheckpointResult `json:"checkpoints,omitempty"`
}

// summarizeReport flattens a report. Checkpoints are listed for stages that
// did not complete unless verbose is set.
func summarizeReport(r stage.Report, verbose bool) map[string]interface{} {
	complete, failed, skipped := r.Counts()
	stages := make([]stageSummary, 0, len(r.Results))
	for _, res := range r.Results {
		s := stageSummary{
			Stage:      res.Stage,
			Name:       res.Name,
			Status:     res.Status,
			Reason:     res.Reason,
			Passed:     res.Passed(),
			Total:      len(res.Checkpoints),
			Recovered:  res.Recovered,
			Satisfied:  res.Satisfied,
			DurationMs: res.Duration.Milliseconds(),
		}
		if verbose || res.Status != stage.StatusComplete {
			s.Checkpoints = res.Checkpoints
		}
		stages = append(stages, s)
	}
	return map[string]interface{}{
		"run_id":      r.RunID,
		"started":     r.Started,
		"duration_ms": r.Duration.Milliseconds(),
		"complete":    complete,
		"failed":      failed,
		"skipped":     skipped,
		"stages":      stages,
	}
}

// RunJourneyTool runs the seven-stage journey against a session.
type RunJourneyTool struct {
	harnesses *harnessPool
	engine    *mangle.Engine
}

func (t *RunJourneyTool) Name() string { return "run-journey" }
func (t *RunJourneyTool) Description() string {
	return `Run the 7-stage verification journey against a session.

STAGES (requires):
1 homepage            -
2 entry               1
3 2D static           2   (falls back to reload-2d when the render races)
4 2D dynamic          3
5 3D                  3
6 item list           2
7 diagnostics         -

Stages whose dependencies are not satisfied are skipped, never run. A stage
that escapes with a transient error (timeout, navigation, detached page) is
re-run once from its pre-stage snapshot; other failures are final. Stage outcomes and
diagnostic events are pushed to the fact engine; evaluate-rule with
stage_blocked_by or failed_checkpoint explains a failed run.

Returns: {run_id, complete, failed, skipped, stages[], blocked_by?, trace?}`
}
func (t *RunJourneyTool) InputSchema() map[string]interface{} {
	return sessionSchema(map[string]interface{}{
		"reset_diagnostics": map[string]interface{}{
			"type":        "boolean",
			"description": "Clear the diagnostic log before the run (default: true)",
		},
		"verbose": map[string]interface{}{
			"type":        "boolean",
			"description": "Include checkpoints of completed stages (default: false)",
		},
	})
}
func (t *RunJourneyTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	h, err := t.harnesses.get(getStringArg(args, "session_id"))
	if err != nil {
		return nil, err
	}
	if getBoolArg(args, "reset_diagnostics", true) {
		h.Monitor.Reset()
	}

	report := h.RunJourney(ctx)
	out := summarizeReport(report, getBoolArg(args, "verbose", false))

	if traces, err := h.Traces(); err == nil && len(traces) > 0 {
		out["trace"] = traces[0]
	}
	if t.engine != nil && t.engine.Enabled() {
		blocked, err := t.engine.Evaluate(ctx, "stage_blocked_by")
		if err != nil {
			log.Printf("[session:%s] stage_blocked_by: %v", h.Session(), err)
		} else {
			edges := make([]map[string]interface{}, 0)
			for _, f := range blocked {
				if len(f.Args) < 3 || fmt.Sprint(f.Args[0]) != report.RunID {
					continue
				}
				edges = append(edges, map[string]interface{}{"stage": f.Args[1], "required": f.Args[2]})
			}
			if len(edges) > 0 {
				out["blocked_by"] = edges
			}
		}
	}
	return out, nil
}

// JourneyStatusTool returns the last run report and the traces on disk.
type JourneyStatusTool struct {
	harnesses *harnessPool
}

func (t *JourneyStatusTool) Name() string { return "journey-status" }
func (t *JourneyStatusTool) Description() string {
	return `Show the most recent run-journey result for a session.

Cheap: nothing is re-run. Lists the JSONL run traces written for the session,
newest first.

Returns: {has_run, run?, traces[]}`
}
func (t *JourneyStatusTool) InputSchema() map[string]interface{} {
	return sessionSchema(map[string]interface{}{
		"verbose": map[string]interface{}{
			"type":        "boolean",
			"description": "Include checkpoints of completed stages (default: false)",
		},
	})
}
func (t *JourneyStatusTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	h, err := t.harnesses.get(getStringArg(args, "session_id"))
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{"has_run": false}
	if last, ok := h.LastRun(); ok {
		out["has_run"] = true
		out["run"] = summarizeReport(last, getBoolArg(args, "verbose", false))
	}
	traces, err := h.Traces()
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	if traces == nil {
		traces = []string{}
	}
	out["traces"] = traces
	return out, nil
}

// DiagnosticReportTool summarizes the session's console, page and network errors.
type DiagnosticReportTool struct {
	harnesses *harnessPool
}

func (t *DiagnosticReportTool) Name() string { return "diagnostic-report" }
func (t *DiagnosticReportTool) Description() string {
	return `Report console, uncaught page and network (>=500) errors seen by the session.

Benign vendor and analytics noise is whitelisted and only counted as dropped;
messages matching a critical pattern (uncaught error, unhandled rejection,
fatal, crash) are always kept. Events are tagged with the journey stage that
was running when they occurred.

OPTIONS:
- stage: only return the events of one stage
- reset: clear the log after reading

Returns: {report: {total_events, critical_errors[], console_errors, page_errors,
network_errors, warnings_by_stage, errors_by_category, timeline[], dropped,
has_critical_issues}, summary, events?}`
}
func (t *DiagnosticReportTool) InputSchema() map[string]interface{} {
	return sessionSchema(map[string]interface{}{
		"stage": map[string]interface{}{
			"type":        "integer",
			"description": "Only include events tagged with this stage",
		},
		"reset": map[string]interface{}{
			"type":        "boolean",
			"description": "Clear the event log after reading (default: false)",
		},
	})
}
func (t *DiagnosticReportTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	h, err := t.harnesses.get(getStringArg(args, "session_id"))
	if err != nil {
		return nil, err
	}
	report := h.Monitor.Report()
	out := map[string]interface{}{
		"report":  report,
		"summary": report.Summary(),
	}
	if id := getIntArg(args, "stage", -1); id >= 0 {
		out["stage"] = id
		out["events"] = h.Monitor.EventsByStage(id)
	}
	if getBoolArg(args, "reset", false) {
		h.Monitor.Reset()
	}
	return out, nil
}
