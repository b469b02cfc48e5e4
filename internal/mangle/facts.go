package mangle

import (
	"context"
	"log"
	"time"

	"viewguard-mcp-server/internal/diagnostics"
	"viewguard-mcp-server/internal/stage"
	"viewguard-mcp-server/internal/viewstate"
	"viewguard-mcp-server/internal/wait"
)

// DiagnosticFact converts a retained diagnostic event.
func DiagnosticFact(e diagnostics.Event) Fact {
	return Fact{
		Predicate: "diagnostic_event",
		Args:      []interface{}{e.Stage, string(e.Source), string(e.Level), e.Critical, e.Category, e.Message},
		Timestamp: e.Time,
	}
}

// DependencyFacts declares stage_requires for every edge in deps.
func DependencyFacts(deps stage.Dependencies) []Fact {
	var facts []Fact
	now := time.Now()
	for _, id := range deps.IDs() {
		for _, req := range deps[id].Requires {
			facts = append(facts, Fact{Predicate: "stage_requires", Args: []interface{}{int(id), int(req)}, Timestamp: now})
		}
	}
	return facts
}

// StageFacts converts one stage outcome and its checkpoints.
func StageFacts(runID string, res stage.StageResult) []Fact {
	now := time.Now()
	facts := []Fact{{
		Predicate: "stage_result",
		Args:      []interface{}{runID, int(res.Stage), string(res.Status), res.Recovered},
		Timestamp: now,
	}}
	for _, cp := range res.Checkpoints {
		facts = append(facts, Fact{
			Predicate: "checkpoint_result",
			Args:      []interface{}{runID, int(res.Stage), cp.ID, cp.Passed, cp.Retries},
			Timestamp: now,
		})
	}
	return facts
}

// ClassificationFact records one view classification for a session.
func ClassificationFact(session string, c viewstate.Classification) Fact {
	return Fact{
		Predicate: "view_classified",
		Args:      []interface{}{session, c.State.String(), c.Rule},
		Timestamp: time.Now(),
	}
}

// WaitFact records the outcome of one wait.
func WaitFact(r wait.Result) Fact {
	return Fact{
		Predicate: "wait_result",
		Args:      []interface{}{r.Strategy, r.Success, r.DurationMs()},
		Timestamp: time.Now(),
	}
}

// DiagnosticSink feeds retained diagnostic events into the engine.
func (e *Engine) DiagnosticSink() diagnostics.Sink {
	return func(ev diagnostics.Event) {
		if err := e.AddFacts(context.Background(), []Fact{DiagnosticFact(ev)}); err != nil {
			log.Printf("[mangle] diagnostic fact rejected: %v", err)
		}
	}
}

// StageObserver feeds stage outcomes into the engine as they complete.
func (e *Engine) StageObserver(deps stage.Dependencies) stage.Observer {
	return func(ev stage.Event) {
		var facts []Fact
		switch ev.Kind {
		case stage.EventRunStart:
			facts = DependencyFacts(deps)
		case stage.EventStageEnd:
			if ev.Result != nil {
				facts = StageFacts(ev.RunID, *ev.Result)
			}
		}
		if len(facts) == 0 {
			return
		}
		if err := e.AddFacts(context.Background(), facts); err != nil {
			log.Printf("[mangle] stage facts rejected: %v", err)
		}
	}
}
