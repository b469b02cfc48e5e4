package recorder

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"viewguard-mcp-server/internal/stage"
)

func TestRecorderRotation(t *testing.T) {
	tempDir := t.TempDir()

	r, err := NewRecorder(tempDir)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < MaxRotatedFiles+2; i++ {
		if err := r.Start("run"); err != nil {
			t.Fatal(err)
		}
		r.Log(Record{Type: "test", Data: map[string]string{"msg": "hello"}})
		time.Sleep(10 * time.Millisecond) // distinct mod times
	}
	_ = r.Close()

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != MaxRotatedFiles {
		t.Errorf("expected %d files, got %d", MaxRotatedFiles, len(entries))
	}
}

func TestRecorderLogWithoutStartIsNoop(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r.Log(Record{Type: "ignored"})
	if r.Path() != "" {
		t.Errorf("expected no open trace, got %s", r.Path())
	}
	if err := r.Close(); err != nil {
		t.Errorf("closing an idle recorder should succeed: %v", err)
	}
}

func TestObserverWritesRunTrace(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	obs := r.Observer()

	var path string
	obs(stage.Event{Kind: stage.EventRunStart, RunID: "abc", Time: time.Now()})
	path = r.Path()
	if path == "" || !strings.Contains(path, "run_abc_") {
		t.Fatalf("expected an open trace for run abc, got %q", path)
	}
	obs(stage.Event{Kind: stage.EventCheckpoint, RunID: "abc", Stage: 1, Checkpoint: &stage.CheckpointResult{ID: "1.1", Passed: true}})
	obs(stage.Event{Kind: stage.EventRecovery, RunID: "abc", Stage: 1, Error: "navigation timeout"})
	obs(stage.Event{Kind: stage.EventStageEnd, RunID: "abc", Stage: 1, Result: &stage.StageResult{Stage: 1, Status: stage.StatusComplete}})
	report := stage.Report{RunID: "abc", Results: []stage.StageResult{{Stage: 1, Status: stage.StatusComplete}}}
	obs(stage.Event{Kind: stage.EventRunEnd, RunID: "abc", Report: &report})

	if r.Path() != "" {
		t.Error("expected the trace closed after run_end")
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var types []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("invalid JSONL line %q: %v", scanner.Text(), err)
		}
		if rec["run_id"] != "abc" {
			t.Errorf("unexpected run id in %v", rec)
		}
		types = append(types, rec["type"].(string))
	}
	want := "run_start,checkpoint,recovery,stage_end,run_end"
	if got := strings.Join(types, ","); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	traces, err := r.Traces()
	if err != nil || len(traces) != 1 {
		t.Errorf("expected one trace listed, got %v (%v)", traces, err)
	}
}
