// Package recorder writes orchestrated runs to rotating JSONL trace files.
package recorder

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"viewguard-mcp-server/internal/stage"
)

const (
	MaxRotatedFiles = 3
	TraceDir        = "data/traces"
)

// Record is one line of a run trace.
type Record struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	RunID     string      `json:"run_id,omitempty"`
	Stage     stage.ID    `json:"stage,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Recorder manages rotating run traces. One trace is open at a time.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	basePath string
	current  string
}

// NewRecorder creates a recorder writing under basePath.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{basePath: basePath}, nil
}

// Start opens a new trace for runID, closing any open one and rotating old
// traces so only the newest MaxRotatedFiles remain.
func (r *Recorder) Start(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeLocked()

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	filename := fmt.Sprintf("run_%s_%d.jsonl", runID, time.Now().UnixMilli())
	path := filepath.Join(r.basePath, filename)
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	r.current = path
	return nil
}

// Path returns the open trace file, or "" when none is open.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Log appends a record to the open trace. It is a no-op when no trace is open.
func (r *Recorder) Log(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if err := r.encoder.Encode(rec); err != nil {
		log.Printf("[recorder] write %s: %v", r.current, err)
	}
}

// Observer returns a stage observer that opens a trace on run start, records
// every event and closes the trace when the run ends.
func (r *Recorder) Observer() stage.Observer {
	return func(ev stage.Event) {
		switch ev.Kind {
		case stage.EventRunStart:
			if err := r.Start(ev.RunID); err != nil {
				log.Printf("[recorder] start trace for run %s: %v", ev.RunID, err)
				return
			}
		}

		rec := Record{Timestamp: ev.Time, Type: string(ev.Kind), RunID: ev.RunID, Stage: ev.Stage}
		switch {
		case ev.Checkpoint != nil:
			rec.Data = ev.Checkpoint
		case ev.Result != nil:
			rec.Data = ev.Result
		case ev.Report != nil:
			complete, failed, skipped := ev.Report.Counts()
			rec.Data = map[string]interface{}{
				"complete": complete,
				"failed":   failed,
				"skipped":  skipped,
				"duration": ev.Report.Duration.String(),
			}
		case ev.Error != "":
			rec.Data = map[string]string{"error": ev.Error}
		}
		r.Log(rec)

		if ev.Kind == stage.EventRunEnd {
			if err := r.Close(); err != nil {
				log.Printf("[recorder] close trace for run %s: %v", ev.RunID, err)
			}
		}
	}
}

// Traces lists trace files, newest first.
func (r *Recorder) Traces() ([]string, error) {
	traces, err := r.list()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(traces))
	for i, t := range traces {
		out[i] = filepath.Join(r.basePath, t.name)
	}
	return out, nil
}

type traceFile struct {
	name string
	mod  time.Time
}

func (r *Recorder) list() ([]traceFile, error) {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return nil, err
	}

	var traces []traceFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, traceFile{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		return traces[i].mod.After(traces[j].mod)
	})
	return traces, nil
}

// rotate keeps only the newest MaxRotatedFiles-1, making room for a new one.
func (r *Recorder) rotate() error {
	traces, err := r.list()
	if err != nil {
		return err
	}
	keep := MaxRotatedFiles - 1
	for i := keep; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.basePath, traces[i].name))
	}
	return nil
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *Recorder) closeLocked() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	r.current = ""
	return err
}
