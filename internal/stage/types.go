// Package stage runs ordered groups of checkpoints with declared dependencies,
// snapshot-based one-shot recovery and aggregated (never fatal) failures.
package stage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"viewguard-mcp-server/internal/driver"
)

// ID identifies a stage within a run.
type ID int

// Status is a stage's lifecycle state.
type Status string

const (
	StatusPending           Status = "pending"
	StatusPreconditionCheck Status = "precondition_check"
	StatusRunning           Status = "running"
	StatusComplete          Status = "complete"
	StatusFailed            Status = "failed"
	StatusSkipped           Status = "skipped"
)

// State is carried across the whole run and mutated only by checkpoint
// functions through their Context.
type State struct {
	SelectedItemIndex int    `json:"selected_item_index"`
	CurrentMode       string `json:"current_mode,omitempty"`
	CurrentSubMode    string `json:"current_sub_mode,omitempty"`
	Render2DLoaded    bool   `json:"render_2d_loaded"`
	Render3DLoaded    bool   `json:"render_3d_loaded"`
}

// Snapshot is captured before each stage attempt and used for one recovery.
type Snapshot struct {
	URL        string
	State      State
	Screenshot []byte
	TakenAt    time.Time
}

// Dependency declares what a stage needs before it may run.
type Dependency struct {
	Requires []ID `json:"requires,omitempty"`
	// BlockingCheckpoints let a stage that ran but failed still satisfy its
	// dependents, as long as every listed checkpoint passed.
	BlockingCheckpoints []string `json:"blocking_checkpoints,omitempty"`
	// FallbackStages and RequiresReset are advisory and reported with results.
	FallbackStages []ID `json:"fallback_stages,omitempty"`
	RequiresReset  bool `json:"requires_reset,omitempty"`
}

// Dependencies maps stage ids to their descriptors. It is never mutated
// after construction.
type Dependencies map[ID]Dependency

// DefaultDependencies is the seven-stage trajectory journey.
func DefaultDependencies() Dependencies {
	return Dependencies{
		1: {BlockingCheckpoints: []string{"1.1"}},
		2: {Requires: []ID{1}, BlockingCheckpoints: []string{"2.1", "2.2"}},
		3: {Requires: []ID{2}, BlockingCheckpoints: []string{"3.1"}, FallbackStages: []ID{6}, RequiresReset: true},
		4: {Requires: []ID{3}, FallbackStages: []ID{5, 6}},
		5: {Requires: []ID{3}, FallbackStages: []ID{6}},
		6: {Requires: []ID{2}, FallbackStages: []ID{7}, RequiresReset: true},
		7: {},
	}
}

// IDs returns the declared stage ids in ascending order.
func (d Dependencies) IDs() []ID {
	ids := make([]ID, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Context is handed to each checkpoint invocation.
type Context struct {
	Driver  driver.Driver
	State   *State
	Stage   ID
	Attempt int
}

// CheckpointFunc performs one verification step. A false result or an error
// counts as a failed attempt; errors wrapped by Abort end the stage.
type CheckpointFunc func(ctx context.Context, sc *Context) (bool, error)

// Checkpoint is one atomic verification step.
type Checkpoint struct {
	ID   string
	Name string
	Fn   CheckpointFunc
}

// Stage is an ordered group of checkpoints.
type Stage struct {
	ID          ID
	Name        string
	Checkpoints []Checkpoint
}

// CheckpointResult is produced once per checkpoint execution.
type CheckpointResult struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Retries  int           `json:"retries"`
	Errors   []string      `json:"errors,omitempty"`
	Duration time.Duration `json:"duration"`
}

// StageResult is produced once per stage.
type StageResult struct {
	Stage       ID                 `json:"stage"`
	Name        string             `json:"name"`
	Status      Status             `json:"status"`
	Reason      string             `json:"reason,omitempty"`
	Checkpoints []CheckpointResult `json:"checkpoints"`
	Recovered   bool               `json:"recovered"`
	// Satisfied reports whether dependents may run after this stage.
	Satisfied      bool          `json:"satisfied"`
	FallbackStages []ID          `json:"fallback_stages,omitempty"`
	RequiresReset  bool          `json:"requires_reset,omitempty"`
	Duration       time.Duration `json:"duration"`
	Err            error         `json:"-"`
}

// Passed counts passed checkpoints.
func (r StageResult) Passed() int {
	n := 0
	for _, c := range r.Checkpoints {
		if c.Passed {
			n++
		}
	}
	return n
}

// Report is the outcome of one orchestrated run.
type Report struct {
	RunID    string        `json:"run_id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Results  []StageResult `json:"results"`
}

// Counts tallies stage outcomes.
func (r Report) Counts() (complete, failed, skipped int) {
	for _, res := range r.Results {
		switch res.Status {
		case StatusComplete:
			complete++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	return
}

// PreconditionError explains a Skipped stage.
type PreconditionError struct {
	Stage   ID
	Missing []ID
	Reason  string
}

func (e *PreconditionError) Error() string {
	if len(e.Missing) > 0 {
		parts := make([]string, len(e.Missing))
		for i, id := range e.Missing {
			parts[i] = fmt.Sprint(int(id))
		}
		return fmt.Sprintf("stage %d: required stage(s) %s not satisfied", e.Stage, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("stage %d: %s", e.Stage, e.Reason)
}

// RecoverableTransientError wraps a stage-escaping error that matched the
// transient pattern.
type RecoverableTransientError struct {
	Stage ID
	Err   error
}

func (e *RecoverableTransientError) Error() string {
	return fmt.Sprintf("stage %d: transient failure: %v", e.Stage, e.Err)
}

func (e *RecoverableTransientError) Unwrap() error { return e.Err }

// AbortError marks a checkpoint error that must end the stage attempt.
type AbortError struct {
	Err error
}

func (e *AbortError) Error() string { return "abort: " + e.Err.Error() }

func (e *AbortError) Unwrap() error { return e.Err }

// Abort wraps err so the orchestrator stops the stage instead of retrying
// the checkpoint.
func Abort(err error) error {
	if err == nil {
		err = errors.New("aborted")
	}
	return &AbortError{Err: err}
}

var transientPattern = regexp.MustCompile(`(?i)timeout|timed out|navigation|detached`)

// IsTransient reports whether err matches the timeout/navigation/detached
// pattern that qualifies for one self-healing re-run.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return transientPattern.MatchString(err.Error())
}
