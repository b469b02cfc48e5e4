package stage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"viewguard-mcp-server/internal/driver"
	"viewguard-mcp-server/internal/probe"
)

// EventKind names orchestrator notifications.
type EventKind string

const (
	EventRunStart   EventKind = "run_start"
	EventStageStart EventKind = "stage_start"
	EventCheckpoint EventKind = "checkpoint"
	EventRecovery   EventKind = "recovery"
	EventStageEnd   EventKind = "stage_end"
	EventRunEnd     EventKind = "run_end"
)

// Event is delivered to observers synchronously, in order.
type Event struct {
	Kind       EventKind         `json:"kind"`
	RunID      string            `json:"run_id"`
	Stage      ID                `json:"stage,omitempty"`
	Checkpoint *CheckpointResult `json:"checkpoint,omitempty"`
	Result     *StageResult      `json:"result,omitempty"`
	Report     *Report           `json:"report,omitempty"`
	Error      string            `json:"error,omitempty"`
	Time       time.Time         `json:"time"`
}

// Observer receives orchestrator events.
type Observer func(Event)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDependencies replaces the dependency table.
func WithDependencies(deps Dependencies) Option {
	return func(o *Orchestrator) { o.deps = deps }
}

// WithAttempts sets how often each checkpoint function is tried.
func WithAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.attempts = n
		}
	}
}

// WithObserver adds an event observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// WithState seeds the run state.
func WithState(s State) Option {
	return func(o *Orchestrator) { *o.state = s }
}

// Orchestrator owns the run state and executes stages in order.
type Orchestrator struct {
	drv       driver.Driver
	probes    *probe.Library
	deps      Dependencies
	attempts  int
	observers []Observer
	state     *State
	runID     string
}

// NewOrchestrator creates an orchestrator with the default dependency table
// and two attempts per checkpoint.
func NewOrchestrator(drv driver.Driver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		drv:      drv,
		probes:   probe.New(drv),
		deps:     DefaultDependencies(),
		attempts: 2,
		state:    &State{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns a copy of the current run state.
func (o *Orchestrator) State() State {
	return *o.state
}

func (o *Orchestrator) emit(e Event) {
	e.RunID = o.runID
	e.Time = time.Now()
	for _, obs := range o.observers {
		obs(e)
	}
}

// Run executes stages in the given order and always returns one result per
// stage. A failed or skipped stage never halts the run.
func (o *Orchestrator) Run(ctx context.Context, stages []Stage) Report {
	o.runID = uuid.NewString()
	report := Report{RunID: o.runID, Started: time.Now()}
	o.emit(Event{Kind: EventRunStart})
	log.Printf("[run:%s] starting %d stage(s)", o.runID, len(stages))

	satisfied := make(map[ID]bool)
	for _, st := range stages {
		var res StageResult
		if err := ctx.Err(); err != nil {
			res = o.skip(st, &PreconditionError{Stage: st.ID, Reason: "run cancelled: " + err.Error()})
		} else {
			res = o.runStage(ctx, st, satisfied)
		}
		if res.Satisfied {
			satisfied[st.ID] = true
		}
		report.Results = append(report.Results, res)
		o.emit(Event{Kind: EventStageEnd, Stage: st.ID, Result: &res})
		log.Printf("[stage:%d] %s %s (%d/%d checkpoints, %s)", st.ID, st.Name, res.Status, res.Passed(), len(res.Checkpoints), res.Duration.Round(time.Millisecond))
	}

	report.Duration = time.Since(report.Started)
	o.emit(Event{Kind: EventRunEnd, Report: &report})
	complete, failed, skipped := report.Counts()
	log.Printf("[run:%s] finished: %d complete, %d failed, %d skipped in %s", o.runID, complete, failed, skipped, report.Duration.Round(time.Millisecond))
	return report
}

func (o *Orchestrator) base(st Stage) StageResult {
	dep := o.deps[st.ID]
	return StageResult{
		Stage:          st.ID,
		Name:           st.Name,
		Status:         StatusPending,
		FallbackStages: dep.FallbackStages,
		RequiresReset:  dep.RequiresReset,
	}
}

func (o *Orchestrator) skip(st Stage, err *PreconditionError) StageResult {
	res := o.base(st)
	res.Status = StatusSkipped
	res.Reason = err.Error()
	res.Err = err
	res.Checkpoints = []CheckpointResult{}
	return res
}

func (o *Orchestrator) runStage(ctx context.Context, st Stage, satisfied map[ID]bool) StageResult {
	start := time.Now()
	o.emit(Event{Kind: EventStageStart, Stage: st.ID})

	// PreconditionCheck
	dep := o.deps[st.ID]
	var missing []ID
	for _, req := range dep.Requires {
		if !satisfied[req] {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		res := o.skip(st, &PreconditionError{Stage: st.ID, Missing: missing})
		res.Duration = time.Since(start)
		return res
	}
	if !o.probes.PageValid(ctx) {
		res := o.skip(st, &PreconditionError{Stage: st.ID, Reason: "page session is no longer valid"})
		res.Duration = time.Since(start)
		return res
	}

	// Running
	res := o.base(st)
	res.Status = StatusRunning
	for attempt := 1; ; attempt++ {
		snap := o.snapshot(ctx)
		results, err := o.runCheckpoints(ctx, st, attempt)
		res.Checkpoints = results
		if err == nil {
			break
		}
		if !res.Recovered && IsTransient(err) {
			rte := &RecoverableTransientError{Stage: st.ID, Err: err}
			log.Printf("[stage:%d] %v; restoring snapshot %s", st.ID, rte, snap.URL)
			o.emit(Event{Kind: EventRecovery, Stage: st.ID, Error: rte.Error()})
			res.Recovered = true
			if rerr := o.restore(ctx, snap); rerr != nil {
				res.Err = fmt.Errorf("%w (recovery failed: %v)", rte, rerr)
				break
			}
			continue
		}
		if IsTransient(err) {
			err = &RecoverableTransientError{Stage: st.ID, Err: err}
		}
		res.Err = err
		break
	}

	res.Status = StatusComplete
	if res.Err != nil || len(res.Checkpoints) < len(st.Checkpoints) {
		res.Status = StatusFailed
	}
	for _, c := range res.Checkpoints {
		if !c.Passed {
			res.Status = StatusFailed
		}
	}
	if res.Err != nil {
		res.Reason = res.Err.Error()
	}
	res.Satisfied = res.Status == StatusComplete || o.blockingPassed(dep, res.Checkpoints)
	res.Duration = time.Since(start)
	return res
}

// blockingPassed reports whether a stage that ran satisfies dependents
// through its blocking checkpoints.
func (o *Orchestrator) blockingPassed(dep Dependency, results []CheckpointResult) bool {
	if len(dep.BlockingCheckpoints) == 0 {
		return false
	}
	passed := make(map[string]bool, len(results))
	for _, r := range results {
		passed[r.ID] = r.Passed
	}
	for _, id := range dep.BlockingCheckpoints {
		if !passed[id] {
			return false
		}
	}
	return true
}

// runCheckpoints executes checkpoints in order. A non-nil error means the
// stage attempt ended early; results gathered so far are returned with it.
func (o *Orchestrator) runCheckpoints(ctx context.Context, st Stage, stageAttempt int) ([]CheckpointResult, error) {
	results := make([]CheckpointResult, 0, len(st.Checkpoints))
	sc := &Context{Driver: o.drv, State: o.state, Stage: st.ID, Attempt: stageAttempt}

	for _, cp := range st.Checkpoints {
		start := time.Now()
		r := CheckpointResult{ID: cp.ID, Name: cp.Name}
		var lastErr error
		for attempt := 1; attempt <= o.attempts; attempt++ {
			if attempt > 1 {
				r.Retries++
			}
			ok, err := invoke(ctx, sc, cp)
			var abort *AbortError
			if errors.As(err, &abort) {
				r.Errors = append(r.Errors, abort.Err.Error())
				r.Duration = time.Since(start)
				results = append(results, r)
				o.emit(Event{Kind: EventCheckpoint, Stage: st.ID, Checkpoint: &r})
				return results, abort.Err
			}
			if err != nil {
				lastErr = err
				r.Errors = append(r.Errors, err.Error())
				continue
			}
			if ok {
				r.Passed = true
				break
			}
		}
		r.Duration = time.Since(start)
		results = append(results, r)
		o.emit(Event{Kind: EventCheckpoint, Stage: st.ID, Checkpoint: &r})
		log.Printf("[stage:%d] checkpoint %s %q passed=%v retries=%d", st.ID, cp.ID, cp.Name, r.Passed, r.Retries)

		// A transient failure on a page that stopped answering escapes the stage.
		if !r.Passed && IsTransient(lastErr) && !o.probes.PageValid(ctx) {
			return results, lastErr
		}
	}
	return results, nil
}

// invoke runs one checkpoint attempt, converting panics into aborts.
func invoke(ctx context.Context, sc *Context, cp Checkpoint) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			if e, isErr := p.(error); isErr {
				err = Abort(e)
			} else {
				err = Abort(fmt.Errorf("panic: %v", p))
			}
			ok = false
		}
	}()
	if cp.Fn == nil {
		return false, errors.New("checkpoint has no function")
	}
	return cp.Fn(ctx, sc)
}

func (o *Orchestrator) snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{State: *o.state, TakenAt: time.Now()}
	if url, err := o.drv.CurrentURL(ctx); err == nil {
		snap.URL = url
	}
	if shot, err := o.drv.Screenshot(ctx); err == nil {
		snap.Screenshot = shot
	}
	return snap
}

func (o *Orchestrator) restore(ctx context.Context, snap Snapshot) error {
	*o.state = snap.State
	if snap.URL == "" {
		return errors.New("snapshot has no url")
	}
	return o.drv.Navigate(ctx, snap.URL)
}
