package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/tpm.report/internal/config"
	"github.com/banshee-data/tpm.report/internal/tpm/record"
	"github.com/banshee-data/tpm.report/internal/tpm/trace"
)

// Status is the lifecycle state of a Runner.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// State is a snapshot of a Runner.
type State struct {
	Status      Status           `json:"status"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Total       int              `json:"total"`
	Completed   int              `json:"completed"`
	Current     string           `json:"current,omitempty"`
	Failures    []record.Failure `json:"failures"`
	Dir         string           `json:"dir,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Runner executes one batch at a time on a background goroutine.
type Runner struct {
	driver *Driver

	mu     sync.RWMutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	result Result
	err    error
}

// NewRunner creates an idle Runner using d.
func NewRunner(d *Driver) *Runner {
	return &Runner{driver: d, state: State{Status: StatusIdle}}
}

// State returns a copy of the current state.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state := r.state
	state.Failures = append([]record.Failure(nil), r.state.Failures...)
	return state
}

// Start begins processing traces in the background. It fails if a run is
// already in progress.
func (r *Runner) Start(ctx context.Context, traces []trace.Input, run config.Run, progress chan<- float64) error {
	r.mu.Lock()
	if r.state.Status == StatusRunning {
		r.mu.Unlock()
		return fmt.Errorf("batch already in progress")
	}

	now := r.driver.clock.Now()
	r.state = State{
		Status:    StatusRunning,
		StartedAt: &now,
		Total:     len(traces),
		Failures:  []record.Failure{},
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.result, r.err = Result{}, nil
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		res, err := r.driver.run(runCtx, traces, run, progress, r.observe)
		r.finish(res, err)
	}()
	return nil
}

func (r *Runner) observe(completed, total int, rec record.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Completed = completed
	r.state.Current = rec.Identity().Key()
	if f, failed := rec.Failure(); failed {
		r.state.Failures = append(r.state.Failures, f)
	}
}

func (r *Runner) finish(res Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.driver.clock.Now()
	r.state.CompletedAt = &now
	r.state.Current = ""
	r.state.Dir = res.Dir
	r.result, r.err = res, err
	r.cancel = nil
	if err != nil {
		r.state.Status = StatusError
		r.state.Error = err.Error()
		return
	}
	r.state.Status = StatusComplete
}

// Wait blocks until the current run finishes and returns its outcome. It
// returns immediately when no run was started.
func (r *Runner) Wait() (Result, error) {
	r.mu.RLock()
	done := r.done
	r.mu.RUnlock()
	if done == nil {
		return Result{}, fmt.Errorf("no batch started")
	}
	<-done

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result, r.err
}

// Stop cancels the current run. The run ends before its next trace.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}
