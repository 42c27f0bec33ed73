package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/layerbridge"
	"github.com/ZanzyTHEbar/layerbridge/internal/executor"
)

var (
	// ErrRunNotFound is returned for unknown or cleaned up run ids.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunInProgress is returned when asking for the result of a running workflow.
	ErrRunInProgress = errors.New("run is still in progress")
)

// RunState is the lifecycle state of an asynchronous run.
type RunState string

const (
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Finished reports whether the run can no longer change.
func (s RunState) Finished() bool {
	return s != RunRunning
}

// RunStatus describes an asynchronous run.
type RunStatus struct {
	RunID      string        `json:"run_id"`
	WorkflowID string        `json:"workflow_id"`
	State      RunState      `json:"state"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type asyncRun struct {
	status RunStatus
	result *layerbridge.WorkflowResult
	cancel context.CancelFunc
	done   chan struct{}
}

// snapshot must be called with runsMu held.
func (r *asyncRun) snapshot() RunStatus {
	st := r.status
	if !st.State.Finished() {
		st.Duration = time.Since(st.StartedAt)
	}
	return st
}

// StartWorkflow validates def and runs it in the background. The returned
// id is also the RunID of the eventual result. The run outlives ctx; use
// CancelRun to stop it.
func (b *Bridge) StartWorkflow(ctx context.Context, def *layerbridge.WorkflowDefinition) (string, error) {
	if err := executor.Validate(def); err != nil {
		return "", err
	}

	b.runsMu.Lock()
	defer b.runsMu.Unlock()
	if b.closed {
		return "", layerbridge.NewConfigurationError("bridge is closed", nil)
	}
	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(executor.WithRunID(context.WithoutCancel(ctx), id))
	run := &asyncRun{
		status: RunStatus{RunID: id, WorkflowID: def.ID, State: RunRunning, StartedAt: time.Now()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.runs[id] = run
	b.wg.Add(1)

	go func() {
		defer b.wg.Done()
		defer cancel()

		res, err := b.orchestrator.Run(runCtx, def)
		b.runsMu.Lock()
		b.finish(run, res, err)
		close(run.done)
		b.runsMu.Unlock()
	}()

	b.logger.Info("workflow started in background", zap.String("run_id", id), zap.String("workflow", def.ID))
	return id, nil
}

// finish must be called with runsMu held.
func (b *Bridge) finish(run *asyncRun, res *layerbridge.WorkflowResult, err error) {
	st := &run.status
	st.FinishedAt = time.Now()
	st.Duration = st.FinishedAt.Sub(st.StartedAt)
	run.result = res
	switch {
	case err != nil:
		st.State = RunFailed
		st.Error = err.Error()
	case st.State == RunCancelled:
		// CancelRun already settled the state.
	case res.Success:
		st.State = RunCompleted
	default:
		st.State = RunFailed
		st.Error = res.Error
	}
	b.logger.Info("background workflow finished",
		zap.String("run_id", st.RunID),
		zap.String("state", string(st.State)),
		zap.Duration("duration", st.Duration))
}

// RunStatus returns the current status of run id.
func (b *Bridge) RunStatus(id string) (RunStatus, error) {
	b.runsMu.RLock()
	defer b.runsMu.RUnlock()
	run, ok := b.runs[id]
	if !ok {
		return RunStatus{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run.snapshot(), nil
}

// RunResult returns the result of a finished run. Cancelled runs return the
// partial result with the cancellation recorded on it.
func (b *Bridge) RunResult(id string) (*layerbridge.WorkflowResult, error) {
	b.runsMu.RLock()
	defer b.runsMu.RUnlock()
	run, ok := b.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	select {
	case <-run.done:
	default:
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, id)
	}
	if run.result == nil {
		return nil, layerbridge.NewInternalError("workflow", run.status.Error, nil)
	}
	return run.result, nil
}

// WaitRun blocks until run id finishes or ctx is done.
func (b *Bridge) WaitRun(ctx context.Context, id string) (*layerbridge.WorkflowResult, error) {
	b.runsMu.RLock()
	run, ok := b.runs[id]
	b.runsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	select {
	case <-run.done:
		return b.RunResult(id)
	case <-ctx.Done():
		return nil, layerbridge.NewCancelledError("wait", ctx.Err())
	}
}

// CancelRun stops a running workflow. It reports false when the run had
// already finished.
func (b *Bridge) CancelRun(id string) (bool, error) {
	b.runsMu.Lock()
	defer b.runsMu.Unlock()
	run, ok := b.runs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if run.status.State.Finished() {
		return false, nil
	}
	run.status.State = RunCancelled
	run.status.Error = "cancelled by user"
	run.cancel()
	b.logger.Info("background workflow cancelled", zap.String("run_id", id))
	return true, nil
}

// Runs lists every tracked run, oldest first.
func (b *Bridge) Runs() []RunStatus {
	b.runsMu.RLock()
	defer b.runsMu.RUnlock()
	out := make([]RunStatus, 0, len(b.runs))
	for _, run := range b.runs {
		out = append(out, run.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// CleanupRuns forgets finished runs that ended more than olderThan ago.
func (b *Bridge) CleanupRuns(olderThan time.Duration) int {
	b.runsMu.Lock()
	defer b.runsMu.Unlock()
	now := time.Now()
	count := 0
	for id, run := range b.runs {
		select {
		case <-run.done:
		default:
			continue
		}
		if now.Sub(run.status.FinishedAt) > olderThan {
			delete(b.runs, id)
			count++
		}
	}
	return count
}
