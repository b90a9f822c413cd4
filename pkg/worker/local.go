package worker

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mycelium-sh/mycelium/pkg/events"
	"github.com/mycelium-sh/mycelium/pkg/log"
)

// WorkerFunc is the in-process worker loop invoked by LocalRunner. A
// nil error is a successful attempt.
type WorkerFunc func(ctx context.Context, spec AttemptSpec) error

// LocalRunner executes the worker loop directly in this process. It
// cannot reattach to an attempt from a previous process, so resume
// always resets the task to pending.
type LocalRunner struct {
	project string
	runID   string
	fn      WorkerFunc
	logger  zerolog.Logger
}

// NewLocalRunner creates an in-process runner around a worker loop.
func NewLocalRunner(project, runID string, fn WorkerFunc) *LocalRunner {
	return &LocalRunner{
		project: project,
		runID:   runID,
		fn:      fn,
		logger:  log.WithComponent("worker"),
	}
}

// Prepare is a no-op for the local runner.
func (r *LocalRunner) Prepare(ctx context.Context) error {
	return nil
}

// RunAttempt invokes the worker loop and reports its outcome.
func (r *LocalRunner) RunAttempt(ctx context.Context, spec AttemptSpec) (*AttemptResult, error) {
	_ = spec.EventLog.EmitTask(events.TypeWorkerLocalStart, spec.TaskID, map[string]any{
		"attempt": spec.Attempt,
	})

	if err := r.fn(ctx, spec); err != nil {
		_ = spec.EventLog.EmitTask(events.TypeWorkerLocalError, spec.TaskID, map[string]any{
			"attempt": spec.Attempt,
			"error":   err.Error(),
		})
		return &AttemptResult{Success: false, ErrorMessage: err.Error()}, nil
	}

	_ = spec.EventLog.EmitTask(events.TypeWorkerLocalComplete, spec.TaskID, map[string]any{
		"attempt": spec.Attempt,
	})
	return &AttemptResult{Success: true}, nil
}

// ResumeAttempt cannot reattach across processes.
func (r *LocalRunner) ResumeAttempt(ctx context.Context, spec AttemptSpec, containerIDHint string) (*AttemptResult, error) {
	r.logger.Info().Str("task_id", spec.TaskID).Msg("Local worker cannot be reattached, resetting task")
	return &AttemptResult{ResetToPending: true}, nil
}

// Stop has nothing to halt: local attempts die with the process.
func (r *LocalRunner) Stop(ctx context.Context, opts StopOptions) (*StopResult, error) {
	return &StopResult{}, nil
}

// CleanupTask is a no-op for the local runner.
func (r *LocalRunner) CleanupTask(ctx context.Context, taskID, slug string) error {
	return nil
}
