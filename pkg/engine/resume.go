package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/mycelium-sh/mycelium/pkg/events"
	"github.com/mycelium-sh/mycelium/pkg/types"
)

// Resume continues a stopped run. The preserved control_plane.base_sha
// is the baseline for policy decisions even if the integration branch
// has moved since the run was first started.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	if runID == "" {
		latest, err := e.store.LatestRun()
		if err != nil {
			return types.NewCommandError("state_list", "Cannot enumerate runs", err, "")
		}
		if latest == "" {
			return types.NewCommandError("no_runs", "Nothing to resume",
				fmt.Errorf("project %s has no recorded runs", e.cfg.Project), "")
		}
		runID = latest
	}

	rs, err := e.store.Load(runID)
	if err != nil {
		return types.NewCommandError("state_load", "Cannot load run state", err,
			"check the run id against `mycelium status`")
	}
	switch rs.Status {
	case types.RunStatusComplete, types.RunStatusFailed:
		return types.NewCommandError("run_terminal", "Run already finished",
			fmt.Errorf("run %s is %s", runID, rs.Status), "")
	}
	e.rs = rs

	if err := e.openLogs(runID); err != nil {
		return err
	}
	defer e.orch.Close()

	if err := e.loadCatalog(); err != nil {
		return err
	}
	baseSHA := ""
	if rs.ControlPlane != nil {
		baseSHA = rs.ControlPlane.BaseSHA
	}
	if err := e.loadModel(baseSHA); err != nil {
		return err
	}

	var runningIDs []string
	for id, ts := range rs.Tasks {
		if ts.Status == types.TaskStatusRunning {
			runningIDs = append(runningIDs, id)
		}
	}
	sort.Strings(runningIDs)

	var resetTasks []string
	for _, id := range runningIDs {
		reset, err := e.resumeTask(ctx, id)
		if err != nil {
			return err
		}
		if reset {
			resetTasks = append(resetTasks, id)
		}
	}

	if err := e.apply(func(rs *types.RunState) {
		rs.Status = types.RunStatusRunning
		rs.StopReason = ""
	}); err != nil {
		return err
	}

	_ = e.orch.Emit(events.TypeRunResume, map[string]any{
		"status":        string(types.RunStatusRunning),
		"reason":        "resume",
		"reset_tasks":   resetTasks,
		"running_tasks": runningIDs,
	})

	// Batches interrupted after validation but before merge still owe
	// their merge pipeline.
	if err := e.mergePendingBatches(ctx); err != nil {
		return err
	}

	return e.runLoop(ctx)
}

// resumeTask reattaches one task that was running when the process
// stopped. Returns whether the task was reset to pending.
func (e *Engine) resumeTask(ctx context.Context, taskID string) (bool, error) {
	t := e.taskByID[taskID]
	if t == nil {
		// The spec directory is gone; the task cannot run again.
		if err := e.apply(func(rs *types.RunState) {
			rs.Task(taskID).Status = types.TaskStatusFailed
		}); err != nil {
			return false, err
		}
		return false, nil
	}

	e.mu.Lock()
	ts := e.rs.Task(taskID)
	attempt := ts.Attempts
	containerHint := ts.ContainerID
	wsDir := ts.Workspace
	logsDir := ts.LogsDir
	e.mu.Unlock()

	taskLog, err := events.NewLogger(e.store.TaskLogPath(e.rs.RunID, t.ID, t.Slug), e.rs.RunID)
	if err != nil {
		return false, fmt.Errorf("failed to open task event log: %w", err)
	}
	defer taskLog.Close()

	spec := e.attemptSpec(t, attempt, wsDir, logsDir, taskLog)

	res, runErr := e.runner.ResumeAttempt(ctx, spec, containerHint)
	if runErr != nil {
		// A reattach exception maps to a reset, not a failure: the
		// worker may simply be unreachable from this process.
		e.logger.Warn().Err(runErr).Str("task_id", taskID).Msg("Resume reattach failed, resetting task")
		if err := e.resetTask(taskID, "resume_reattach_failed"); err != nil {
			return false, err
		}
		return true, nil
	}

	if res.ResetToPending {
		if err := e.resetTask(taskID, "worker_not_reattachable"); err != nil {
			return false, err
		}
		return true, nil
	}

	e.collectUsageAndCheckpoints(t, taskLog.Path())

	if res.Success {
		if err := e.apply(func(rs *types.RunState) {
			rs.Task(taskID).Status = types.TaskStatusValidated
		}); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := e.handleAttemptFailure(ctx, t, attempt, fmt.Errorf("worker attempt failed: %s", res.ErrorMessage)); err != nil {
		return false, err
	}
	e.mu.Lock()
	wasReset := e.rs.Task(taskID).Status == types.TaskStatusPending
	e.mu.Unlock()
	return wasReset, nil
}

// mergePendingBatches runs the merge pipeline for every batch that has
// validated tasks waiting on it.
func (e *Engine) mergePendingBatches(ctx context.Context) error {
	e.mu.Lock()
	batchIDs := map[int]bool{}
	for _, ts := range e.rs.Tasks {
		if ts.Status == types.TaskStatusValidated {
			batchIDs[ts.BatchID] = true
		}
	}
	e.mu.Unlock()

	ids := make([]int, 0, len(batchIDs))
	for id := range batchIDs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		if err := e.mergeBatch(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
