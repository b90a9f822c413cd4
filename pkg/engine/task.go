package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mycelium-sh/mycelium/pkg/events"
	"github.com/mycelium-sh/mycelium/pkg/metrics"
	"github.com/mycelium-sh/mycelium/pkg/types"
	"github.com/mycelium-sh/mycelium/pkg/worker"
)

// runBatch executes one batch: tasks in parallel, then the merge
// pipeline over the survivors.
func (e *Engine) runBatch(ctx context.Context, batchTasks []*types.TaskSpec) error {
	batchTimer := metrics.NewTimer()

	var batchID int
	taskIDs := make([]string, 0, len(batchTasks))
	lockUnion := make([]string, 0)
	for _, t := range batchTasks {
		taskIDs = append(taskIDs, t.ID)
		lockUnion = append(lockUnion, e.effectiveWrites(t)...)
	}

	if err := e.apply(func(rs *types.RunState) {
		batchID = len(rs.Batches) + 1
		rs.Batches = append(rs.Batches, &types.BatchState{
			BatchID:   batchID,
			Status:    types.BatchStatusRunning,
			TaskIDs:   taskIDs,
			StartedAt: time.Now().UTC(),
		})
		for _, id := range taskIDs {
			ts := rs.Task(id)
			ts.Status = types.TaskStatusRunning
			ts.BatchID = batchID
		}
	}); err != nil {
		return err
	}

	metrics.BatchesStarted.Inc()
	_ = e.orch.EmitBatch(events.TypeBatchStart, batchID, map[string]any{
		"batch_id": batchID,
		"tasks":    taskIDs,
		"locks":    lockUnion,
	})

	var wg sync.WaitGroup
	errs := make([]error, len(batchTasks))
	for i, t := range batchTasks {
		wg.Add(1)
		go func(i int, t *types.TaskSpec) {
			defer wg.Done()
			errs[i] = e.executeTask(ctx, t, batchID)
		}(i, t)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			e.closeBatch(batchID, types.BatchStatusFailed, "", false)
			return err
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := e.mergeBatch(ctx, batchID); err != nil {
		return err
	}
	batchTimer.ObserveDuration(metrics.BatchDuration)
	return nil
}

// executeTask runs one task's worker attempt inside a batch. A nil
// return means the batch may continue; the task itself may still have
// been reset to pending or marked failed under the retry policy.
func (e *Engine) executeTask(ctx context.Context, t *types.TaskSpec, batchID int) error {
	if err := e.cat.MoveToActive(t); err != nil {
		return err
	}
	if t.Stage == types.TaskStageActive {
		_ = e.orch.EmitTask(events.TypeTaskStageMove, t.ID, map[string]any{"stage": "active"})
	}

	branch := t.Branch()
	wsDir := e.store.WorkspaceDir(e.rs.RunID, t.ID)
	logsDir := e.store.TaskLogDir(e.rs.RunID, t.ID, t.Slug)

	var attempt int
	if err := e.apply(func(rs *types.RunState) {
		ts := rs.Task(t.ID)
		ts.Attempts++
		attempt = ts.Attempts
		ts.Branch = branch
		ts.Workspace = wsDir
		ts.LogsDir = logsDir
	}); err != nil {
		return err
	}

	metrics.TasksStarted.Inc()
	_ = e.orch.EmitTask(events.TypeTaskStart, t.ID, map[string]any{
		"attempt": attempt,
		"branch":  branch,
	})

	_ = e.orch.EmitTask(events.TypeWorkspacePrepareStart, t.ID, nil)
	prep, err := e.ws.Prepare(ctx, wsDir, e.cfg.MainBranch, branch, e.cfg.TaskFailurePolicy)
	if err != nil {
		return e.handleAttemptFailure(ctx, t, attempt, fmt.Errorf("workspace preparation failed: %w", err))
	}
	if prep.Recovered {
		_ = e.orch.EmitTask(events.TypeWorkspacePrepareRecovered, t.ID, nil)
	}
	_ = e.orch.EmitTask(events.TypeWorkspacePrepareComplete, t.ID, map[string]any{
		"workspace": prep.Path,
		"created":   prep.Created,
	})

	decision := e.decisionFor(t)
	if err := e.store.WriteValidatorReport(e.rs.RunID, "policy", t.ID, decision); err != nil {
		e.logger.Warn().Err(err).Str("task_id", t.ID).Msg("Failed to persist policy report")
	}

	taskLog, err := events.NewLogger(e.store.TaskLogPath(e.rs.RunID, t.ID, t.Slug), e.rs.RunID)
	if err != nil {
		return fmt.Errorf("failed to open task event log: %w", err)
	}
	defer taskLog.Close()

	spec := e.attemptSpec(t, attempt, prep.Path, logsDir, taskLog)

	attemptTimer := metrics.NewTimer()
	res, runErr := e.runner.RunAttempt(ctx, spec)
	attemptTimer.ObserveDuration(metrics.AttemptDuration)

	e.collectUsageAndCheckpoints(t, taskLog.Path())

	if breachErr := e.enforceBudgets(t.ID); breachErr != nil {
		return breachErr
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.handleAttemptFailure(ctx, t, attempt, runErr)
	}
	if !res.Success {
		return e.handleAttemptFailure(ctx, t, attempt, fmt.Errorf("worker attempt failed: %s", res.ErrorMessage))
	}

	if err := e.enforceCompliance(ctx, t, prep.Path); err != nil {
		return err
	}
	e.mu.Lock()
	parked := e.rs.Task(t.ID).Status == types.TaskStatusNeedsRescope
	e.mu.Unlock()
	if parked {
		return nil
	}

	return e.apply(func(rs *types.RunState) {
		rs.Task(t.ID).Status = types.TaskStatusValidated
	})
}

// attemptSpec assembles the worker input for one attempt.
func (e *Engine) attemptSpec(t *types.TaskSpec, attempt int, wsPath, logsDir string, taskLog *events.Logger) worker.AttemptSpec {
	doctor := t.Manifest.Verify.Doctor
	if doctor == "" {
		doctor = e.cfg.Doctor
	}
	lint := t.Manifest.Verify.Lint
	if lint == "" {
		lint = e.cfg.Lint
	}

	return worker.AttemptSpec{
		TaskID:            t.ID,
		Slug:              t.Slug,
		Branch:            t.Branch(),
		Workspace:         wsPath,
		ManifestPath:      t.ManifestPath,
		SpecPath:          t.SpecPath,
		DoctorCmd:         doctor,
		DoctorTimeout:     e.cfg.DoctorTimeout.Std(),
		LintCmd:           lint,
		LintTimeout:       e.cfg.LintTimeout.Std(),
		FastCmd:           t.Manifest.Verify.Fast,
		Attempt:           attempt,
		MaxRetries:        e.cfg.MaxRetries,
		Bootstrap:         e.cfg.Bootstrap,
		TestPaths:         t.Manifest.TestPaths,
		TDDStrict:         t.Manifest.TDDMode == types.TDDModeStrict,
		CheckpointCommits: e.cfg.Worker.CheckpointCommits,
		LogsDir:           logsDir,
		EventLog:          taskLog,
		OnContainerReady: func(containerID string) error {
			return e.apply(func(rs *types.RunState) {
				rs.Task(t.ID).ContainerID = containerID
			})
		},
	}
}

// collectUsageAndCheckpoints folds the attempt's event log into state:
// token usage and observed checkpoint commits.
func (e *Engine) collectUsageAndCheckpoints(t *types.TaskSpec, logPath string) {
	byAttempt, err := collectUsage(logPath)
	if err != nil {
		e.logger.Warn().Err(err).Str("task_id", t.ID).Msg("Failed to collect task usage")
	}

	checkpoints, err := collectCheckpoints(logPath)
	if err != nil {
		e.logger.Warn().Err(err).Str("task_id", t.ID).Msg("Failed to collect checkpoints")
	}

	_ = e.apply(func(rs *types.RunState) {
		ts := rs.Task(t.ID)
		if len(byAttempt) > 0 {
			applyUsage(ts, byAttempt)
			recomputeTotals(rs)
		}
		for _, cp := range checkpoints {
			if err := ts.AddCheckpoint(cp); err == nil {
				continue
			}
			// Already recorded in a previous pass over the same log.
		}
	})
}

// enforceBudgets checks the budgets after an attempt. Warn mode emits
// budget.warn; block mode fails the run with stop reason budget_block.
func (e *Engine) enforceBudgets(taskID string) error {
	e.mu.Lock()
	breaches := e.tracker.Check(e.rs, taskID)
	e.mu.Unlock()
	if len(breaches) == 0 {
		return nil
	}

	mode := e.tracker.Mode()
	for _, b := range breaches {
		metrics.BudgetBreaches.WithLabelValues(string(b.Scope), string(mode)).Inc()
		payload := map[string]any{
			"scope":  b.Scope,
			"kind":   b.Kind,
			"limit":  b.Limit,
			"actual": b.Actual,
		}
		if mode == types.BudgetModeBlock {
			_ = e.orch.EmitTask(events.TypeBudgetBlock, b.TaskID, payload)
		} else {
			_ = e.orch.EmitTask(events.TypeBudgetWarn, b.TaskID, payload)
		}
	}

	if mode != types.BudgetModeBlock {
		return nil
	}

	_ = e.apply(func(rs *types.RunState) {
		rs.Status = types.RunStatusFailed
		rs.StopReason = "budget_block"
	})
	return types.NewCommandError("budget_block", "Budget exceeded",
		fmt.Errorf("budget breached after task %s", taskID),
		"raise budgets.max_tokens_per_task or budgets.max_cost_per_run, or switch budgets.mode to warn")
}

// handleAttemptFailure applies the task failure policy to a failed
// attempt: reset to pending while retries remain, otherwise mark the
// task failed and, under fail_fast, end the run.
func (e *Engine) handleAttemptFailure(ctx context.Context, t *types.TaskSpec, attempt int, cause error) error {
	if e.cfg.TaskFailurePolicy == types.FailurePolicyRetry && !retriesExhausted(attempt, e.cfg.MaxRetries) {
		if err := e.resetTask(t.ID, cause.Error()); err != nil {
			return err
		}
		return nil
	}

	if err := e.apply(func(rs *types.RunState) {
		rs.Task(t.ID).Status = types.TaskStatusFailed
	}); err != nil {
		return err
	}
	metrics.TasksCompleted.WithLabelValues(string(types.TaskStatusFailed)).Inc()
	e.logger.Error().Err(cause).Str("task_id", t.ID).Int("attempt", attempt).Msg("Task failed")

	if e.cfg.TaskFailurePolicy == types.FailurePolicyFailFast {
		return fmt.Errorf("task %s failed: %w", t.ID, cause)
	}
	return nil
}

// resetTask returns a task to pending and emits task.reset.
func (e *Engine) resetTask(taskID, reason string) error {
	if err := e.apply(func(rs *types.RunState) {
		rs.Task(taskID).Status = types.TaskStatusPending
	}); err != nil {
		return err
	}
	metrics.TaskResets.Inc()
	_ = e.orch.EmitTask(events.TypeTaskReset, taskID, map[string]any{"reason": reason})
	return nil
}

// retriesExhausted interprets max_retries. Zero means unlimited
// attempts.
func retriesExhausted(attempts, maxRetries int) bool {
	if maxRetries == 0 {
		return false
	}
	return attempts > maxRetries
}

// closeBatch finalizes a batch record.
func (e *Engine) closeBatch(batchID int, status types.BatchStatus, mergeCommit string, doctorPassed bool) {
	_ = e.apply(func(rs *types.RunState) {
		for _, b := range rs.Batches {
			if b.BatchID != batchID {
				continue
			}
			now := time.Now().UTC()
			b.Status = status
			b.CompletedAt = &now
			b.MergeCommit = mergeCommit
			b.IntegrationDoctorPassed = doctorPassed
		}
	})
}
