package engine

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/mycelium-sh/mycelium/pkg/events"
	"github.com/mycelium-sh/mycelium/pkg/metrics"
	"github.com/mycelium-sh/mycelium/pkg/types"
)

// mergeBatch drives the merge pipeline for a finished batch: probe,
// reschedule conflicting tasks, final-merge the clean set, run the
// integration doctor, then complete and archive.
func (e *Engine) mergeBatch(ctx context.Context, batchID int) error {
	candidates := e.validatedTasks(batchID)
	if len(candidates) == 0 {
		// Every task was reset or failed; nothing reached the merge.
		e.closeBatch(batchID, types.BatchStatusComplete, "", false)
		return nil
	}

	// Probe and drop conflicting branches until the remaining set is
	// clean. Conflicts are never fatal: the affected tasks go back to
	// pending and re-enter scheduling in a later batch.
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		branches := make([]string, 0, len(candidates))
		for _, t := range candidates {
			branches = append(branches, t.Branch())
		}

		probe, err := e.git.TempMergeProbe(ctx, e.cfg.MainBranch, branches)
		if err != nil {
			return fmt.Errorf("temp-merge probe failed: %w", err)
		}
		if probe.Merged {
			break
		}

		conflicted := make(map[string]bool, len(probe.Conflicts))
		for _, c := range probe.Conflicts {
			conflicted[c.Branch] = true
			metrics.MergeConflicts.Inc()
		}

		var clean []*types.TaskSpec
		for _, t := range candidates {
			if !conflicted[t.Branch()] {
				clean = append(clean, t)
				continue
			}
			if err := e.resetTask(t.ID, "merge_conflict"); err != nil {
				return err
			}
		}
		candidates = clean
		if len(candidates) == 0 {
			e.closeBatch(batchID, types.BatchStatusComplete, "", false)
			return nil
		}
	}

	branches := make([]string, 0, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, t := range candidates {
		branches = append(branches, t.Branch())
		ids = append(ids, t.ID)
	}

	mergeCommit, err := e.git.FinalMerge(ctx, e.cfg.MainBranch, branches,
		fmt.Sprintf("Integrate batch %d: %v", batchID, ids))
	if err != nil {
		return fmt.Errorf("final merge failed: %w", err)
	}

	if err := e.runIntegrationDoctor(ctx, batchID, mergeCommit, candidates); err != nil {
		return err
	}
	return nil
}

// validatedTasks returns the batch's tasks currently in validated
// status, in task order.
func (e *Engine) validatedTasks(batchID int) []*types.TaskSpec {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*types.TaskSpec
	for _, t := range e.tasks {
		ts := e.rs.Tasks[t.ID]
		if ts != nil && ts.Status == types.TaskStatusValidated && ts.BatchID == batchID {
			out = append(out, t)
		}
	}
	return out
}

// runIntegrationDoctor gates batch completion on the configured doctor
// command run against the merged integration branch.
func (e *Engine) runIntegrationDoctor(ctx context.Context, batchID int, mergeCommit string, tasks []*types.TaskSpec) error {
	passed := true
	if e.cfg.Doctor != "" {
		doctorCtx, cancel := context.WithTimeout(ctx, e.cfg.DoctorTimeout.Std())
		cmd := exec.CommandContext(doctorCtx, "sh", "-c", e.cfg.Doctor)
		cmd.Dir = e.cfg.RepoPath
		out, err := cmd.CombinedOutput()
		cancel()

		if err != nil {
			passed = false
			_ = e.orch.EmitBatch(events.TypeDoctorFail, batchID, map[string]any{
				"merge_commit": mergeCommit,
				"output":       tail(string(out), 2000),
			})
		} else {
			_ = e.orch.EmitBatch(events.TypeDoctorPass, batchID, map[string]any{
				"merge_commit": mergeCommit,
			})
		}
	}

	if !passed {
		return e.integrationFailed(ctx, batchID, mergeCommit, tasks)
	}

	return e.completeBatch(ctx, batchID, mergeCommit, tasks)
}

// integrationFailed rolls the integration branch back to its pre-merge
// state and applies the failure policy to the batch's tasks.
func (e *Engine) integrationFailed(ctx context.Context, batchID int, mergeCommit string, tasks []*types.TaskSpec) error {
	if err := e.git.HardResetBranch(ctx, e.cfg.MainBranch, mergeCommit+"^1"); err != nil {
		return fmt.Errorf("failed to roll back integration merge: %w", err)
	}

	e.closeBatch(batchID, types.BatchStatusFailed, "", false)

	if e.cfg.TaskFailurePolicy == types.FailurePolicyFailFast {
		return types.NewCommandError("integration_doctor", "Integration doctor failed",
			fmt.Errorf("batch %d doctor failed on merge %s", batchID, mergeCommit), "")
	}

	for _, t := range tasks {
		e.mu.Lock()
		attempts := e.rs.Task(t.ID).Attempts
		e.mu.Unlock()
		if retriesExhausted(attempts, e.cfg.MaxRetries) {
			if err := e.apply(func(rs *types.RunState) {
				rs.Task(t.ID).Status = types.TaskStatusFailed
			}); err != nil {
				return err
			}
			continue
		}
		if err := e.resetTask(t.ID, "integration_doctor_failed"); err != nil {
			return err
		}
	}
	return nil
}

// completeBatch marks tasks complete, records the ledger entries, and
// archives the task directories.
func (e *Engine) completeBatch(ctx context.Context, batchID int, mergeCommit string, tasks []*types.TaskSpec) error {
	now := time.Now().UTC()

	for _, t := range tasks {
		fp, err := fingerprintOf(t)
		if err != nil {
			return fmt.Errorf("failed to fingerprint task %s: %w", t.ID, err)
		}
		e.led.UpsertEntry(&types.LedgerEntry{
			TaskID:                  t.ID,
			Status:                  types.LedgerStatusComplete,
			Fingerprint:             fp,
			MergeCommit:             mergeCommit,
			IntegrationDoctorPassed: true,
			CompletedAt:             &now,
			RunID:                   e.rs.RunID,
			Source:                  types.LedgerSourceExecutor,
		})
	}
	if err := e.led.Save(); err != nil {
		return err
	}

	if err := e.apply(func(rs *types.RunState) {
		for _, t := range tasks {
			rs.Task(t.ID).Status = types.TaskStatusComplete
		}
	}); err != nil {
		return err
	}

	for _, t := range tasks {
		metrics.TasksCompleted.WithLabelValues(string(types.TaskStatusComplete)).Inc()
		_ = e.orch.EmitTask(events.TypeTaskComplete, t.ID, map[string]any{
			"merge_commit": mergeCommit,
		})

		if err := e.cat.ArchiveTask(t, e.rs.RunID); err != nil {
			e.logger.Warn().Err(err).Str("task_id", t.ID).Msg("Failed to archive task directory")
		} else if t.Stage == types.TaskStageArchive {
			_ = e.orch.EmitTask(events.TypeTaskStageMove, t.ID, map[string]any{"stage": "archive"})
		}

		e.cleanupTask(ctx, t)
	}

	e.closeBatch(batchID, types.BatchStatusComplete, mergeCommit, true)
	return nil
}

// cleanupTask disposes workspace and container per the cleanup policy.
func (e *Engine) cleanupTask(ctx context.Context, t *types.TaskSpec) {
	if e.cfg.Cleanup.Workspaces == types.CleanupOnSuccess {
		e.mu.Lock()
		wsDir := e.rs.Task(t.ID).Workspace
		e.mu.Unlock()
		if wsDir != "" {
			e.ws.Remove(ctx, wsDir)
		}
	}
	if e.cfg.Cleanup.Containers == types.CleanupOnSuccess {
		if err := e.runner.CleanupTask(ctx, t.ID, t.Slug); err != nil {
			e.logger.Warn().Err(err).Str("task_id", t.ID).Msg("Failed to clean up container")
		} else {
			_ = e.orch.EmitTask(events.TypeContainerCleanup, t.ID, nil)
		}
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
