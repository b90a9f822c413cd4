package engine

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/mycelium-sh/mycelium/pkg/events"
	"github.com/mycelium-sh/mycelium/pkg/policy"
	"github.com/mycelium-sh/mycelium/pkg/types"
)

// enforceCompliance checks a validated attempt's changed files against
// the task's declared write scope. Tasks that declare no write globs
// are unscoped and skip the check. Warn mode records the violations;
// block mode produces a rescope plan — a failed plan is a policy hard
// failure that ends the run, an updated plan parks the task in
// needs_rescope for the planner to widen its manifest.
func (e *Engine) enforceCompliance(ctx context.Context, t *types.TaskSpec, wsDir string) error {
	decision := e.decisionFor(t)
	if decision.Enforcement == types.EnforcementOff || len(t.Manifest.Files.Write) == 0 {
		return nil
	}

	changed, err := e.git.ChangedFilesInWorktree(ctx, wsDir, e.cfg.MainBranch)
	if err != nil {
		return fmt.Errorf("failed to enumerate changed files: %w", err)
	}

	var violations []policy.Violation
	for _, f := range changed {
		declared := false
		for _, g := range t.Manifest.Files.Write {
			if ok, merr := doublestar.Match(g, f); merr == nil && ok {
				declared = true
				break
			}
		}
		if !declared {
			violations = append(violations, policy.Violation{File: f})
		}
	}

	_ = e.orch.EmitTask(events.TypeValidatorStart, t.ID, map[string]any{"validator": "compliance"})
	if len(violations) == 0 {
		_ = e.orch.EmitTask(events.TypeValidatorPass, t.ID, map[string]any{"validator": "compliance"})
		return nil
	}

	files := make([]string, 0, len(violations))
	for _, v := range violations {
		files = append(files, v.File)
	}
	_ = e.orch.EmitTask(events.TypeValidatorFail, t.ID, map[string]any{
		"validator":        "compliance",
		"undeclared_files": files,
	})

	plan := policy.PlanRescope(violations, e.model, e.cfg.Resources)
	report := map[string]any{
		"task_id":          t.ID,
		"enforcement":      decision.Enforcement,
		"undeclared_files": files,
		"rescope":          plan,
	}
	if err := e.store.WriteValidatorReport(e.rs.RunID, "compliance", t.ID, report); err != nil {
		e.logger.Warn().Err(err).Str("task_id", t.ID).Msg("Failed to persist compliance report")
	}

	if decision.Enforcement == types.EnforcementWarn {
		return nil
	}

	if plan.Status == policy.RescopeFailed {
		_ = e.apply(func(rs *types.RunState) {
			rs.Task(t.ID).Status = types.TaskStatusNeedsRescope
			rs.Status = types.RunStatusFailed
			rs.StopReason = "rescope_failed"
		})
		return types.NewCommandError("rescope_failed", "Compliance rescope failed",
			fmt.Errorf("task %s changed files no resource can cover: %v", t.ID, files),
			"declare the files in the task manifest or map them to a resource")
	}

	if err := e.apply(func(rs *types.RunState) {
		rs.Task(t.ID).Status = types.TaskStatusNeedsRescope
	}); err != nil {
		return err
	}
	e.logger.Warn().Str("task_id", t.ID).Strs("files", files).Msg("Task needs rescope before it can integrate")
	return nil
}
