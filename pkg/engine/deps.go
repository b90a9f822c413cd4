package engine

import (
	"fmt"

	"github.com/mycelium-sh/mycelium/pkg/events"
	"github.com/mycelium-sh/mycelium/pkg/fingerprint"
	"github.com/mycelium-sh/mycelium/pkg/ledger"
	"github.com/mycelium-sh/mycelium/pkg/metrics"
	"github.com/mycelium-sh/mycelium/pkg/types"
)

func fingerprintOf(t *types.TaskSpec) (string, error) {
	return fingerprint.ComputeFromFiles(t.ManifestPath, t.SpecPath)
}

// externalDeps returns the dependencies of t that are not part of this
// run's task set.
func (e *Engine) externalDeps(t *types.TaskSpec) []string {
	var out []string
	for _, dep := range t.Manifest.Dependencies {
		if _, inRun := e.taskByID[dep]; !inRun {
			out = append(out, dep)
		}
	}
	return out
}

// depSpecsFor resolves external dep specs from the archive.
func (e *Engine) depSpecsFor(depIDs []string) map[string]*types.TaskSpec {
	specs := make(map[string]*types.TaskSpec, len(depIDs))
	for _, dep := range depIDs {
		if spec := e.cat.FindArchived(dep); spec != nil {
			specs[dep] = spec
		}
	}
	return specs
}

// checkExternalDeps applies the reuse rule to every task before
// scheduling. Satisfied tasks get a deps.external_satisfied event;
// unsatisfiable tasks block the run.
func (e *Engine) checkExternalDeps() []types.BlockedTask {
	var blocked []types.BlockedTask

	for _, t := range e.tasks {
		external := e.externalDeps(t)
		if len(external) == 0 {
			continue
		}

		if e.opts.DisableLedgerReuse {
			blocked = append(blocked, types.BlockedTask{TaskID: t.ID, MissingDeps: external})
			continue
		}

		extTask := &types.TaskSpec{ID: t.ID, Manifest: types.Manifest{Dependencies: external}}
		checks := e.led.CheckExternalDeps(extTask, e.depSpecsFor(external))
		missing := ledger.MissingDeps(checks)
		if len(missing) > 0 {
			blocked = append(blocked, types.BlockedTask{TaskID: t.ID, MissingDeps: missing})
			continue
		}

		deps := make([]map[string]any, 0, len(checks))
		for _, c := range checks {
			deps = append(deps, map[string]any{
				"dep_id":      c.DepID,
				"fingerprint": c.Fingerprint,
			})
		}
		_ = e.orch.EmitTask(events.TypeDepsExternalSatisfied, t.ID, map[string]any{
			"task_id": t.ID,
			"deps":    deps,
		})
	}
	return blocked
}

// externalOK re-evaluates the reuse rule at admission time.
func (e *Engine) externalOK(t *types.TaskSpec) bool {
	external := e.externalDeps(t)
	if len(external) == 0 {
		return true
	}
	if e.opts.DisableLedgerReuse {
		return false
	}
	extTask := &types.TaskSpec{ID: t.ID, Manifest: types.Manifest{Dependencies: external}}
	checks := e.led.CheckExternalDeps(extTask, e.depSpecsFor(external))
	return len(ledger.MissingDeps(checks)) == 0
}

// blockRun ends the run before scheduling because external deps cannot
// be satisfied.
func (e *Engine) blockRun(blocked []types.BlockedTask) error {
	tasks := make([]map[string]any, 0, len(blocked))
	for _, b := range blocked {
		tasks = append(tasks, map[string]any{
			"task_id":      b.TaskID,
			"missing_deps": b.MissingDeps,
		})
	}
	_ = e.orch.Emit(events.TypeRunBlocked, map[string]any{
		"reason":        "missing_dependencies",
		"blocked_tasks": tasks,
	})

	if err := e.apply(func(rs *types.RunState) {
		rs.Status = types.RunStatusFailed
		rs.StopReason = "missing_dependencies"
	}); err != nil {
		return err
	}
	metrics.RunsCompleted.WithLabelValues(string(types.RunStatusFailed)).Inc()

	first := blocked[0]
	return types.NewCommandError("missing_dependencies", "Run blocked on external dependencies",
		fmt.Errorf("task %s is missing deps %v", first.TaskID, first.MissingDeps),
		"complete the missing tasks in an earlier run or re-import the ledger")
}
