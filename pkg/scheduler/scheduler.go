package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/mycelium-sh/mycelium/pkg/log"
	"github.com/mycelium-sh/mycelium/pkg/types"
)

// Scheduler computes ready sets and forms write-lock-disjoint batches.
// It is purely a decision component: the run engine owns execution.
type Scheduler struct {
	maxParallel int
	logger      zerolog.Logger
}

// New creates a scheduler capped at maxParallel tasks per batch.
func New(maxParallel int) *Scheduler {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Scheduler{maxParallel: maxParallel, logger: log.WithComponent("scheduler")}
}

// Ready filters the tasks that can be admitted to a batch: status
// pending, every internal dependency complete (or skipped via ledger
// reuse), and every external dependency satisfied per the reuse rule.
// Tasks arrive in catalog order and leave in the same order.
func (s *Scheduler) Ready(tasks []*types.TaskSpec, rs *types.RunState, externalOK func(task *types.TaskSpec) bool) []*types.TaskSpec {
	inRun := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		inRun[t.ID] = true
	}

	var ready []*types.TaskSpec
	for _, t := range tasks {
		ts := rs.Tasks[t.ID]
		if ts == nil || ts.Status != types.TaskStatusPending {
			continue
		}

		ok := true
		for _, dep := range t.Manifest.Dependencies {
			if !inRun[dep] {
				continue
			}
			depState := rs.Tasks[dep]
			if depState == nil {
				ok = false
				break
			}
			if depState.Status != types.TaskStatusComplete && depState.Status != types.TaskStatusSkipped {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}

		if externalOK != nil && !externalOK(t) {
			continue
		}
		ready = append(ready, t)
	}
	return ready
}

// FormBatch greedily admits ready tasks in order, holding the
// invariant that effective write-lock sets within a batch are
// pairwise disjoint, up to the parallelism cap. writeLocks resolves a
// task's effective write locks (policy-derived or declared).
func (s *Scheduler) FormBatch(ready []*types.TaskSpec, writeLocks func(task *types.TaskSpec) []string) []*types.TaskSpec {
	var batch []*types.TaskSpec
	held := make(map[string]bool)

	for _, t := range ready {
		if len(batch) >= s.maxParallel {
			break
		}

		locks := writeLocks(t)
		conflict := false
		for _, l := range locks {
			if held[l] {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}

		for _, l := range locks {
			held[l] = true
		}
		batch = append(batch, t)
	}
	return batch
}
