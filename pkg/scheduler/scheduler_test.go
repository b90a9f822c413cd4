package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelium-sh/mycelium/pkg/types"
)

func task(id string, deps ...string) *types.TaskSpec {
	return &types.TaskSpec{
		ID:       id,
		Manifest: types.Manifest{Name: id, Dependencies: deps},
	}
}

func stateWith(statuses map[string]types.TaskStatus) *types.RunState {
	rs := &types.RunState{Tasks: map[string]*types.TaskState{}}
	for id, st := range statuses {
		rs.Tasks[id] = &types.TaskState{Status: st}
	}
	return rs
}

func TestReadyFiltersByStatusAndDeps(t *testing.T) {
	tasks := []*types.TaskSpec{
		task("001"),
		task("002", "001"),
		task("003"),
		task("004", "003"),
	}
	rs := stateWith(map[string]types.TaskStatus{
		"001": types.TaskStatusComplete,
		"002": types.TaskStatusPending,
		"003": types.TaskStatusRunning,
		"004": types.TaskStatusPending,
	})

	ready := New(4).Ready(tasks, rs, nil)

	require.Len(t, ready, 1)
	assert.Equal(t, "002", ready[0].ID)
}

func TestReadySkippedDepCountsAsSatisfied(t *testing.T) {
	tasks := []*types.TaskSpec{task("001"), task("002", "001")}
	rs := stateWith(map[string]types.TaskStatus{
		"001": types.TaskStatusSkipped,
		"002": types.TaskStatusPending,
	})

	ready := New(4).Ready(tasks, rs, nil)
	require.Len(t, ready, 1)
	assert.Equal(t, "002", ready[0].ID)
}

func TestReadyExternalDepsGateAdmission(t *testing.T) {
	tasks := []*types.TaskSpec{task("002", "001")} // 001 not in this run
	rs := stateWith(map[string]types.TaskStatus{"002": types.TaskStatusPending})

	ready := New(4).Ready(tasks, rs, func(*types.TaskSpec) bool { return false })
	assert.Empty(t, ready)

	ready = New(4).Ready(tasks, rs, func(*types.TaskSpec) bool { return true })
	assert.Len(t, ready, 1)
}

func TestFormBatchDisjointWriteLocks(t *testing.T) {
	ready := []*types.TaskSpec{task("001"), task("002"), task("003")}
	locks := map[string][]string{
		"001": {"core"},
		"002": {"core", "db"},
		"003": {"docs"},
	}

	batch := New(4).FormBatch(ready, func(t *types.TaskSpec) []string { return locks[t.ID] })

	require.Len(t, batch, 2)
	assert.Equal(t, "001", batch[0].ID)
	assert.Equal(t, "003", batch[1].ID)

	// Pairwise disjointness holds for every admitted pair.
	held := map[string]int{}
	for _, bt := range batch {
		for _, l := range locks[bt.ID] {
			held[l]++
		}
	}
	for lock, n := range held {
		assert.Equal(t, 1, n, "lock %s held by %d tasks", lock, n)
	}
}

func TestFormBatchRespectsMaxParallel(t *testing.T) {
	ready := []*types.TaskSpec{task("001"), task("002"), task("003")}
	none := func(*types.TaskSpec) []string { return nil }

	batch := New(2).FormBatch(ready, none)
	require.Len(t, batch, 2)
	assert.Equal(t, "001", batch[0].ID)
	assert.Equal(t, "002", batch[1].ID)
}

func TestFormBatchTaskIDOrderPreserved(t *testing.T) {
	ready := []*types.TaskSpec{task("001"), task("002"), task("003")}
	locks := map[string][]string{
		"001": {"a"},
		"002": {"a"},
		"003": {"b"},
	}

	batch := New(4).FormBatch(ready, func(t *types.TaskSpec) []string { return locks[t.ID] })
	require.Len(t, batch, 2)
	assert.Equal(t, "001", batch[0].ID)
	assert.Equal(t, "003", batch[1].ID)
}
