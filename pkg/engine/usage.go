package engine

import (
	"encoding/json"

	"github.com/mycelium-sh/mycelium/pkg/budget"
	"github.com/mycelium-sh/mycelium/pkg/events"
	"github.com/mycelium-sh/mycelium/pkg/types"
)

func collectUsage(logPath string) (map[string]*types.AttemptUsage, error) {
	return budget.CollectTaskUsage(logPath)
}

func applyUsage(ts *types.TaskState, byAttempt map[string]*types.AttemptUsage) {
	budget.ApplyTaskUsage(ts, byAttempt)
}

func recomputeTotals(rs *types.RunState) {
	budget.RecomputeRunTotals(rs)
}

// collectCheckpoints extracts the checkpoint commits a worker reported
// through its event log, in log order.
func collectCheckpoints(logPath string) ([]types.CheckpointCommit, error) {
	page, err := events.ReadFromCursor(logPath, 0, 0)
	if err != nil {
		return nil, err
	}

	var out []types.CheckpointCommit
	for _, e := range events.FilterTypes(page.Events, "checkpoint.commit") {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			continue
		}
		var p struct {
			Attempt int    `json:"attempt"`
			SHA     string `json:"sha"`
		}
		if err := json.Unmarshal(raw, &p); err != nil || p.SHA == "" {
			continue
		}
		out = append(out, types.CheckpointCommit{
			Attempt:   p.Attempt,
			SHA:       p.SHA,
			CreatedAt: e.TS,
		})
	}
	return out, nil
}
