package budget

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelium-sh/mycelium/pkg/config"
	"github.com/mycelium-sh/mycelium/pkg/events"
	"github.com/mycelium-sh/mycelium/pkg/types"
)

func writeUsageLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := events.NewLogger(path, "run-1")
	require.NoError(t, err)
	defer l.Close()

	turn := func(attempt int, in, cached, out int64) map[string]any {
		return map[string]any{
			"attempt": attempt,
			"usage": map[string]any{
				"input_tokens":        in,
				"cached_input_tokens": cached,
				"output_tokens":       out,
			},
		}
	}
	require.NoError(t, l.EmitTask(events.TypeTurnCompleted, "001", turn(1, 1000, 200, 300)))
	require.NoError(t, l.EmitTask(events.TypeTurnCompleted, "001", turn(1, 500, 0, 100)))
	require.NoError(t, l.EmitTask(events.TypeTurnCompleted, "001", turn(2, 2000, 0, 400)))
	require.NoError(t, l.EmitTask("worker.output", "001", map[string]any{"line": "noise"}))
	return path
}

func TestCollectTaskUsageAggregatesPerAttempt(t *testing.T) {
	byAttempt, err := CollectTaskUsage(writeUsageLog(t))
	require.NoError(t, err)
	require.Len(t, byAttempt, 2)

	a1 := byAttempt["1"]
	require.NotNil(t, a1)
	assert.Equal(t, int64(1500), a1.InputTokens)
	assert.Equal(t, int64(200), a1.CachedInputTokens)
	assert.Equal(t, int64(400), a1.OutputTokens)
	assert.Equal(t, int64(2100), a1.TotalTokens)
	assert.InDelta(t, 2.1*CostPer1KTokens, a1.EstimatedCost, 1e-9)

	a2 := byAttempt["2"]
	require.NotNil(t, a2)
	assert.Equal(t, int64(2400), a2.TotalTokens)
}

func TestApplyTaskUsageAndRunTotals(t *testing.T) {
	byAttempt, err := CollectTaskUsage(writeUsageLog(t))
	require.NoError(t, err)

	rs := &types.RunState{Tasks: map[string]*types.TaskState{"001": {}}}
	ApplyTaskUsage(rs.Tasks["001"], byAttempt)
	RecomputeRunTotals(rs)

	assert.Equal(t, int64(4500), rs.Tasks["001"].TokensUsed)
	assert.Equal(t, int64(4500), rs.TokensUsed)
	assert.InDelta(t, 4.5*CostPer1KTokens, rs.EstimatedCost, 1e-9)
}

func TestCheckTaskTokenBudget(t *testing.T) {
	tr := New(config.BudgetConfig{MaxTokensPerTask: 1000, Mode: types.BudgetModeBlock})
	rs := &types.RunState{Tasks: map[string]*types.TaskState{
		"001": {TokensUsed: 1500},
		"002": {TokensUsed: 500},
	}}

	breaches := tr.Check(rs, "001")
	require.Len(t, breaches, 1)
	assert.Equal(t, ScopeTask, breaches[0].Scope)
	assert.Equal(t, "001", breaches[0].TaskID)
	assert.Equal(t, "tokens", breaches[0].Kind)

	assert.Empty(t, tr.Check(rs, "002"))
}

func TestCheckRunCostBudget(t *testing.T) {
	tr := New(config.BudgetConfig{MaxCostPerRun: 1.0, Mode: types.BudgetModeWarn})
	rs := &types.RunState{
		EstimatedCost: 2.5,
		Tasks:         map[string]*types.TaskState{"001": {}},
	}

	breaches := tr.Check(rs, "001")
	require.Len(t, breaches, 1)
	assert.Equal(t, ScopeRun, breaches[0].Scope)
	assert.Equal(t, "cost", breaches[0].Kind)
	assert.Equal(t, types.BudgetModeWarn, tr.Mode())
}

func TestCheckZeroLimitsDisabled(t *testing.T) {
	tr := New(config.BudgetConfig{Mode: types.BudgetModeBlock})
	rs := &types.RunState{
		EstimatedCost: 99,
		Tasks:         map[string]*types.TaskState{"001": {TokensUsed: 1 << 40}},
	}
	assert.Empty(t, tr.Check(rs, "001"))
}

func TestBackfill(t *testing.T) {
	logPath := writeUsageLog(t)
	tr := New(config.BudgetConfig{})
	rs := &types.RunState{Tasks: map[string]*types.TaskState{"001": {}, "002": {}}}

	err := tr.Backfill(rs, func(taskID string) string {
		if taskID == "001" {
			return logPath
		}
		return filepath.Join(t.TempDir(), "missing.jsonl")
	})
	require.NoError(t, err)

	assert.Equal(t, int64(4500), rs.Tasks["001"].TokensUsed)
	assert.Equal(t, int64(0), rs.Tasks["002"].TokensUsed)
	assert.Equal(t, int64(4500), rs.TokensUsed)
}
