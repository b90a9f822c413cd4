package budget

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/mycelium-sh/mycelium/pkg/config"
	"github.com/mycelium-sh/mycelium/pkg/events"
	"github.com/mycelium-sh/mycelium/pkg/log"
	"github.com/mycelium-sh/mycelium/pkg/types"
)

// CostPer1KTokens is the flat cost constant used to estimate spend
// from token counts.
const CostPer1KTokens = 0.015

// Tracker aggregates usage from task event logs and enforces budgets.
type Tracker struct {
	cfg    config.BudgetConfig
	logger zerolog.Logger
}

// New creates a tracker for the configured budgets.
func New(cfg config.BudgetConfig) *Tracker {
	return &Tracker{cfg: cfg, logger: log.WithComponent("budget")}
}

// usagePayload is the turn.completed usage record written by workers
type usagePayload struct {
	Attempt int `json:"attempt"`
	Usage   struct {
		InputTokens       int64 `json:"input_tokens"`
		CachedInputTokens int64 `json:"cached_input_tokens"`
		OutputTokens      int64 `json:"output_tokens"`
	} `json:"usage"`
}

// CollectTaskUsage reads a task's events.jsonl and aggregates the
// turn.completed usage records per attempt.
func CollectTaskUsage(logPath string) (map[string]*types.AttemptUsage, error) {
	page, err := events.ReadFromCursor(logPath, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read task events: %w", err)
	}

	byAttempt := make(map[string]*types.AttemptUsage)
	for _, e := range events.FilterTypes(page.Events, events.TypeTurnCompleted) {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			continue
		}
		var p usagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}

		key := strconv.Itoa(p.Attempt)
		u := byAttempt[key]
		if u == nil {
			u = &types.AttemptUsage{}
			byAttempt[key] = u
		}
		u.InputTokens += p.Usage.InputTokens
		u.CachedInputTokens += p.Usage.CachedInputTokens
		u.OutputTokens += p.Usage.OutputTokens
		total := p.Usage.InputTokens + p.Usage.CachedInputTokens + p.Usage.OutputTokens
		u.TotalTokens += total
		u.EstimatedCost += float64(total) / 1000 * CostPer1KTokens
	}
	return byAttempt, nil
}

// ApplyTaskUsage stores per-attempt usage on a task state and
// recomputes its totals.
func ApplyTaskUsage(ts *types.TaskState, byAttempt map[string]*types.AttemptUsage) {
	ts.UsageByAttempt = byAttempt
	ts.TokensUsed = 0
	ts.EstimatedCost = 0
	for _, u := range byAttempt {
		ts.TokensUsed += u.TotalTokens
		ts.EstimatedCost += u.EstimatedCost
	}
}

// RecomputeRunTotals refreshes the run aggregates from its tasks.
func RecomputeRunTotals(rs *types.RunState) {
	rs.TokensUsed = 0
	rs.EstimatedCost = 0
	for _, ts := range rs.Tasks {
		rs.TokensUsed += ts.TokensUsed
		rs.EstimatedCost += ts.EstimatedCost
	}
}

// BreachScope identifies which budget a breach hit
type BreachScope string

const (
	ScopeTask BreachScope = "task"
	ScopeRun  BreachScope = "run"
)

// Breach is one budget limit exceeded
type Breach struct {
	Scope  BreachScope `json:"scope"`
	TaskID string      `json:"task_id,omitempty"`
	Kind   string      `json:"kind"`
	Limit  float64     `json:"limit"`
	Actual float64     `json:"actual"`
}

// Mode returns the configured enforcement mode.
func (t *Tracker) Mode() types.BudgetMode {
	return t.cfg.Mode
}

// Check evaluates the per-task and per-run budgets after taskID's
// attempt finished. Zero limits disable the corresponding check.
func (t *Tracker) Check(rs *types.RunState, taskID string) []Breach {
	var breaches []Breach

	if t.cfg.MaxTokensPerTask > 0 {
		if ts := rs.Tasks[taskID]; ts != nil && ts.TokensUsed > t.cfg.MaxTokensPerTask {
			breaches = append(breaches, Breach{
				Scope:  ScopeTask,
				TaskID: taskID,
				Kind:   "tokens",
				Limit:  float64(t.cfg.MaxTokensPerTask),
				Actual: float64(ts.TokensUsed),
			})
		}
	}
	if t.cfg.MaxCostPerRun > 0 && rs.EstimatedCost > t.cfg.MaxCostPerRun {
		breaches = append(breaches, Breach{
			Scope:  ScopeRun,
			Kind:   "cost",
			Limit:  t.cfg.MaxCostPerRun,
			Actual: rs.EstimatedCost,
		})
	}
	return breaches
}

// Backfill recomputes all task usage for a run by re-reading its event
// logs, for runs whose prior state is absent or stale. taskLogPath
// maps a task id to its events.jsonl.
func (t *Tracker) Backfill(rs *types.RunState, taskLogPath func(taskID string) string) error {
	ids := make([]string, 0, len(rs.Tasks))
	for id := range rs.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		byAttempt, err := CollectTaskUsage(taskLogPath(id))
		if err != nil {
			t.logger.Warn().Err(err).Str("task_id", id).Msg("Failed to backfill task usage")
			continue
		}
		if len(byAttempt) == 0 {
			continue
		}
		ApplyTaskUsage(rs.Tasks[id], byAttempt)
	}
	RecomputeRunTotals(rs)
	return nil
}
