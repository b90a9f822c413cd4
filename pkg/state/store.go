package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mycelium-sh/mycelium/pkg/fsutil"
	"github.com/mycelium-sh/mycelium/pkg/log"
	"github.com/mycelium-sh/mycelium/pkg/types"
)

// DefaultStaleRunThreshold is how long a run may sit untouched in
// status running before enumeration demotes it to paused.
const DefaultStaleRunThreshold = 2 * time.Hour

// Store persists run state documents and owns the on-disk layout under
// the mycelium home directory.
type Store struct {
	home    string
	project string
	logger  zerolog.Logger

	// StaleRunThreshold overrides DefaultStaleRunThreshold when set.
	StaleRunThreshold time.Duration
}

// NewStore creates a store for one project.
func NewStore(home, project string) *Store {
	return &Store{
		home:    home,
		project: project,
		logger:  log.WithComponent("state"),
	}
}

// StateDir returns the project's state directory.
func (s *Store) StateDir() string {
	return filepath.Join(s.home, "state", s.project)
}

// RunStatePath returns the state file path for a run.
func (s *Store) RunStatePath(runID string) string {
	return filepath.Join(s.StateDir(), fmt.Sprintf("run-%s.json", runID))
}

// HistoryPath returns the run history index path.
func (s *Store) HistoryPath() string {
	return filepath.Join(s.StateDir(), "history.json")
}

// RunLogsDir returns the log directory for a run.
func (s *Store) RunLogsDir(runID string) string {
	return filepath.Join(s.home, "logs", s.project, fmt.Sprintf("run-%s", runID))
}

// OrchestratorLogPath returns the coordinator event log path for a run.
func (s *Store) OrchestratorLogPath(runID string) string {
	return filepath.Join(s.RunLogsDir(runID), "orchestrator.jsonl")
}

// TaskLogDir returns the per-task log directory.
func (s *Store) TaskLogDir(runID, taskID, slug string) string {
	return filepath.Join(s.RunLogsDir(runID), "tasks", fmt.Sprintf("%s-%s", taskID, slug))
}

// TaskLogPath returns the per-task event log path.
func (s *Store) TaskLogPath(runID, taskID, slug string) string {
	return filepath.Join(s.TaskLogDir(runID, taskID, slug), "events.jsonl")
}

// ValidatorLogPath returns the JSONL log path for a named validator.
func (s *Store) ValidatorLogPath(runID, name string) string {
	return filepath.Join(s.RunLogsDir(runID), "validators", name+".jsonl")
}

// ValidatorReportPath returns the JSON report path for a validator label.
func (s *Store) ValidatorReportPath(runID, name, label string) string {
	return filepath.Join(s.RunLogsDir(runID), "validators", name, label+".json")
}

// WorkspaceDir returns the per-task workspace directory for a run.
func (s *Store) WorkspaceDir(runID, taskID string) string {
	return filepath.Join(s.home, "workspaces", s.project, runID, taskID)
}

// Save atomically persists a run state document and refreshes the
// history index entry for it. State integrity takes precedence: a save
// failure is returned to the caller, which must treat it as fatal.
func (s *Store) Save(rs *types.RunState) error {
	rs.UpdatedAt = time.Now().UTC()
	if err := fsutil.WriteJSONAtomic(s.RunStatePath(rs.RunID), rs, 0o644); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	if err := s.updateHistory(rs); err != nil {
		// History is a derived index; it can be rebuilt. Log and move on.
		s.logger.Warn().Err(err).Str("run_id", rs.RunID).Msg("Failed to update run history index")
	}
	return nil
}

// Load reads a run state document.
func (s *Store) Load(runID string) (*types.RunState, error) {
	data, err := os.ReadFile(s.RunStatePath(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}
	rs := &types.RunState{}
	if err := json.Unmarshal(data, rs); err != nil {
		return nil, fmt.Errorf("failed to parse run state %s: %w", runID, err)
	}
	return rs, nil
}

// WriteValidatorReport persists a labeled validator output document.
func (s *Store) WriteValidatorReport(runID, name, label string, report any) error {
	return fsutil.WriteJSONAtomic(s.ValidatorReportPath(runID, name, label), report, 0o644)
}

// HistoryEntry is one row in the run history index
type HistoryEntry struct {
	RunID     string          `json:"run_id"`
	Status    types.RunStatus `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	TaskCount int             `json:"task_count"`
}

type historyIndex struct {
	Runs []HistoryEntry `json:"runs"`
}

// ListRuns enumerates the project's runs, newest first. The index is
// rebuilt from state files when missing. Runs still marked running
// whose state has not been touched within the stale threshold are
// transitioned to paused as part of enumeration.
func (s *Store) ListRuns() ([]HistoryEntry, error) {
	idx, err := s.loadHistory()
	if err != nil {
		return nil, err
	}
	if idx == nil {
		idx, err = s.rebuildHistory()
		if err != nil {
			return nil, err
		}
	}

	threshold := s.StaleRunThreshold
	if threshold <= 0 {
		threshold = DefaultStaleRunThreshold
	}

	changed := false
	for i := range idx.Runs {
		entry := &idx.Runs[i]
		if entry.Status != types.RunStatusRunning {
			continue
		}
		if time.Since(entry.UpdatedAt) < threshold {
			continue
		}
		rs, err := s.Load(entry.RunID)
		if err != nil {
			s.logger.Warn().Err(err).Str("run_id", entry.RunID).Msg("Failed to load stale run")
			continue
		}
		if rs.Status == types.RunStatusRunning {
			rs.Status = types.RunStatusPaused
			rs.StopReason = "stale"
			if err := s.Save(rs); err != nil {
				return nil, err
			}
		}
		entry.Status = types.RunStatusPaused
		changed = true
	}

	if changed {
		if err := s.saveHistory(idx); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to persist demoted history entries")
		}
	}

	sort.Slice(idx.Runs, func(i, j int) bool {
		return idx.Runs[i].StartedAt.After(idx.Runs[j].StartedAt)
	})
	return idx.Runs, nil
}

// LatestRun returns the most recently started run id, or "" when the
// project has no runs.
func (s *Store) LatestRun() (string, error) {
	runs, err := s.ListRuns()
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", nil
	}
	return runs[0].RunID, nil
}

func (s *Store) loadHistory() (*historyIndex, error) {
	data, err := os.ReadFile(s.HistoryPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history index: %w", err)
	}
	idx := &historyIndex{}
	if err := json.Unmarshal(data, idx); err != nil {
		// A corrupt index is rebuilt, not fatal.
		s.logger.Warn().Err(err).Msg("Corrupt history index, rebuilding")
		return nil, nil
	}
	return idx, nil
}

func (s *Store) saveHistory(idx *historyIndex) error {
	return fsutil.WriteJSONAtomic(s.HistoryPath(), idx, 0o644)
}

func (s *Store) rebuildHistory() (*historyIndex, error) {
	idx := &historyIndex{Runs: []HistoryEntry{}}

	entries, err := os.ReadDir(s.StateDir())
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "run-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		runID := strings.TrimSuffix(strings.TrimPrefix(name, "run-"), ".json")
		rs, err := s.Load(runID)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("Skipping unreadable state file")
			continue
		}
		idx.Runs = append(idx.Runs, historyEntryFor(rs))
	}

	if err := s.saveHistory(idx); err != nil {
		return nil, fmt.Errorf("failed to write rebuilt history: %w", err)
	}
	return idx, nil
}

func (s *Store) updateHistory(rs *types.RunState) error {
	idx, err := s.loadHistory()
	if err != nil {
		return err
	}
	if idx == nil {
		idx = &historyIndex{}
	}

	updated := historyEntryFor(rs)
	found := false
	for i := range idx.Runs {
		if idx.Runs[i].RunID == rs.RunID {
			idx.Runs[i] = updated
			found = true
			break
		}
	}
	if !found {
		idx.Runs = append(idx.Runs, updated)
	}
	return s.saveHistory(idx)
}

func historyEntryFor(rs *types.RunState) HistoryEntry {
	return HistoryEntry{
		RunID:     rs.RunID,
		Status:    rs.Status,
		StartedAt: rs.StartedAt,
		UpdatedAt: rs.UpdatedAt,
		TaskCount: len(rs.Tasks),
	}
}
