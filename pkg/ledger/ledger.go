package ledger

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/mycelium-sh/mycelium/pkg/catalog"
	"github.com/mycelium-sh/mycelium/pkg/fingerprint"
	"github.com/mycelium-sh/mycelium/pkg/fsutil"
	"github.com/mycelium-sh/mycelium/pkg/log"
	"github.com/mycelium-sh/mycelium/pkg/types"
)

// Ledger is the cross-run record of completed task fingerprints for
// one project. It is a single JSON document, loaded whole and written
// atomically.
type Ledger struct {
	path    string
	entries map[string]*types.LedgerEntry
	logger  zerolog.Logger
}

type ledgerFile struct {
	Entries map[string]*types.LedgerEntry `json:"entries"`
}

// Load reads the project ledger, returning an empty ledger when the
// file does not exist yet.
func Load(path string) (*Ledger, error) {
	l := &Ledger{
		path:    path,
		entries: make(map[string]*types.LedgerEntry),
		logger:  log.WithComponent("ledger"),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	var file ledgerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse ledger %s: %w", path, err)
	}
	if file.Entries != nil {
		l.entries = file.Entries
	}
	return l, nil
}

// Save atomically persists the ledger.
func (l *Ledger) Save() error {
	if err := fsutil.WriteJSONAtomic(l.path, ledgerFile{Entries: l.entries}, 0o644); err != nil {
		return fmt.Errorf("failed to save ledger: %w", err)
	}
	return nil
}

// Entry returns the entry for a task id, or nil.
func (l *Ledger) Entry(taskID string) *types.LedgerEntry {
	return l.entries[taskID]
}

// Entries returns all entries sorted by task id.
func (l *Ledger) Entries() []*types.LedgerEntry {
	out := make([]*types.LedgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// UpsertEntry inserts or replaces the entry for a task.
func (l *Ledger) UpsertEntry(entry *types.LedgerEntry) {
	l.entries[entry.TaskID] = entry
}

// ImportResult reports what ImportFromRunState did
type ImportResult struct {
	Imported       int      `json:"imported"`
	Skipped        int      `json:"skipped"`
	SkippedDetails []string `json:"skipped_details,omitempty"`
}

// ImportFromRunState walks a completed run's task states and inserts a
// ledger entry for every task whose batch passed the integration
// doctor. Fingerprints are recomputed from the task spec archived
// under archive/<run_id>/; when the directory is not at the top level
// the archive run directory is searched recursively.
func (l *Ledger) ImportFromRunState(rs *types.RunState, archiveRunDir string) (*ImportResult, error) {
	res := &ImportResult{}

	doctorPassed := make(map[int]bool, len(rs.Batches))
	mergeCommits := make(map[int]string, len(rs.Batches))
	for _, b := range rs.Batches {
		doctorPassed[b.BatchID] = b.IntegrationDoctorPassed
		mergeCommits[b.BatchID] = b.MergeCommit
	}

	taskIDs := make([]string, 0, len(rs.Tasks))
	for id := range rs.Tasks {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)

	for _, taskID := range taskIDs {
		ts := rs.Tasks[taskID]
		if ts.Status != types.TaskStatusComplete {
			res.Skipped++
			res.SkippedDetails = append(res.SkippedDetails, fmt.Sprintf("%s: status %s", taskID, ts.Status))
			continue
		}
		if !doctorPassed[ts.BatchID] {
			res.Skipped++
			res.SkippedDetails = append(res.SkippedDetails, fmt.Sprintf("%s: batch %d integration doctor did not pass", taskID, ts.BatchID))
			continue
		}

		manifestPath, specPath, err := findArchivedTask(archiveRunDir, taskID)
		if err != nil {
			res.Skipped++
			res.SkippedDetails = append(res.SkippedDetails, fmt.Sprintf("%s: %v", taskID, err))
			continue
		}

		fp, err := fingerprint.ComputeFromFiles(manifestPath, specPath)
		if err != nil {
			res.Skipped++
			res.SkippedDetails = append(res.SkippedDetails, fmt.Sprintf("%s: %v", taskID, err))
			continue
		}

		now := time.Now().UTC()
		l.UpsertEntry(&types.LedgerEntry{
			TaskID:                  taskID,
			Status:                  types.LedgerStatusComplete,
			Fingerprint:             fp,
			MergeCommit:             mergeCommits[ts.BatchID],
			IntegrationDoctorPassed: true,
			CompletedAt:             &now,
			RunID:                   rs.RunID,
			Source:                  types.LedgerSourceImportRun,
		})
		res.Imported++
	}

	return res, nil
}

// findArchivedTask locates a task directory under the archive run dir:
// first as a direct child named <id> or <id>-*, then nested anywhere.
func findArchivedTask(archiveRunDir, taskID string) (manifestPath, specPath string, err error) {
	entries, err := os.ReadDir(archiveRunDir)
	if err != nil {
		return "", "", fmt.Errorf("archive missing: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && taskDirMatches(entry.Name(), taskID) {
			dir := filepath.Join(archiveRunDir, entry.Name())
			if ok, m, s := hasTaskFiles(dir); ok {
				return m, s, nil
			}
		}
	}

	// Fallback: nested anywhere under the archive run directory.
	var foundManifest, foundSpec string
	walkErr := filepath.WalkDir(archiveRunDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		if taskDirMatches(d.Name(), taskID) {
			if ok, m, s := hasTaskFiles(path); ok {
				foundManifest, foundSpec = m, s
				return filepath.SkipAll
			}
		}
		return nil
	})
	if walkErr != nil {
		return "", "", fmt.Errorf("failed to search archive: %w", walkErr)
	}
	if foundManifest == "" {
		return "", "", fmt.Errorf("task %s not found under %s", taskID, archiveRunDir)
	}
	return foundManifest, foundSpec, nil
}

func taskDirMatches(dirName, taskID string) bool {
	return dirName == taskID || (len(dirName) > len(taskID) && dirName[:len(taskID)+1] == taskID+"-")
}

func hasTaskFiles(dir string) (bool, string, string) {
	m := filepath.Join(dir, catalog.ManifestFileName)
	s := filepath.Join(dir, catalog.SpecFileName)
	if _, err := os.Stat(m); err != nil {
		return false, "", ""
	}
	if _, err := os.Stat(s); err != nil {
		return false, "", ""
	}
	return true, m, s
}
