package catalog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mycelium-sh/mycelium/pkg/types"
)

// MoveToActive moves a backlog task directory into active/ and updates
// the spec in place. Legacy-layout tasks and tasks already active are
// left untouched.
func (c *Catalog) MoveToActive(task *types.TaskSpec) error {
	if task.Stage != types.TaskStageBacklog {
		return nil
	}
	dest := filepath.Join(c.root, "active", filepath.Base(task.Dir))
	if err := c.moveTaskDir(task, dest); err != nil {
		return fmt.Errorf("failed to activate task %s: %w", task.ID, err)
	}
	task.Stage = types.TaskStageActive
	return nil
}

// ArchiveTask moves a task directory under archive/<run_id>/ after its
// batch integrated successfully.
func (c *Catalog) ArchiveTask(task *types.TaskSpec, runID string) error {
	if task.Stage == types.TaskStageLegacy {
		return nil
	}
	dest := filepath.Join(c.root, "archive", runID, filepath.Base(task.Dir))
	if err := c.moveTaskDir(task, dest); err != nil {
		return fmt.Errorf("failed to archive task %s: %w", task.ID, err)
	}
	task.Stage = types.TaskStageArchive
	return nil
}

// FindArchived locates a task spec by id anywhere under archive/,
// newest run directory first is not guaranteed; the first match wins.
// Returns nil when the task was never archived.
func (c *Catalog) FindArchived(taskID string) *types.TaskSpec {
	archiveRoot := filepath.Join(c.root, "archive")
	runs, err := os.ReadDir(archiveRoot)
	if err != nil {
		return nil
	}
	for _, run := range runs {
		if !run.IsDir() {
			continue
		}
		runDir := filepath.Join(archiveRoot, run.Name())
		entries, err := os.ReadDir(runDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			name := entry.Name()
			if name != taskID && !(len(name) > len(taskID) && name[:len(taskID)+1] == taskID+"-") {
				continue
			}
			dir := filepath.Join(runDir, name)
			manifestPath := filepath.Join(dir, ManifestFileName)
			specPath := filepath.Join(dir, SpecFileName)
			if _, err := os.Stat(manifestPath); err != nil {
				continue
			}
			if _, err := os.Stat(specPath); err != nil {
				continue
			}
			return &types.TaskSpec{
				ID:           taskID,
				Stage:        types.TaskStageArchive,
				Dir:          dir,
				ManifestPath: manifestPath,
				SpecPath:     specPath,
			}
		}
	}
	return nil
}

// ArchiveDir returns the archive directory for a run.
func (c *Catalog) ArchiveDir(runID string) string {
	return filepath.Join(c.root, "archive", runID)
}

func (c *Catalog) moveTaskDir(task *types.TaskSpec, dest string) error {
	if task.Dir == dest {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.Rename(task.Dir, dest); err != nil {
		return err
	}
	task.Dir = dest
	task.ManifestPath = filepath.Join(dest, ManifestFileName)
	task.SpecPath = filepath.Join(dest, SpecFileName)
	return nil
}
