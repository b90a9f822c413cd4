package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelium-sh/mycelium/pkg/types"
)

func writeTask(t *testing.T, root, bucket, dirName, manifest string) string {
	t.Helper()
	dir := filepath.Join(root, bucket, dirName)
	if bucket == "" {
		dir = filepath.Join(root, dirName)
	}
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, SpecFileName), []byte("# spec\n"), 0o644))
	return dir
}

func TestScanStagedLayout(t *testing.T) {
	root := t.TempDir()
	writeTask(t, root, "backlog", "002-beta", `{"name":"Beta"}`)
	writeTask(t, root, "active", "001-alpha", `{"name":"Alpha"}`)

	res, err := New(root).Scan(Options{})
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Len(t, res.Tasks, 2)

	assert.Equal(t, "001", res.Tasks[0].ID)
	assert.Equal(t, types.TaskStageActive, res.Tasks[0].Stage)
	assert.Equal(t, "002", res.Tasks[1].ID)
	assert.Equal(t, types.TaskStageBacklog, res.Tasks[1].Stage)
	assert.Equal(t, "alpha", res.Tasks[0].Slug)
	assert.Equal(t, "agent/001-alpha", res.Tasks[0].Branch())
}

func TestScanLegacyLayout(t *testing.T) {
	root := t.TempDir()
	writeTask(t, root, "", "001-alpha", `{"name":"Alpha"}`)

	res, err := New(root).Scan(Options{})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, types.TaskStageLegacy, res.Tasks[0].Stage)
}

func TestScanOrdersNumericallyThenLexicographically(t *testing.T) {
	root := t.TempDir()
	writeTask(t, root, "backlog", "010-j", `{"name":"J"}`)
	writeTask(t, root, "backlog", "002-b", `{"name":"B"}`)
	writeTask(t, root, "backlog", "001-a", `{"name":"A"}`)

	res, err := New(root).Scan(Options{})
	require.NoError(t, err)
	ids := []string{res.Tasks[0].ID, res.Tasks[1].ID, res.Tasks[2].ID}
	assert.Equal(t, []string{"001", "002", "010"}, ids)

	// Mixed ids fall back to lexicographic order.
	root2 := t.TempDir()
	writeTask(t, root2, "backlog", "zz-last", `{"name":"Z"}`)
	writeTask(t, root2, "backlog", "aa-first", `{"name":"A"}`)
	res2, err := New(root2).Scan(Options{})
	require.NoError(t, err)
	assert.Equal(t, "aa", res2.Tasks[0].ID)
	assert.Equal(t, "zz", res2.Tasks[1].ID)
}

func TestScanRejectsUnknownManifestFields(t *testing.T) {
	root := t.TempDir()
	writeTask(t, root, "backlog", "001-a", `{"name":"A","surprise":true}`)

	res, err := New(root).Scan(Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Tasks)
	require.Len(t, res.Errors, 1)

	_, err = New(root).Scan(Options{Strict: true})
	assert.Error(t, err)
}

func TestScanStrictTDDRequiresFastVerify(t *testing.T) {
	root := t.TempDir()
	writeTask(t, root, "backlog", "001-a", `{"name":"A","tdd_mode":"strict"}`)

	res, err := New(root).Scan(Options{})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "verify.fast")

	root2 := t.TempDir()
	writeTask(t, root2, "backlog", "001-a", `{"name":"A","tdd_mode":"strict","verify":{"fast":"npm run test:fast"}}`)
	res2, err := New(root2).Scan(Options{})
	require.NoError(t, err)
	assert.Empty(t, res2.Errors)
}

func TestScanValidatesLockResources(t *testing.T) {
	root := t.TempDir()
	writeTask(t, root, "backlog", "001-a", `{"name":"A","locks":{"writes":["core","phantom"]}}`)

	known := map[string]bool{"core": true}
	res, err := New(root).Scan(Options{KnownResources: known})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.True(t, errors.Is(res.Errors[0], ErrUnknownResource))

	// With no known set supplied, locks are not resource-checked.
	res2, err := New(root).Scan(Options{})
	require.NoError(t, err)
	assert.Empty(t, res2.Errors)
}

func TestScanRejectsDependencyCycles(t *testing.T) {
	root := t.TempDir()
	writeTask(t, root, "backlog", "001-a", `{"name":"A","dependencies":["002"]}`)
	writeTask(t, root, "backlog", "002-b", `{"name":"B","dependencies":["001"]}`)

	res, err := New(root).Scan(Options{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0].Error(), "cycle")

	_, err = New(root).Scan(Options{Strict: true})
	assert.Error(t, err)
}

func TestScanRejectsDuplicateIDs(t *testing.T) {
	root := t.TempDir()
	writeTask(t, root, "backlog", "001-a", `{"name":"A"}`)
	writeTask(t, root, "active", "001-b", `{"name":"B"}`)

	res, err := New(root).Scan(Options{})
	require.NoError(t, err)
	assert.Len(t, res.Tasks, 1)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "duplicate")
}

func TestMoveToActiveAndArchive(t *testing.T) {
	root := t.TempDir()
	writeTask(t, root, "backlog", "001-alpha", `{"name":"Alpha"}`)

	cat := New(root)
	res, err := cat.Scan(Options{})
	require.NoError(t, err)
	task := res.Tasks[0]

	require.NoError(t, cat.MoveToActive(task))
	assert.Equal(t, types.TaskStageActive, task.Stage)
	assert.FileExists(t, filepath.Join(root, "active", "001-alpha", ManifestFileName))

	// Idempotent once active.
	require.NoError(t, cat.MoveToActive(task))

	require.NoError(t, cat.ArchiveTask(task, "run-9"))
	assert.Equal(t, types.TaskStageArchive, task.Stage)
	assert.FileExists(t, filepath.Join(root, "archive", "run-9", "001-alpha", SpecFileName))
	assert.NoDirExists(t, filepath.Join(root, "active", "001-alpha"))
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Alpha Feature", "alpha-feature"},
		{"Fix  (urgent!) bug #42", "fix-urgent-bug-42"},
		{"---", "task"},
		{"MixedCASE", "mixedcase"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.name))
	}
}
