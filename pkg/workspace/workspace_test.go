package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelium-sh/mycelium/pkg/types"
	"github.com/mycelium-sh/mycelium/pkg/vcs"
)

func gitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitCmd(t, dir, "init", "-b", "main")
	gitCmd(t, dir, "config", "user.email", "test@example.com")
	gitCmd(t, dir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# repo\n"), 0o644))
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-m", "initial")
	return dir
}

func TestPrepareCreatesWorktreeOnTaskBranch(t *testing.T) {
	repo := initRepo(t)
	m := New(vcs.New(repo))
	ws := filepath.Join(t.TempDir(), "001")

	res, err := m.Prepare(context.Background(), ws, "main", "agent/001-alpha", types.FailurePolicyRetry)
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.False(t, res.Recovered)
	assert.FileExists(t, filepath.Join(ws, "README.md"))

	out, err := exec.Command("git", "-C", ws, "rev-parse", "--abbrev-ref", "HEAD").Output()
	require.NoError(t, err)
	assert.Equal(t, "agent/001-alpha\n", string(out))
}

func TestPrepareRecoversDirtyWorkspaceUnderRetry(t *testing.T) {
	repo := initRepo(t)
	m := New(vcs.New(repo))
	ws := filepath.Join(t.TempDir(), "001")
	ctx := context.Background()

	_, err := m.Prepare(ctx, ws, "main", "agent/001-alpha", types.FailurePolicyRetry)
	require.NoError(t, err)

	// Dirty the workspace: modify a tracked file and add an untracked one.
	require.NoError(t, os.WriteFile(filepath.Join(ws, "README.md"), []byte("dirty\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "junk.txt"), []byte("junk\n"), 0o644))

	res, err := m.Prepare(ctx, ws, "main", "agent/001-alpha", types.FailurePolicyRetry)
	require.NoError(t, err)

	assert.False(t, res.Created)
	assert.True(t, res.Recovered)

	data, err := os.ReadFile(filepath.Join(ws, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "# repo\n", string(data))
	assert.NoFileExists(t, filepath.Join(ws, "junk.txt"))
}

func TestPrepareLeavesWorkspaceUnderFailFast(t *testing.T) {
	repo := initRepo(t)
	m := New(vcs.New(repo))
	ws := filepath.Join(t.TempDir(), "001")
	ctx := context.Background()

	_, err := m.Prepare(ctx, ws, "main", "agent/001-alpha", types.FailurePolicyFailFast)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws, "junk.txt"), []byte("junk\n"), 0o644))

	res, err := m.Prepare(ctx, ws, "main", "agent/001-alpha", types.FailurePolicyFailFast)
	require.NoError(t, err)

	assert.False(t, res.Created)
	assert.False(t, res.Recovered)
	assert.FileExists(t, filepath.Join(ws, "junk.txt"))
}

func TestRemoveIsBestEffort(t *testing.T) {
	repo := initRepo(t)
	m := New(vcs.New(repo))
	ws := filepath.Join(t.TempDir(), "001")
	ctx := context.Background()

	_, err := m.Prepare(ctx, ws, "main", "agent/001-alpha", types.FailurePolicyRetry)
	require.NoError(t, err)

	m.Remove(ctx, ws)
	assert.NoDirExists(t, ws)

	// Removing an absent workspace does not panic or error the caller.
	m.Remove(ctx, ws)
}
