package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelium-sh/mycelium/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mycelium.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "repo_path: /tmp/repo\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.MainBranch)
	assert.Equal(t, filepath.Join(".mycelium", "tasks"), cfg.TasksDir)
	assert.Equal(t, 2, cfg.MaxParallel)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, types.FailurePolicyRetry, cfg.TaskFailurePolicy)
	assert.Equal(t, types.EnforcementWarn, cfg.ManifestEnforcement)
	assert.Equal(t, types.BudgetModeWarn, cfg.Budgets.Mode)
	assert.Equal(t, types.CleanupNever, cfg.Cleanup.Workspaces)
	assert.Equal(t, types.CleanupOnSuccess, cfg.Cleanup.Containers)
	assert.Equal(t, "repo-root", cfg.ControlPlane.FallbackResource)
	assert.Equal(t, "repo", cfg.Project)
	assert.Equal(t, 30*time.Minute, cfg.DoctorTimeout.Std())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "repo_path: /tmp/repo\nmax_paralel: 4\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidEnums(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"failure policy", "repo_path: /r\ntask_failure_policy: explode\n"},
		{"enforcement", "repo_path: /r\nmanifest_enforcement: maybe\n"},
		{"budget mode", "repo_path: /r\nbudgets:\n  mode: panic\n"},
		{"lock mode", "repo_path: /r\ncontrol_plane:\n  lock_mode: guessed\n"},
		{"cleanup", "repo_path: /r\ncleanup:\n  workspaces: sometimes\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadRequiresRepoPath(t *testing.T) {
	_, err := Load(writeConfig(t, "main_branch: main\n"))
	assert.Error(t, err)
}

func TestLoadRejectsDuplicateResources(t *testing.T) {
	content := `repo_path: /tmp/repo
resources:
  - name: core
    paths: ["src/core/**"]
  - name: core
    paths: ["lib/**"]
`
	_, err := Load(writeConfig(t, content))
	assert.Error(t, err)
}

func TestLoadFullConfig(t *testing.T) {
	content := `repo_path: /tmp/repo
main_branch: trunk
max_parallel: 4
max_retries: 0
task_failure_policy: fail_fast
doctor: "npm test"
doctor_timeout: 15m
bootstrap: ["npm ci"]
resources:
  - name: core
    paths: ["src/core/**"]
budgets:
  max_tokens_per_task: 500000
  max_cost_per_run: 25.5
  mode: block
control_plane:
  enabled: true
  lock_mode: derived
  fallback_resource: repo-root
  surface_locks:
    enabled: true
worker:
  model: sonnet
  checkpoint_commits: true
docker:
  image: mycelium-worker:latest
  user: agent
  memory_mb: 4096
  cpu_quota: 200000
  pids_limit: 512
`
	cfg, err := Load(writeConfig(t, content))
	require.NoError(t, err)

	assert.Equal(t, "trunk", cfg.MainBranch)
	assert.Equal(t, 4, cfg.MaxParallel)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, types.FailurePolicyFailFast, cfg.TaskFailurePolicy)
	assert.Equal(t, 15*time.Minute, cfg.DoctorTimeout.Std())
	assert.Equal(t, types.BudgetModeBlock, cfg.Budgets.Mode)
	assert.True(t, cfg.ControlPlane.Enabled)
	assert.Equal(t, types.LockModeDerived, cfg.ControlPlane.LockMode)
	assert.True(t, cfg.ControlPlane.SurfaceLocks.Enabled)
	assert.Equal(t, int64(4096), cfg.Docker.MemoryMB)
	assert.True(t, cfg.ResourceNames()["core"])
}

func TestResourceNamesNilWhenUnset(t *testing.T) {
	cfg, err := Load(writeConfig(t, "repo_path: /tmp/repo\n"))
	require.NoError(t, err)
	assert.Nil(t, cfg.ResourceNames())
}
