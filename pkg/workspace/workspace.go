package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/mycelium-sh/mycelium/pkg/log"
	"github.com/mycelium-sh/mycelium/pkg/types"
	"github.com/mycelium-sh/mycelium/pkg/vcs"
)

// Manager creates, recovers, and removes per-task sandboxes. Each
// sandbox is a git worktree of the integration repo with the task
// branch checked out.
type Manager struct {
	git    *vcs.Git
	logger zerolog.Logger
}

// New creates a workspace manager over the given repository adapter.
func New(git *vcs.Git) *Manager {
	return &Manager{git: git, logger: log.WithComponent("workspace")}
}

// PrepareResult reports what Prepare did
type PrepareResult struct {
	Path      string
	Created   bool
	Recovered bool
}

// Prepare ensures dir is a working tree based on mainBranch with
// taskBranch checked out. An existing workspace is recovered with a
// hard reset and clean when the failure policy is retry; otherwise it
// is left in place.
func (m *Manager) Prepare(ctx context.Context, dir, mainBranch, taskBranch string, failurePolicy types.FailurePolicy) (*PrepareResult, error) {
	if err := m.git.EnsureBranch(ctx, taskBranch, mainBranch); err != nil {
		return nil, err
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		res := &PrepareResult{Path: dir}
		if failurePolicy == types.FailurePolicyRetry {
			if err := m.recover(ctx, dir); err != nil {
				return nil, err
			}
			res.Recovered = true
		}
		return res, nil
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace parent: %w", err)
	}

	if err := m.git.AddWorktree(ctx, dir, taskBranch); err != nil {
		return nil, fmt.Errorf("failed to prepare workspace: %w", err)
	}

	m.logger.Debug().Str("workspace", dir).Str("branch", taskBranch).Msg("Workspace created")
	return &PrepareResult{Path: dir, Created: true}, nil
}

func (m *Manager) recover(ctx context.Context, dir string) error {
	if err := m.git.ResetHardIn(ctx, dir); err != nil {
		return fmt.Errorf("failed to recover workspace: %w", err)
	}
	if err := m.git.CleanIn(ctx, dir); err != nil {
		return fmt.Errorf("failed to clean workspace: %w", err)
	}
	return nil
}

// Remove disposes of a workspace. Best-effort: a half-removed worktree
// is pruned and the directory deleted regardless.
func (m *Manager) Remove(ctx context.Context, dir string) {
	if err := m.git.RemoveWorktree(ctx, dir); err != nil {
		m.logger.Warn().Err(err).Str("workspace", dir).Msg("Worktree removal failed, deleting directory")
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn().Err(err).Str("workspace", dir).Msg("Failed to delete workspace directory")
	}
	_ = m.git.PruneWorktrees(ctx)
}
