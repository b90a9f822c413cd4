package vcs

import (
	"context"
	"fmt"
)

// AddWorktree attaches a new working tree at dir with branch checked
// out. The branch must already exist.
func (g *Git) AddWorktree(ctx context.Context, dir, branch string) error {
	if _, err := g.run(ctx, "worktree", "add", dir, branch); err != nil {
		return fmt.Errorf("failed to add worktree at %s: %w", dir, err)
	}
	return nil
}

// RemoveWorktree detaches the working tree at dir.
func (g *Git) RemoveWorktree(ctx context.Context, dir string) error {
	if _, err := g.run(ctx, "worktree", "remove", "--force", dir); err != nil {
		return fmt.Errorf("failed to remove worktree at %s: %w", dir, err)
	}
	return nil
}

// PruneWorktrees drops stale worktree bookkeeping.
func (g *Git) PruneWorktrees(ctx context.Context) error {
	_, err := g.run(ctx, "worktree", "prune")
	return err
}

// ResetHardIn discards all tracked modifications in a working tree.
func (g *Git) ResetHardIn(ctx context.Context, dir string) error {
	if _, err := g.runIn(ctx, dir, "reset", "--hard"); err != nil {
		return err
	}
	return nil
}

// CleanIn removes untracked files and directories from a working tree.
func (g *Git) CleanIn(ctx context.Context, dir string) error {
	if _, err := g.runIn(ctx, dir, "clean", "-fdx"); err != nil {
		return err
	}
	return nil
}

// LastCommitSubjectIn returns the subject line of HEAD in a working tree.
func (g *Git) LastCommitSubjectIn(ctx context.Context, dir string) (string, error) {
	out, err := g.runIn(ctx, dir, "log", "-1", "--format=%s")
	if err != nil {
		return "", fmt.Errorf("failed to read last commit subject: %w", err)
	}
	return out, nil
}

// CommitAllIn stages and commits everything in a working tree,
// returning the commit SHA. Used by the in-process worker runner.
func (g *Git) CommitAllIn(ctx context.Context, dir, message string) (string, error) {
	if _, err := g.runIn(ctx, dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}
	if _, err := g.runIn(ctx, dir, "commit", "--allow-empty", "-m", message); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	out, err := g.runIn(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read commit sha: %w", err)
	}
	return out, nil
}

// AmendAllIn amends the current commit with all pending changes and a
// new message, returning the resulting SHA.
func (g *Git) AmendAllIn(ctx context.Context, dir, message string) (string, error) {
	if _, err := g.runIn(ctx, dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}
	if _, err := g.runIn(ctx, dir, "commit", "--amend", "--allow-empty", "-m", message); err != nil {
		return "", fmt.Errorf("failed to amend commit: %w", err)
	}
	out, err := g.runIn(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read commit sha: %w", err)
	}
	return out, nil
}
