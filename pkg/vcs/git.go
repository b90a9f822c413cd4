package vcs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mycelium-sh/mycelium/pkg/log"
)

// ErrMergeConflict marks a merge that could not complete cleanly.
var ErrMergeConflict = errors.New("merge conflict")

// Git adapts a repository through the git CLI.
type Git struct {
	repoPath string
	logger   zerolog.Logger
}

// New creates an adapter over the repository at repoPath.
func New(repoPath string) *Git {
	return &Git{repoPath: repoPath, logger: log.WithComponent("vcs")}
}

// RepoPath returns the repository root.
func (g *Git) RepoPath() string {
	return g.repoPath
}

// run executes git with the adapter's repo as working directory.
func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, text)
	}
	return text, nil
}

// runIn executes git in an arbitrary working directory (worktrees).
func (g *Git) runIn(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, text)
	}
	return text, nil
}

// ResolveSHA resolves a ref to a full commit SHA.
func (g *Git) ResolveSHA(ctx context.Context, ref string) (string, error) {
	out, err := g.run(ctx, "rev-parse", ref)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", ref, err)
	}
	return out, nil
}

// BaseSHA returns the commit the integration branch points at.
func (g *Git) BaseSHA(ctx context.Context, mainBranch string) (string, error) {
	return g.ResolveSHA(ctx, mainBranch)
}

// CommitExists reports whether a SHA resolves to a commit object.
func (g *Git) CommitExists(ctx context.Context, sha string) bool {
	_, err := g.run(ctx, "cat-file", "-e", sha+"^{commit}")
	return err == nil
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(ctx context.Context, branch string) bool {
	_, err := g.run(ctx, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// EnsureBranch creates branch at startPoint when it does not exist.
func (g *Git) EnsureBranch(ctx context.Context, branch, startPoint string) error {
	if g.BranchExists(ctx, branch) {
		return nil
	}
	if _, err := g.run(ctx, "branch", branch, startPoint); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", branch, err)
	}
	return nil
}

// DeleteBranch force-deletes a local branch, ignoring absence.
func (g *Git) DeleteBranch(ctx context.Context, branch string) error {
	if !g.BranchExists(ctx, branch) {
		return nil
	}
	if _, err := g.run(ctx, "branch", "-D", branch); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", branch, err)
	}
	return nil
}

// ChangedFiles lists the paths that differ between two refs.
func (g *Git) ChangedFiles(ctx context.Context, from, to string) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", from+".."+to)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s..%s: %w", from, to, err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ChangedFilesInWorktree lists paths that differ between a base ref and
// the HEAD of a worktree, including uncommitted modifications.
func (g *Git) ChangedFilesInWorktree(ctx context.Context, worktreeDir, baseRef string) ([]string, error) {
	out, err := g.runIn(ctx, worktreeDir, "diff", "--name-only", baseRef)
	if err != nil {
		return nil, fmt.Errorf("failed to diff worktree against %s: %w", baseRef, err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
