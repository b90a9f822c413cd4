package vcs

import (
	"context"
	"fmt"
	"strings"
)

// Conflict reports one branch that failed a merge probe
type Conflict struct {
	Branch  string `json:"branch"`
	Message string `json:"message"`
}

// ProbeResult is the outcome of a temp-merge probe
type ProbeResult struct {
	Merged    bool       `json:"merged"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

const probeBranch = "mycelium/temp-merge"

// TempMergeProbe trial-merges a group of task branches onto the
// integration branch without publishing anything. Conflicts are
// reported per branch so the scheduler can reschedule exactly the
// branches that collided; branches that merge cleanly stay part of the
// probe so cross-branch conflicts inside the group are detected too.
// The throwaway probe branch is always deleted.
func (g *Git) TempMergeProbe(ctx context.Context, mainBranch string, branches []string) (*ProbeResult, error) {
	res := &ProbeResult{}
	if len(branches) == 0 {
		res.Merged = true
		return res, nil
	}

	original, err := g.currentRef(ctx)
	if err != nil {
		return nil, err
	}

	_ = g.DeleteBranch(ctx, probeBranch)
	if _, err := g.run(ctx, "checkout", "-b", probeBranch, mainBranch); err != nil {
		return nil, fmt.Errorf("failed to create probe branch: %w", err)
	}
	defer func() {
		_, _ = g.run(ctx, "checkout", original)
		_ = g.DeleteBranch(ctx, probeBranch)
	}()

	for _, branch := range branches {
		out, err := g.run(ctx, "merge", "--no-ff", "--no-edit", branch)
		if err != nil {
			res.Conflicts = append(res.Conflicts, Conflict{
				Branch:  branch,
				Message: firstLine(out),
			})
			if _, abortErr := g.run(ctx, "merge", "--abort"); abortErr != nil {
				// Nothing staged: merge may have failed before starting.
				_, _ = g.run(ctx, "reset", "--hard", "HEAD")
			}
		}
	}

	res.Merged = len(res.Conflicts) == 0
	return res, nil
}

// FinalMerge merges the given branches into the integration branch and
// returns the resulting merge commit. Callers probe first; a conflict
// here still comes back as ErrMergeConflict rather than a published
// half-merge.
func (g *Git) FinalMerge(ctx context.Context, mainBranch string, branches []string, message string) (string, error) {
	if len(branches) == 0 {
		return "", fmt.Errorf("no branches to merge")
	}

	original, err := g.currentRef(ctx)
	if err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "checkout", mainBranch); err != nil {
		return "", fmt.Errorf("failed to checkout %s: %w", mainBranch, err)
	}
	defer func() {
		_, _ = g.run(ctx, "checkout", original)
	}()

	args := append([]string{"merge", "--no-ff", "-m", message}, branches...)
	if out, err := g.run(ctx, args...); err != nil {
		_, _ = g.run(ctx, "merge", "--abort")
		_, _ = g.run(ctx, "reset", "--hard", "HEAD")
		return "", fmt.Errorf("%w: %s", ErrMergeConflict, firstLine(out))
	}

	sha, err := g.ResolveSHA(ctx, mainBranch)
	if err != nil {
		return "", err
	}
	return sha, nil
}

// HardResetBranch moves branch to ref, discarding commits above it.
// Used to roll the integration branch back when a merged batch fails
// its doctor.
func (g *Git) HardResetBranch(ctx context.Context, branch, ref string) error {
	original, err := g.currentRef(ctx)
	if err != nil {
		return err
	}
	if _, err := g.run(ctx, "checkout", branch); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", branch, err)
	}
	defer func() {
		_, _ = g.run(ctx, "checkout", original)
	}()
	if _, err := g.run(ctx, "reset", "--hard", ref); err != nil {
		return fmt.Errorf("failed to reset %s to %s: %w", branch, ref, err)
	}
	return nil
}

func (g *Git) currentRef(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read current ref: %w", err)
	}
	if out == "HEAD" {
		// Detached: fall back to the SHA.
		return g.ResolveSHA(ctx, "HEAD")
	}
	return out, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
