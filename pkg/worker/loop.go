package worker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/mycelium-sh/mycelium/pkg/vcs"
)

// NewWorkerLoop builds the in-process worker loop used by the local
// runner: bootstrap, TDD drift check, fast/lint/doctor verification,
// and checkpoint commits. The container runner ships the same loop
// inside the worker image; this variant exists so a run can execute
// without a container engine.
func NewWorkerLoop(git *vcs.Git, mainBranch string) WorkerFunc {
	return func(ctx context.Context, spec AttemptSpec) error {
		loop := &workerLoop{git: git, mainBranch: mainBranch}
		return loop.run(ctx, spec)
	}
}

type workerLoop struct {
	git        *vcs.Git
	mainBranch string
}

func (w *workerLoop) run(ctx context.Context, spec AttemptSpec) error {
	for _, cmd := range spec.Bootstrap {
		if err := w.runCommand(ctx, spec, "bootstrap", cmd, spec.DoctorTimeout); err != nil {
			return fmt.Errorf("bootstrap failed: %w", err)
		}
	}

	if err := w.checkTDDDrift(ctx, spec); err != nil {
		return err
	}

	if spec.FastCmd != "" {
		if err := w.runCommand(ctx, spec, "fast", spec.FastCmd, spec.DoctorTimeout); err != nil {
			return w.failVerification(ctx, spec, "fast", err)
		}
	}
	if spec.LintCmd != "" {
		if err := w.runCommand(ctx, spec, "lint", spec.LintCmd, spec.LintTimeout); err != nil {
			return w.failVerification(ctx, spec, "lint", err)
		}
	}
	if spec.DoctorCmd != "" {
		if err := w.runCommand(ctx, spec, "doctor", spec.DoctorCmd, spec.DoctorTimeout); err != nil {
			_ = spec.EventLog.EmitTask("doctor.fail", spec.TaskID, map[string]any{
				"attempt": spec.Attempt,
				"error":   err.Error(),
			})
			return w.failVerification(ctx, spec, "doctor", err)
		}
		_ = spec.EventLog.EmitTask("doctor.pass", spec.TaskID, map[string]any{"attempt": spec.Attempt})
	}

	return w.finalCommit(ctx, spec)
}

// checkTDDDrift enforces test-first discipline: in strict mode the
// first attempt may only touch test paths. Later attempts implement.
func (w *workerLoop) checkTDDDrift(ctx context.Context, spec AttemptSpec) error {
	if !spec.TDDStrict || spec.Attempt > 1 || len(spec.TestPaths) == 0 {
		return nil
	}

	changed, err := w.git.ChangedFilesInWorktree(ctx, spec.Workspace, w.mainBranch)
	if err != nil {
		return err
	}

	var nonTest []string
	for _, f := range changed {
		isTest := false
		for _, g := range spec.TestPaths {
			if ok, err := doublestar.Match(g, f); err == nil && ok {
				isTest = true
				break
			}
		}
		if !isTest {
			nonTest = append(nonTest, f)
		}
	}

	if len(nonTest) > 0 {
		_ = spec.EventLog.EmitTask("tdd.non_test_changes_detected", spec.TaskID, map[string]any{
			"attempt": spec.Attempt,
			"files":   nonTest,
		})
		_ = spec.EventLog.EmitTask("retry.requested", spec.TaskID, map[string]any{
			"retry.reason_code": "non_test_changes",
		})
		return fmt.Errorf("non-test changes in first attempt: %s", strings.Join(nonTest, ", "))
	}
	return nil
}

func (w *workerLoop) failVerification(ctx context.Context, spec AttemptSpec, stage string, cause error) error {
	if spec.CheckpointCommits {
		msg := fmt.Sprintf("[WIP] %s attempt %d", spec.TaskID, spec.Attempt)
		if sha, err := w.git.CommitAllIn(ctx, spec.Workspace, msg); err == nil {
			_ = spec.EventLog.EmitTask("checkpoint.commit", spec.TaskID, map[string]any{
				"attempt": spec.Attempt,
				"sha":     sha,
			})
		}
	}
	return fmt.Errorf("%s failed: %w", stage, cause)
}

func (w *workerLoop) finalCommit(ctx context.Context, spec AttemptSpec) error {
	if !spec.CheckpointCommits {
		if _, err := w.git.CommitAllIn(ctx, spec.Workspace, fmt.Sprintf("[FEAT] %s %s", spec.TaskID, spec.Slug)); err != nil {
			return err
		}
		return nil
	}

	msg := fmt.Sprintf("[FEAT] %s %s", spec.TaskID, spec.Slug)
	subject, err := w.git.LastCommitSubjectIn(ctx, spec.Workspace)
	if err != nil {
		return err
	}

	var sha string
	if strings.HasPrefix(subject, "[WIP] "+spec.TaskID) {
		// Fold the WIP checkpoints into the final commit.
		sha, err = w.git.AmendAllIn(ctx, spec.Workspace, msg)
	} else {
		sha, err = w.git.CommitAllIn(ctx, spec.Workspace, msg)
	}
	if err != nil {
		return err
	}

	_ = spec.EventLog.EmitTask("checkpoint.commit", spec.TaskID, map[string]any{
		"attempt": spec.Attempt,
		"sha":     sha,
		"final":   true,
	})
	return nil
}

func (w *workerLoop) runCommand(ctx context.Context, spec AttemptSpec, stage, command string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = spec.Workspace
	cmd.Env = append(cmd.Environ(), BuildEnv(spec, nil)...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s timed out after %s", stage, timeout)
		}
		return fmt.Errorf("%s exited non-zero: %s", stage, lastLines(string(out), 5))
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
