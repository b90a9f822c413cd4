package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mycelium-sh/mycelium/pkg/events"
)

// ErrContainerMissing marks a resume whose container no longer exists.
var ErrContainerMissing = errors.New("container missing")

// AttemptSpec carries everything one worker attempt needs
type AttemptSpec struct {
	TaskID       string
	Slug         string
	Branch       string
	Workspace    string
	ManifestPath string
	SpecPath     string

	DoctorCmd     string
	DoctorTimeout time.Duration
	LintCmd       string
	LintTimeout   time.Duration
	FastCmd       string

	Attempt    int
	MaxRetries int
	Bootstrap  []string
	TestPaths  []string
	TDDStrict  bool

	CheckpointCommits bool
	LogsDir           string

	// EventLog is the task's JSONL event log; the runner is its single
	// writer for the duration of the attempt.
	EventLog *events.Logger

	// OnContainerReady fires once a container id is known, before the
	// container starts, so the coordinator can persist it durably.
	// Container runner only.
	OnContainerReady func(containerID string) error
}

// AttemptResult is the outcome of one attempt or resume
type AttemptResult struct {
	Success        bool
	ErrorMessage   string
	ResetToPending bool
	ContainerID    string
}

// StopOptions controls Runner.Stop
type StopOptions struct {
	StopContainersOnExit bool

	// Events receives container.stop / container.stop_failed per
	// container when set.
	Events *events.Logger
}

// StopResult reports what Stop did
type StopResult struct {
	Stopped int
	Errors  []error
}

// Runner executes task attempts. Two implementations exist: an
// in-process runner and a containerd-backed runner. The engine only
// sees this interface, so tests swap in fakes.
type Runner interface {
	// Prepare performs one-time setup (image pull, socket checks).
	Prepare(ctx context.Context) error

	// RunAttempt executes one attempt to completion.
	RunAttempt(ctx context.Context, spec AttemptSpec) (*AttemptResult, error)

	// ResumeAttempt reattaches to a live attempt from a previous
	// process. Runners that cannot reattach return ResetToPending.
	ResumeAttempt(ctx context.Context, spec AttemptSpec, containerIDHint string) (*AttemptResult, error)

	// Stop halts outstanding attempts for the run.
	Stop(ctx context.Context, opts StopOptions) (*StopResult, error)

	// CleanupTask disposes of per-task runner resources.
	CleanupTask(ctx context.Context, taskID, slug string) error
}

// Environment variable names passed to the worker
const (
	EnvTaskID            = "TASK_ID"
	EnvTaskSlug          = "TASK_SLUG"
	EnvTaskManifestPath  = "TASK_MANIFEST_PATH"
	EnvTaskSpecPath      = "TASK_SPEC_PATH"
	EnvTaskBranch        = "TASK_BRANCH"
	EnvDoctorCmd         = "DOCTOR_CMD"
	EnvDoctorTimeout     = "DOCTOR_TIMEOUT"
	EnvLintCmd           = "LINT_CMD"
	EnvLintTimeout       = "LINT_TIMEOUT"
	EnvMaxRetries        = "MAX_RETRIES"
	EnvCheckpointCommits = "CHECKPOINT_COMMITS"
	EnvDefaultTestPaths  = "DEFAULT_TEST_PATHS"
	EnvBootstrapCmds     = "BOOTSTRAP_CMDS"
	EnvRunLogsDir        = "RUN_LOGS_DIR"
)

// BuildEnv renders the attempt spec as the worker environment.
// passthrough carries provider credentials from the host environment.
func BuildEnv(spec AttemptSpec, passthrough []string) []string {
	env := []string{
		EnvTaskID + "=" + spec.TaskID,
		EnvTaskSlug + "=" + spec.Slug,
		EnvTaskManifestPath + "=" + spec.ManifestPath,
		EnvTaskSpecPath + "=" + spec.SpecPath,
		EnvTaskBranch + "=" + spec.Branch,
		EnvDoctorCmd + "=" + spec.DoctorCmd,
		EnvDoctorTimeout + "=" + spec.DoctorTimeout.String(),
		EnvLintCmd + "=" + spec.LintCmd,
		EnvLintTimeout + "=" + spec.LintTimeout.String(),
		EnvMaxRetries + "=" + fmt.Sprintf("%d", spec.MaxRetries),
		EnvCheckpointCommits + "=" + fmt.Sprintf("%t", spec.CheckpointCommits),
		EnvRunLogsDir + "=" + spec.LogsDir,
	}

	paths, _ := json.Marshal(spec.TestPaths)
	env = append(env, EnvDefaultTestPaths+"="+string(paths))

	if len(spec.Bootstrap) > 0 {
		cmds, _ := json.Marshal(spec.Bootstrap)
		env = append(env, EnvBootstrapCmds+"="+string(cmds))
	}

	env = append(env, passthrough...)
	return env
}

// maxContainerNameLen bounds generated container names; containerd
// identifiers are limited to 76 characters.
const maxContainerNameLen = 76

var containerNameInvalid = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// ContainerName derives the deterministic container name for a task
// attempt from project, run, task, and slug. The result is sanitized
// to identifier-safe characters and length-bounded; determinism is
// what lets resume find the container by name as a last resort.
func ContainerName(project, runID, taskID, slug string) string {
	name := fmt.Sprintf("mycelium-%s-%s-%s-%s", project, runID, taskID, slug)
	name = containerNameInvalid.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-.")
	if len(name) > maxContainerNameLen {
		name = strings.TrimRight(name[:maxContainerNameLen], "-.")
	}
	return name
}

// Container label keys
const (
	LabelPrefix    = "sh.mycelium"
	LabelProject   = LabelPrefix + ".project"
	LabelRunID     = LabelPrefix + ".run_id"
	LabelTaskID    = LabelPrefix + ".task_id"
	LabelBranch    = LabelPrefix + ".branch"
	LabelWorkspace = LabelPrefix + ".workspace_path"
)

// Labels builds the container label set for a task attempt.
func Labels(project, runID string, spec AttemptSpec) map[string]string {
	return map[string]string{
		LabelProject:   project,
		LabelRunID:     runID,
		LabelTaskID:    spec.TaskID,
		LabelBranch:    spec.Branch,
		LabelWorkspace: spec.Workspace,
	}
}
