package types

import (
	"fmt"
	"time"
)

// TaskStage reflects the directory bucket a task spec lives in
type TaskStage string

const (
	TaskStageBacklog TaskStage = "backlog"
	TaskStageActive  TaskStage = "active"
	TaskStageArchive TaskStage = "archive"
	TaskStageLegacy  TaskStage = "legacy"
)

// TaskStatus represents the lifecycle state of a task within a run
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusRunning      TaskStatus = "running"
	TaskStatusValidated    TaskStatus = "validated"
	TaskStatusComplete     TaskStatus = "complete"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusSkipped      TaskStatus = "skipped"
	TaskStatusNeedsRescope TaskStatus = "needs_rescope"
)

// RunStatus represents the state of a run
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusPaused   RunStatus = "paused"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// BatchStatus represents the state of a batch
type BatchStatus string

const (
	BatchStatusPending  BatchStatus = "pending"
	BatchStatusRunning  BatchStatus = "running"
	BatchStatusComplete BatchStatus = "complete"
	BatchStatusFailed   BatchStatus = "failed"
)

// TDDMode controls whether the worker enforces test-first discipline
type TDDMode string

const (
	TDDModeOff    TDDMode = "off"
	TDDModeStrict TDDMode = "strict"
)

// FailurePolicy decides what a failed worker attempt does to the run
type FailurePolicy string

const (
	FailurePolicyRetry    FailurePolicy = "retry"
	FailurePolicyFailFast FailurePolicy = "fail_fast"
)

// Enforcement is the manifest compliance posture
type Enforcement string

const (
	EnforcementOff   Enforcement = "off"
	EnforcementWarn  Enforcement = "warn"
	EnforcementBlock Enforcement = "block"
)

// BudgetMode decides whether a budget breach warns or ends the run
type BudgetMode string

const (
	BudgetModeWarn  BudgetMode = "warn"
	BudgetModeBlock BudgetMode = "block"
)

// LockMode selects declared or component-derived write locks
type LockMode string

const (
	LockModeDeclared LockMode = "declared"
	LockModeDerived  LockMode = "derived"
)

// CleanupPolicy controls workspace and container disposal
type CleanupPolicy string

const (
	CleanupNever     CleanupPolicy = "never"
	CleanupOnSuccess CleanupPolicy = "on_success"
)

// LockSet holds symbolic resource names a task reads and writes
type LockSet struct {
	Reads  []string `json:"reads,omitempty"`
	Writes []string `json:"writes,omitempty"`
}

// FileScope holds the glob lists a task declares for file access
type FileScope struct {
	Read  []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`
}

// VerifySpec holds the commands the worker runs to validate an attempt
type VerifySpec struct {
	Doctor string `json:"doctor,omitempty"`
	Fast   string `json:"fast,omitempty"`
	Lint   string `json:"lint,omitempty"`
}

// Manifest is the declared contract of a task spec directory
type Manifest struct {
	ID               string     `json:"id,omitempty"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	Locks            LockSet    `json:"locks,omitempty"`
	Files            FileScope  `json:"files,omitempty"`
	Dependencies     []string   `json:"dependencies,omitempty"`
	TestPaths        []string   `json:"test_paths,omitempty"`
	TDDMode          TDDMode    `json:"tdd_mode,omitempty"`
	Verify           VerifySpec `json:"verify,omitempty"`
	EstimatedMinutes int        `json:"estimated_minutes,omitempty"`
}

// TaskSpec is a task as discovered by the catalog
type TaskSpec struct {
	ID           string
	Name         string
	Slug         string
	Stage        TaskStage
	Dir          string
	ManifestPath string
	SpecPath     string
	Manifest     Manifest
}

// Branch returns the deterministic task branch name for this spec
func (t *TaskSpec) Branch() string {
	return fmt.Sprintf("agent/%s-%s", t.ID, t.Slug)
}

// CheckpointCommit records a per-attempt WIP commit made by the worker
type CheckpointCommit struct {
	Attempt   int       `json:"attempt"`
	SHA       string    `json:"sha"`
	CreatedAt time.Time `json:"created_at"`
}

// AttemptUsage aggregates token usage for one worker attempt
type AttemptUsage struct {
	InputTokens       int64   `json:"input_tokens"`
	CachedInputTokens int64   `json:"cached_input_tokens"`
	OutputTokens      int64   `json:"output_tokens"`
	TotalTokens       int64   `json:"total_tokens"`
	EstimatedCost     float64 `json:"estimated_cost"`
}

// TaskState is the durable per-task slice of the run state
type TaskState struct {
	Status            TaskStatus               `json:"status"`
	Attempts          int                      `json:"attempts"`
	Branch            string                   `json:"branch,omitempty"`
	Workspace         string                   `json:"workspace,omitempty"`
	LogsDir           string                   `json:"logs_dir,omitempty"`
	ContainerID       string                   `json:"container_id,omitempty"`
	ThreadID          string                   `json:"thread_id,omitempty"`
	CheckpointCommits []CheckpointCommit       `json:"checkpoint_commits,omitempty"`
	UsageByAttempt    map[string]*AttemptUsage `json:"usage_by_attempt,omitempty"`
	TokensUsed        int64                    `json:"tokens_used"`
	EstimatedCost     float64                  `json:"estimated_cost"`
	BatchID           int                      `json:"batch_id"`
}

// AddCheckpoint appends a checkpoint commit, enforcing strictly
// monotonic attempt numbers.
func (t *TaskState) AddCheckpoint(cp CheckpointCommit) error {
	if n := len(t.CheckpointCommits); n > 0 && cp.Attempt <= t.CheckpointCommits[n-1].Attempt {
		return fmt.Errorf("checkpoint attempt %d not greater than previous attempt %d",
			cp.Attempt, t.CheckpointCommits[n-1].Attempt)
	}
	t.CheckpointCommits = append(t.CheckpointCommits, cp)
	return nil
}

// BatchState is the durable record of one batch
type BatchState struct {
	BatchID                 int         `json:"batch_id"`
	Status                  BatchStatus `json:"status"`
	TaskIDs                 []string    `json:"task_ids"`
	StartedAt               time.Time   `json:"started_at"`
	CompletedAt             *time.Time  `json:"completed_at,omitempty"`
	MergeCommit             string      `json:"merge_commit,omitempty"`
	IntegrationDoctorPassed bool        `json:"integration_doctor_passed"`
}

// ControlPlaneInfo pins the code-graph baseline for a run
type ControlPlaneInfo struct {
	BaseSHA string `json:"base_sha,omitempty"`
}

// RunState is the durable state document for one run
type RunState struct {
	RunID         string                `json:"run_id"`
	Project       string                `json:"project"`
	RepoPath      string                `json:"repo_path"`
	MainBranch    string                `json:"main_branch"`
	StartedAt     time.Time             `json:"started_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	Status        RunStatus             `json:"status"`
	StopReason    string                `json:"stop_reason,omitempty"`
	Tasks         map[string]*TaskState `json:"tasks"`
	Batches       []*BatchState         `json:"batches,omitempty"`
	TokensUsed    int64                 `json:"tokens_used"`
	EstimatedCost float64               `json:"estimated_cost"`
	ControlPlane  *ControlPlaneInfo     `json:"control_plane,omitempty"`
}

// Task returns the state slot for a task id, creating it if absent
func (r *RunState) Task(taskID string) *TaskState {
	if r.Tasks == nil {
		r.Tasks = make(map[string]*TaskState)
	}
	ts, ok := r.Tasks[taskID]
	if !ok {
		ts = &TaskState{Status: TaskStatusPending}
		r.Tasks[taskID] = ts
	}
	return ts
}

// LedgerStatus is the terminal status recorded for a ledger entry
type LedgerStatus string

const (
	LedgerStatusComplete LedgerStatus = "complete"
	LedgerStatusSkipped  LedgerStatus = "skipped"
	LedgerStatusBlocked  LedgerStatus = "blocked"
	LedgerStatusFailed   LedgerStatus = "failed"
)

// LedgerSource records how a ledger entry was produced
type LedgerSource string

const (
	LedgerSourceExecutor  LedgerSource = "executor"
	LedgerSourceImportRun LedgerSource = "import-run"
)

// LedgerEntry is one completed-task record in the cross-run ledger
type LedgerEntry struct {
	TaskID                  string       `json:"task_id"`
	Status                  LedgerStatus `json:"status"`
	Fingerprint             string       `json:"fingerprint"`
	MergeCommit             string       `json:"merge_commit,omitempty"`
	IntegrationDoctorPassed bool         `json:"integration_doctor_passed,omitempty"`
	CompletedAt             *time.Time   `json:"completed_at,omitempty"`
	RunID                   string       `json:"run_id,omitempty"`
	Source                  LedgerSource `json:"source"`
}

// BlockedTask names a task whose external dependencies cannot be satisfied
type BlockedTask struct {
	TaskID      string   `json:"task_id"`
	MissingDeps []string `json:"missing_deps"`
}

// CommandError is the single structured error printed by commands
type CommandError struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCommandError builds a CommandError wrapping an underlying failure
func NewCommandError(code, title string, err error, hint string) *CommandError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &CommandError{Code: code, Title: title, Message: msg, Hint: hint}
}
