package events

import (
	"encoding/json"
	"time"
)

// Representative event types emitted by the run engine. The set is
// open: payload-carrying worker events pass through verbatim.
const (
	TypeRunStart   = "run.start"
	TypeRunStop    = "run.stop"
	TypeRunResume  = "run.resume"
	TypeRunBlocked = "run.blocked"

	TypeBatchStart = "batch.start"

	TypeTaskStart     = "task.start"
	TypeTaskReset     = "task.reset"
	TypeTaskComplete  = "task.complete"
	TypeTaskStageMove = "task.stage.move"

	TypeWorkspacePrepareStart     = "workspace.prepare.start"
	TypeWorkspacePrepareComplete  = "workspace.prepare.complete"
	TypeWorkspacePrepareRecovered = "workspace.prepare.recovered"

	TypeContainerCreate        = "container.create"
	TypeContainerStart         = "container.start"
	TypeContainerExit          = "container.exit"
	TypeContainerReattach      = "container.reattach"
	TypeContainerExitedOnResume = "container.exited-on-resume"
	TypeContainerStop          = "container.stop"
	TypeContainerStopFailed    = "container.stop_failed"
	TypeContainerMissing       = "container.missing"
	TypeContainerCleanup       = "container.cleanup"

	TypeWorkerLocalStart    = "worker.local.start"
	TypeWorkerLocalComplete = "worker.local.complete"
	TypeWorkerLocalError    = "worker.local.error"

	TypeCodexEvent         = "codex.event"
	TypeCodexThreadResumed = "codex.thread.resumed"

	TypeDoctorPass = "doctor.pass"
	TypeDoctorFail = "doctor.fail"

	TypeValidatorStart = "validator.start"
	TypeValidatorPass  = "validator.pass"
	TypeValidatorFail  = "validator.fail"
	TypeValidatorSkip  = "validator.skip"
	TypeValidatorError = "validator.error"

	TypeBudgetWarn  = "budget.warn"
	TypeBudgetBlock = "budget.block"

	TypeDepsExternalSatisfied = "deps.external_satisfied"
	TypeLedgerImport          = "ledger.import"
	TypeLedgerReuse           = "ledger.reuse"

	TypeTurnCompleted = "turn.completed"
)

// Event is one line in a JSONL event log
type Event struct {
	TS      time.Time      `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	TaskID  string         `json:"task_id,omitempty"`
	BatchID *int           `json:"batch_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Marshal encodes the event as a single LF-terminated JSON line
func (e *Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
