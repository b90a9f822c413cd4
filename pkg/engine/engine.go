package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mycelium-sh/mycelium/pkg/budget"
	"github.com/mycelium-sh/mycelium/pkg/catalog"
	"github.com/mycelium-sh/mycelium/pkg/config"
	"github.com/mycelium-sh/mycelium/pkg/events"
	"github.com/mycelium-sh/mycelium/pkg/ledger"
	"github.com/mycelium-sh/mycelium/pkg/log"
	"github.com/mycelium-sh/mycelium/pkg/metrics"
	"github.com/mycelium-sh/mycelium/pkg/policy"
	"github.com/mycelium-sh/mycelium/pkg/scheduler"
	"github.com/mycelium-sh/mycelium/pkg/state"
	"github.com/mycelium-sh/mycelium/pkg/types"
	"github.com/mycelium-sh/mycelium/pkg/vcs"
	"github.com/mycelium-sh/mycelium/pkg/worker"
	"github.com/mycelium-sh/mycelium/pkg/workspace"
)

// Options tunes engine behavior beyond the config file
type Options struct {
	// StopContainersOnExit stops and removes run containers on a
	// graceful stop instead of leaving them for resume to reattach.
	StopContainersOnExit bool

	// DisableLedgerReuse turns off cross-run dependency reuse.
	DisableLedgerReuse bool
}

// Engine is the top-level orchestrator for one run. Batches execute
// serially; tasks within a batch run in parallel. The run state
// document is owned by the engine's coordinator lock: worker
// goroutines propose updates through apply, the engine persists them.
type Engine struct {
	cfg     *config.Config
	opts    Options
	store   *state.Store
	cat     *catalog.Catalog
	led     *ledger.Ledger
	git     *vcs.Git
	ws      *workspace.Manager
	sched   *scheduler.Scheduler
	runner  worker.Runner
	tracker *budget.Tracker
	model   *policy.Model
	logger  zerolog.Logger

	mu   sync.Mutex
	rs   *types.RunState
	orch *events.Logger

	tasks     []*types.TaskSpec
	taskByID  map[string]*types.TaskSpec
	decisions map[string]*policy.Decision
}

// Deps are the collaborators the engine wires together
type Deps struct {
	Store   *state.Store
	Catalog *catalog.Catalog
	Ledger  *ledger.Ledger
	Git     *vcs.Git
	WS      *workspace.Manager
	Runner  worker.Runner
	Tracker *budget.Tracker
}

// New creates an engine.
func New(cfg *config.Config, deps Deps, opts Options) *Engine {
	return &Engine{
		cfg:       cfg,
		opts:      opts,
		store:     deps.Store,
		cat:       deps.Catalog,
		led:       deps.Ledger,
		git:       deps.Git,
		ws:        deps.WS,
		sched:     scheduler.New(cfg.MaxParallel),
		runner:    deps.Runner,
		tracker:   deps.Tracker,
		logger:    log.WithComponent("engine"),
	}
}

// NewRunID generates a run id.
func NewRunID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + uuid.New().String()[:8]
}

// Run executes a fresh run to a terminal state or a graceful stop.
func (e *Engine) Run(ctx context.Context, runID string) error {
	if runID == "" {
		runID = NewRunID()
	}

	baseSHA, err := e.git.BaseSHA(ctx, e.cfg.MainBranch)
	if err != nil {
		return types.NewCommandError("vcs_base_sha", "Cannot resolve integration branch", err,
			"check repo_path and main_branch in the config")
	}

	e.rs = &types.RunState{
		RunID:        runID,
		Project:      e.cfg.Project,
		RepoPath:     e.cfg.RepoPath,
		MainBranch:   e.cfg.MainBranch,
		StartedAt:    time.Now().UTC(),
		Status:       types.RunStatusRunning,
		Tasks:        map[string]*types.TaskState{},
		ControlPlane: &types.ControlPlaneInfo{BaseSHA: baseSHA},
	}

	if err := e.openLogs(runID); err != nil {
		return err
	}
	defer e.orch.Close()

	if err := e.loadCatalog(); err != nil {
		return err
	}
	if err := e.loadModel(baseSHA); err != nil {
		return err
	}

	for _, t := range e.tasks {
		e.rs.Task(t.ID)
	}
	if err := e.save(); err != nil {
		return err
	}

	metrics.RunsStarted.Inc()
	_ = e.orch.Emit(events.TypeRunStart, map[string]any{
		"project":  e.cfg.Project,
		"base_sha": baseSHA,
		"tasks":    len(e.tasks),
	})

	e.applyLedgerReuse()

	if blocked := e.checkExternalDeps(); len(blocked) > 0 {
		return e.blockRun(blocked)
	}

	return e.runLoop(ctx)
}

func (e *Engine) openLogs(runID string) error {
	orch, err := events.NewLogger(e.store.OrchestratorLogPath(runID), runID)
	if err != nil {
		return types.NewCommandError("log_open", "Cannot open orchestrator log", err, "")
	}
	e.orch = orch
	return nil
}

func (e *Engine) loadCatalog() error {
	res, err := e.cat.Scan(catalog.Options{
		KnownResources: e.cfg.ResourceNames(),
		Strict:         true,
	})
	if err != nil {
		return types.NewCommandError("catalog_scan", "Task catalog is invalid", err,
			"fix the reported manifest and rerun")
	}
	e.tasks = res.Tasks
	e.taskByID = make(map[string]*types.TaskSpec, len(res.Tasks))
	for _, t := range res.Tasks {
		e.taskByID[t.ID] = t
	}
	e.decisions = make(map[string]*policy.Decision, len(res.Tasks))
	return nil
}

func (e *Engine) loadModel(baseSHA string) error {
	if !e.cfg.ControlPlane.Enabled {
		return nil
	}
	m, err := policy.LoadModel(e.cfg.RepoPath, baseSHA)
	if err != nil {
		return types.NewCommandError("control_plane_model", "Cannot load control-plane model", err, "")
	}
	e.model = m
	return nil
}

// applyLedgerReuse marks tasks whose own fingerprint already has a
// complete ledger entry as skipped.
func (e *Engine) applyLedgerReuse() {
	if e.opts.DisableLedgerReuse {
		return
	}
	for _, t := range e.tasks {
		entry := e.led.Entry(t.ID)
		if entry == nil || entry.Status != types.LedgerStatusComplete {
			continue
		}
		fp, err := fingerprintOf(t)
		if err != nil || fp != entry.Fingerprint {
			continue
		}
		e.mu.Lock()
		e.rs.Task(t.ID).Status = types.TaskStatusSkipped
		e.mu.Unlock()
		_ = e.orch.EmitTask(events.TypeLedgerReuse, t.ID, map[string]any{
			"fingerprint": fp,
			"run_id":      entry.RunID,
		})
	}
	_ = e.save()
}

// runLoop drives batches until the run reaches a terminal state or the
// stop token fires.
func (e *Engine) runLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return e.gracefulStop(ctx)
		}

		timer := metrics.NewTimer()
		ready := e.sched.Ready(e.tasks, e.snapshot(), func(t *types.TaskSpec) bool {
			return e.externalOK(t)
		})
		batchTasks := e.sched.FormBatch(ready, func(t *types.TaskSpec) []string {
			return e.effectiveWrites(t)
		})
		timer.ObserveDuration(metrics.SchedulingLatency)

		if len(batchTasks) == 0 {
			break
		}

		if err := e.runBatch(ctx, batchTasks); err != nil {
			if ctx.Err() != nil {
				return e.gracefulStop(ctx)
			}
			return e.failRun(err)
		}
	}

	return e.finalize()
}

// effectiveWrites resolves (and caches) the policy decision for a task.
func (e *Engine) effectiveWrites(t *types.TaskSpec) []string {
	return e.decisionFor(t).EffectiveWrites
}

func (e *Engine) decisionFor(t *types.TaskSpec) *policy.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.decisions[t.ID]; ok {
		return d
	}
	d := policy.Decide(t, e.model, nil, e.cfg.ManifestEnforcement, policy.Options{
		LockMode:         e.cfg.ControlPlane.LockMode,
		FallbackResource: e.cfg.ControlPlane.FallbackResource,
		SurfaceLocks:     e.cfg.ControlPlane.SurfaceLocks.Enabled,
		SurfacePatterns:  e.cfg.ControlPlane.SurfacePatterns,
	})
	e.decisions[t.ID] = d
	return d
}

// snapshot returns the run state for read-only scheduling decisions.
// The scheduler only reads task statuses, which are written by the
// coordinator between batches, so no copy is needed.
func (e *Engine) snapshot() *types.RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rs
}

// apply runs a state mutation under the coordinator lock and persists
// it. A save failure is fatal to the run: state integrity takes
// precedence over progress.
func (e *Engine) apply(fn func(rs *types.RunState)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.rs)
	return e.store.Save(e.rs)
}

func (e *Engine) save() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Save(e.rs)
}

// finalize closes out a run that ran out of schedulable work.
func (e *Engine) finalize() error {
	allDone := true
	anyFailed := false
	e.mu.Lock()
	for _, ts := range e.rs.Tasks {
		switch ts.Status {
		case types.TaskStatusComplete, types.TaskStatusSkipped:
		case types.TaskStatusFailed:
			anyFailed = true
			allDone = false
		default:
			allDone = false
		}
	}
	e.mu.Unlock()

	status := types.RunStatusComplete
	if !allDone {
		status = types.RunStatusFailed
	}
	if err := e.apply(func(rs *types.RunState) {
		rs.Status = status
		if !allDone && rs.StopReason == "" {
			if anyFailed {
				rs.StopReason = "task_failed"
			} else {
				rs.StopReason = "unschedulable_tasks"
			}
		}
	}); err != nil {
		return err
	}

	metrics.RunsCompleted.WithLabelValues(string(status)).Inc()
	e.logger.Info().Str("run_id", e.rs.RunID).Str("status", string(status)).Msg("Run finished")

	if status == types.RunStatusFailed {
		return types.NewCommandError("run_failed", "Run did not complete",
			fmt.Errorf("run %s finished with status %s (%s)", e.rs.RunID, status, e.rs.StopReason), "")
	}
	return nil
}

// failRun marks the run failed with the given cause.
func (e *Engine) failRun(cause error) error {
	_ = e.apply(func(rs *types.RunState) {
		rs.Status = types.RunStatusFailed
		if rs.StopReason == "" {
			rs.StopReason = "fatal"
		}
	})
	metrics.RunsCompleted.WithLabelValues(string(types.RunStatusFailed)).Inc()
	return cause
}

// gracefulStop pauses the run in response to the external stop token.
// State remains resumable; containers are left running unless the
// engine was asked to stop them.
func (e *Engine) gracefulStop(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	disposition := "left_running"
	payload := map[string]any{"reason": "signal"}

	if e.opts.StopContainersOnExit {
		disposition = "stopped"
		res, err := e.runner.Stop(stopCtx, worker.StopOptions{StopContainersOnExit: true, Events: e.orch})
		if err != nil {
			e.logger.Warn().Err(err).Msg("Failed to stop run containers")
		} else {
			payload["containers_stopped"] = res.Stopped
		}
	}
	payload["containers"] = disposition

	if err := e.apply(func(rs *types.RunState) {
		if rs.Status == types.RunStatusRunning {
			rs.Status = types.RunStatusPaused
			rs.StopReason = "signal"
		}
	}); err != nil {
		return err
	}

	_ = e.orch.Emit(events.TypeRunStop, payload)
	e.logger.Info().Str("run_id", e.rs.RunID).Msg("Run stopped, state is resumable")
	return nil
}
