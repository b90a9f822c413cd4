package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mycelium-sh/mycelium/pkg/budget"
	"github.com/mycelium-sh/mycelium/pkg/catalog"
	"github.com/mycelium-sh/mycelium/pkg/config"
	"github.com/mycelium-sh/mycelium/pkg/engine"
	"github.com/mycelium-sh/mycelium/pkg/ledger"
	"github.com/mycelium-sh/mycelium/pkg/state"
	"github.com/mycelium-sh/mycelium/pkg/types"
	"github.com/mycelium-sh/mycelium/pkg/vcs"
	"github.com/mycelium-sh/mycelium/pkg/worker"
	"github.com/mycelium-sh/mycelium/pkg/workspace"
)

type wiring struct {
	cfg    *config.Config
	store  *state.Store
	led    *ledger.Ledger
	engine *engine.Engine
}

// ledgerPath returns the project-scoped ledger document path.
func ledgerPath(cfg *config.Config) string {
	return filepath.Join(cfg.MyceliumHome, "state", cfg.Project, "ledger.json")
}

// buildWiring loads config and constructs the engine's collaborators.
func buildWiring(runID string, opts engine.Options) (*wiring, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, types.NewCommandError("config", "Invalid configuration", err,
			"check the config file against the documented keys")
	}

	store := state.NewStore(cfg.MyceliumHome, cfg.Project)
	led, err := ledger.Load(ledgerPath(cfg))
	if err != nil {
		return nil, types.NewCommandError("ledger", "Cannot load ledger", err, "")
	}

	git := vcs.New(cfg.RepoPath)
	ws := workspace.New(git)
	cat := catalog.New(cfg.TasksRoot())
	tracker := budget.New(cfg.Budgets)

	var runner worker.Runner
	if cfg.Docker.Image != "" {
		r, err := worker.NewContainerdRunner("", cfg.Project, runID, cfg.Docker)
		if err != nil {
			return nil, types.NewCommandError("containerd", "Cannot connect to containerd", err,
				"start containerd or unset docker.image to run workers in-process")
		}
		runner = r
	} else {
		runner = worker.NewLocalRunner(cfg.Project, runID, worker.NewWorkerLoop(git, cfg.MainBranch))
	}

	eng := engine.New(cfg, engine.Deps{
		Store:   store,
		Catalog: cat,
		Ledger:  led,
		Git:     git,
		WS:      ws,
		Runner:  runner,
		Tracker: tracker,
	}, opts)

	return &wiring{cfg: cfg, store: store, led: led, engine: eng}, nil
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRunCmd() *cobra.Command {
	var stopContainers bool
	var noReuse bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the pending tasks as a new run",
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := engine.NewRunID()
			w, err := buildWiring(runID, engine.Options{
				StopContainersOnExit: stopContainers,
				DisableLedgerReuse:   noReuse,
			})
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			return w.engine.Run(ctx, runID)
		},
	}

	cmd.Flags().BoolVar(&stopContainers, "stop-containers", false, "stop worker containers on a graceful stop instead of leaving them for resume")
	cmd.Flags().BoolVar(&noReuse, "no-ledger-reuse", false, "disable cross-run dependency reuse")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var stopContainers bool

	cmd := &cobra.Command{
		Use:   "resume [run-id]",
		Short: "Resume the latest (or a specific) stopped run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			w, err := buildWiring(runID, engine.Options{StopContainersOnExit: stopContainers})
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			return w.engine.Resume(ctx, runID)
		},
	}

	cmd.Flags().BoolVar(&stopContainers, "stop-containers", false, "stop worker containers on a graceful stop instead of leaving them for resume")
	return cmd
}
