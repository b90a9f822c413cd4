package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mycelium-sh/mycelium/pkg/config"
	"github.com/mycelium-sh/mycelium/pkg/ledger"
	"github.com/mycelium-sh/mycelium/pkg/state"
	"github.com/mycelium-sh/mycelium/pkg/types"
)

func loadProject() (*config.Config, *state.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, types.NewCommandError("config", "Invalid configuration", err, "")
	}
	return cfg, state.NewStore(cfg.MyceliumHome, cfg.Project), nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a run's state, or list all runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := loadProject()
			if err != nil {
				return err
			}

			if len(args) == 0 {
				runs, err := store.ListRuns()
				if err != nil {
					return types.NewCommandError("state_list", "Cannot enumerate runs", err, "")
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "RUN\tSTATUS\tSTARTED\tTASKS")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.RunID, r.Status, r.StartedAt.Format("2006-01-02 15:04"), r.TaskCount)
				}
				return w.Flush()
			}

			rs, err := store.Load(args[0])
			if err != nil {
				return types.NewCommandError("state_load", "Cannot load run state", err, "")
			}

			fmt.Printf("run %s (%s)\n", rs.RunID, rs.Status)
			fmt.Printf("  tokens: %d  cost: $%.2f  batches: %d\n", rs.TokensUsed, rs.EstimatedCost, len(rs.Batches))
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATUS\tATTEMPTS\tBATCH")
			for id, ts := range rs.Tasks {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", id, ts.Status, ts.Attempts, ts.BatchID)
			}
			return w.Flush()
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [run-id]",
		Short: "Mark an orphaned running run as paused",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := loadProject()
			if err != nil {
				return err
			}

			runID := ""
			if len(args) == 1 {
				runID = args[0]
			} else {
				runID, err = store.LatestRun()
				if err != nil || runID == "" {
					return types.NewCommandError("no_runs", "Nothing to stop",
						fmt.Errorf("no recorded runs"), "")
				}
			}

			rs, err := store.Load(runID)
			if err != nil {
				return types.NewCommandError("state_load", "Cannot load run state", err, "")
			}
			if rs.Status != types.RunStatusRunning {
				fmt.Printf("run %s is %s, nothing to do\n", runID, rs.Status)
				return nil
			}
			rs.Status = types.RunStatusPaused
			rs.StopReason = "stop_command"
			if err := store.Save(rs); err != nil {
				return types.NewCommandError("state_save", "Cannot save run state", err, "")
			}
			fmt.Printf("run %s paused\n", runID)
			return nil
		},
	}
}

func newImportRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-run <run-id>",
		Short: "Import a completed run's tasks into the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := loadProject()
			if err != nil {
				return err
			}
			runID := args[0]

			rs, err := store.Load(runID)
			if err != nil {
				return types.NewCommandError("state_load", "Cannot load run state", err, "")
			}

			led, err := ledger.Load(ledgerPath(cfg))
			if err != nil {
				return types.NewCommandError("ledger", "Cannot load ledger", err, "")
			}

			archiveDir := filepath.Join(cfg.TasksRoot(), "archive", runID)
			res, err := led.ImportFromRunState(rs, archiveDir)
			if err != nil {
				return types.NewCommandError("ledger_import", "Import failed", err, "")
			}
			if err := led.Save(); err != nil {
				return types.NewCommandError("ledger_save", "Cannot save ledger", err, "")
			}

			fmt.Printf("imported %d, skipped %d\n", res.Imported, res.Skipped)
			for _, detail := range res.SkippedDetails {
				fmt.Printf("  skipped %s\n", detail)
			}
			return nil
		},
	}
}

func newLedgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger",
		Short: "List the project's ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadProject()
			if err != nil {
				return err
			}
			led, err := ledger.Load(ledgerPath(cfg))
			if err != nil {
				return types.NewCommandError("ledger", "Cannot load ledger", err, "")
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATUS\tRUN\tSOURCE\tFINGERPRINT")
			for _, e := range led.Entries() {
				fp := e.Fingerprint
				if len(fp) > 12 {
					fp = fp[:12]
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.TaskID, e.Status, e.RunID, e.Source, fp)
			}
			return w.Flush()
		},
	}
}
