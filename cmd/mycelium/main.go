package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mycelium-sh/mycelium/pkg/log"
	"github.com/mycelium-sh/mycelium/pkg/types"
)

var (
	configPath string
	logLevel   string
	jsonLogs   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mycelium",
		Short: "Run planned engineering tasks against a repository",
		Long: `Mycelium executes a planned set of engineering tasks against a target
repository: each task runs in an isolated worker, successful tasks are
merged into the integration branch, and the integration is verified
before a batch completes.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Init(log.Config{
				Level:      log.Level(logLevel),
				JSONOutput: jsonLogs,
				Output:     os.Stderr,
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mycelium.yaml", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit operator logs as JSON")

	rootCmd.AddCommand(
		newRunCmd(),
		newResumeCmd(),
		newStopCmd(),
		newStatusCmd(),
		newImportRunCmd(),
		newLedgerCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		printCommandError(err)
		os.Exit(1)
	}
}

// printCommandError prints the single structured error surface every
// command shares.
func printCommandError(err error) {
	var cmdErr *types.CommandError
	if !errors.As(err, &cmdErr) {
		cmdErr = &types.CommandError{
			Code:    "error",
			Title:   "Command failed",
			Message: err.Error(),
		}
	}
	fmt.Fprintf(os.Stderr, "error[%s]: %s\n  %s\n", cmdErr.Code, cmdErr.Title, cmdErr.Message)
	if cmdErr.Hint != "" {
		fmt.Fprintf(os.Stderr, "  hint: %s\n", cmdErr.Hint)
	}
}
