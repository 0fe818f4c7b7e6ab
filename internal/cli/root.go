// Package cli implements the stagerun command line interface.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/me/stagerun/internal/logging"
)

var (
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the stagerun CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stagerun",
		Short: "stagerun — run test suites with dependency-aware parallelization",
		Long: `stagerun schedules test suites in stages and runs suites of a stage in
parallel whenever their declared dependencies do not collide. Results
are merged into one report per run.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newStatsCmd(),
		newExecCmd(),
		newVersionCmd(),
	)

	return root
}
