package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/me/stagerun/internal/stats"
)

func newStatsCmd() *cobra.Command {
	var filters []string
	var selection string

	cmd := &cobra.Command{
		Use:   "stats [flags] PATH...",
		Short: "Show statistics about the selected suites",
		Long: `Stats reads the suite documents under the given paths, applies the
same filters as run, and prints counts per stage, tag and dependency
without executing anything.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coll, err := selectSuites(args, filters)
			if err != nil {
				return err
			}
			return stats.Render(os.Stdout, coll, selection)
		},
	}

	cmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "Suite filter expression (deps=..., stage=...), repeatable")
	cmd.Flags().StringVarP(&selection, "select", "s", "all", "Comma-separated sections: all, deps, dynamic, static, stages, suites, tags, totals")

	return cmd
}
