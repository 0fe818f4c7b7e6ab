package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/me/stagerun/internal/config"
	"github.com/me/stagerun/internal/filter"
	"github.com/me/stagerun/internal/logging"
	"github.com/me/stagerun/internal/reader"
	"github.com/me/stagerun/internal/report"
	"github.com/me/stagerun/internal/runner"
	"github.com/me/stagerun/internal/status"
	"github.com/me/stagerun/internal/suite"
)

// LogFile is the per-run debug log inside the output directory.
const LogFile = "stagerun.log"

func newRunCmd() *cobra.Command {
	settings := config.DefaultSettings()

	cmd := &cobra.Command{
		Use:   "run [flags] PATH...",
		Short: "Run the test suites found under the given paths",
		Long: `Run walks the given paths for *.suite.yaml documents, groups the
selected suites by stage, and executes the stages in name order. Inside
a stage, suites run in parallel as long as their dependencies do not
collide. Each suite's results land in the output directory, merged into
report.json and report.db at the end of the run.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuites(settings, args)
		},
	}

	cmd.Flags().StringVarP(&settings.OutputDir, "output", "o", settings.OutputDir, "Output directory, must not already exist")
	cmd.Flags().StringArrayVarP(&settings.Filters, "filter", "f", nil, "Suite filter expression (deps=..., stage=...), repeatable")
	cmd.Flags().StringVarP(&settings.Timeout, "timeout", "t", settings.Timeout, "Default suite timeout: soft[,hard[,kill]] seconds")
	cmd.Flags().DurationVar(&settings.Poll, "poll", settings.Poll, "Scheduler poll interval")
	cmd.Flags().StringVar(&settings.Listen, "listen", settings.Listen, "Serve live status JSON on this address while running")

	return cmd
}

// selectSuites loads every suite document under paths into a collection
// filtered by the given expressions. Per-file errors are printed right
// away; any of them aborts the command after the whole walk.
func selectSuites(paths, filterArgs []string) (*suite.Collection, error) {
	filters, err := filter.Parse(filterArgs)
	if err != nil {
		return nil, err
	}
	coll := suite.NewCollection(filters)
	if errs := reader.New(logger).Read(paths, coll); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, e)
		}
		return nil, fmt.Errorf("%d suite document(s) failed to load", len(errs))
	}
	return coll, nil
}

func runSuites(settings config.Settings, paths []string) error {
	fallback, err := suite.ParseTimeout(settings.Timeout)
	if err != nil {
		return err
	}
	coll, err := selectSuites(paths, settings.Filters)
	if err != nil {
		return err
	}
	if coll.Stats().Tests <= 0 {
		return errors.New("no tests found, nothing to run")
	}

	outDir := settings.OutputDir
	if err := os.MkdirAll(filepath.Dir(outDir), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	// The leaf must be fresh so artifacts of an earlier run can never
	// mix into this one.
	if err := os.Mkdir(outDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	logFile, err := os.Create(filepath.Join(outDir, LogFile))
	if err != nil {
		return fmt.Errorf("creating run log: %w", err)
	}
	defer logFile.Close()

	// Console keeps the configured level, the run log gets everything.
	level := logging.ParseLevel(flagLogLevel)
	runLogger := slog.New(logging.Fanout(
		logging.NewHandler(level, flagLogFormat, os.Stderr),
		logging.NewHandler(slog.LevelDebug, flagLogFormat, logFile),
	))

	sel := coll.Stats()
	runLogger.Info("selection ready",
		"stages", len(coll.StageNames()),
		"suites", sel.Suites,
		"tests", sel.Tests,
		"skipped", coll.Skipped())

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && level >= slog.LevelWarn
	console := NewConsole(os.Stdout, interactive)
	sinks := []runner.StatusSink{console}

	if settings.Listen != "" {
		srv := status.New(runLogger)
		if err := srv.Start(settings.Listen); err != nil {
			return err
		}
		defer srv.Shutdown(context.Background())
		sinks = append(sinks, srv)
	}

	monitor := runner.NewShutdownMonitor(runLogger)
	release := monitor.Install()
	defer release()

	launcher, err := runner.NewExecLauncher(outDir, runLogger)
	if err != nil {
		return err
	}

	rep := runner.New(runner.Config{
		Poll:     settings.Poll,
		Timeout:  fallback,
		Launcher: launcher,
		Shutdown: monitor,
		Sinks:    sinks,
		Logger:   runLogger,
	}).Run(context.Background(), coll)
	console.Close()

	sum, err := report.Merge(outDir, rep, runLogger)
	if err != nil {
		return err
	}
	printSummary(os.Stdout, sum, outDir)

	if sum.Incomplete() {
		t := sum.Totals
		return fmt.Errorf("run incomplete: %d failed, %d interrupted, %d missing, %d abandoned of %d suites",
			t.SuitesFailed, t.SuitesInterrupted, t.SuitesMissing, t.SuitesAbandoned, t.Suites)
	}
	return nil
}

func printSummary(w io.Writer, sum *report.Summary, outDir string) {
	t := sum.Totals
	fmt.Fprintf(w, "Suites: %d total, %d passed, %d failed, %d interrupted, %d missing, %d abandoned\n",
		t.Suites, t.SuitesPassed, t.SuitesFailed, t.SuitesInterrupted, t.SuitesMissing, t.SuitesAbandoned)
	fmt.Fprintf(w, "Tests:  %d total, %d passed, %d failed, %d skipped\n",
		t.Tests, t.TestsPassed, t.TestsFailed, t.TestsSkipped)
	fmt.Fprintf(w, "Results: %s\n", formatPath(w, outDir))
}

// formatPath wraps path in an OSC 8 hyperlink so terminals make it
// clickable. Non-terminal writers get the plain absolute path.
func formatPath(w io.Writer, path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	f, ok := w.(*os.File)
	if !ok || !isatty.IsTerminal(f.Fd()) {
		return abs
	}
	const osc8 = "\x1b]8;;"
	const sep = "\x1b\\"
	return osc8 + "file://" + abs + sep + abs + osc8 + sep
}
