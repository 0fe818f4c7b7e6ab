package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/me/stagerun/internal/logging"
	"github.com/me/stagerun/internal/worker"
	"github.com/me/stagerun/pkg/artifact"
)

// WorkerLogFile is the per-suite debug log inside the result directory.
const WorkerLogFile = "worker.log"

// newExecCmd is the worker entry point. The scheduler re-invokes its
// own binary as "stagerun exec --spec <launch.json>", one process group
// per suite, so the command stays hidden from help output.
func newExecCmd() *cobra.Command {
	var specPath string

	cmd := &cobra.Command{
		Use:    "exec --spec FILE",
		Short:  "Execute one suite from a launch spec (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if specPath == "" {
				return errors.New("--spec is required")
			}
			spec, err := artifact.LoadLaunchSpec(specPath)
			if err != nil {
				return err
			}
			return execSuite(spec)
		},
	}

	cmd.Flags().StringVar(&specPath, "spec", "", "Path to the launch spec JSON")

	return cmd
}

func execSuite(spec *artifact.LaunchSpec) error {
	logFile, err := os.Create(filepath.Join(spec.ResultDir, WorkerLogFile))
	if err != nil {
		return fmt.Errorf("creating worker log: %w", err)
	}

	wlog := slog.New(logging.Fanout(
		logging.NewHandler(logging.ParseLevel(flagLogLevel), flagLogFormat, os.Stderr),
		logging.NewHandler(slog.LevelDebug, flagLogFormat, logFile),
	))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first signal skips the remaining tests but still writes the
	// result artifact; the second one gives up immediately.
	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		<-sigs
		wlog.Warn("interrupt received, skipping remaining tests")
		cancel()
		<-sigs
		wlog.Warn("second interrupt, exiting without results")
		os.Exit(worker.ExitInterrupted)
	}()

	code, err := worker.New(wlog).Run(ctx, spec)
	if err != nil {
		wlog.Error("suite execution failed", "error", err)
	}
	logFile.Close()
	os.Exit(code)
	return nil
}
