// Package worker executes one suite inside a stagerun exec process. It
// re-reads the suite document named by the launch spec, resolves each
// test command through the variable engine, runs the tests sequentially
// and durably writes the result artifact before exiting.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/me/stagerun/internal/reader"
	"github.com/me/stagerun/pkg/artifact"
)

// Exit codes of the worker process.
const (
	ExitOK          = 0
	ExitFailed      = 1
	ExitInterrupted = 130
)

// Worker runs the suite described by one launch spec.
type Worker struct {
	logger *slog.Logger
	runner CommandRunner
	now    func() time.Time
}

// New creates a Worker that executes commands on the host.
func New(logger *slog.Logger) *Worker {
	return newWorkerWithRunner(logger, &osCommandRunner{})
}

func newWorkerWithRunner(logger *slog.Logger, runner CommandRunner) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		logger: logger.With("component", "worker"),
		runner: runner,
		now:    time.Now,
	}
}

// Run executes the suite and writes its result artifact. It returns
// ExitOK when every test passed, ExitInterrupted when ctx was cancelled
// mid-run, ExitFailed otherwise. The artifact is written even on
// failure and interrupt so the controller always finds a result.
func (w *Worker) Run(ctx context.Context, spec *artifact.LaunchSpec) (int, error) {
	if err := spec.Validate(); err != nil {
		return ExitFailed, err
	}

	doc, err := reader.LoadDocument(spec.Source)
	if err != nil {
		return ExitFailed, err
	}
	src := reader.NewDocumentSource(doc)
	src.SetVariables(spec.Vars)
	for name, option := range spec.Dynamic {
		src.SetVariables(map[string]any{name: option})
	}

	stdout, err := os.Create(filepath.Join(spec.ResultDir, artifact.StdoutFile))
	if err != nil {
		return ExitFailed, err
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(spec.ResultDir, artifact.StderrFile))
	if err != nil {
		return ExitFailed, err
	}
	defer stderr.Close()

	w.logger.Info("suite starting",
		"suite", spec.Suite, "stage", spec.Stage, "tests", len(doc.Tests))

	res := &artifact.Result{
		Suite:     spec.Suite,
		Stage:     spec.Stage,
		Source:    spec.Source,
		Deps:      spec.Deps,
		Dynamic:   spec.Dynamic,
		StartedAt: w.now(),
	}
	env := runEnv(spec)
	for _, t := range doc.Tests {
		res.Tests = append(res.Tests, w.runTest(ctx, src, t, env, stdout, stderr))
	}
	res.FinishedAt = w.now()
	res.Interrupted = ctx.Err() != nil

	if err := artifact.WriteResult(spec.ResultDir, res); err != nil {
		return ExitFailed, err
	}

	passed, failed, skipped := res.Counts()
	w.logger.Info("suite finished",
		"suite", spec.Suite, "passed", passed, "failed", failed, "skipped", skipped,
		"interrupted", res.Interrupted)

	switch {
	case res.Interrupted:
		return ExitInterrupted, nil
	case failed > 0:
		return ExitFailed, nil
	default:
		return ExitOK, nil
	}
}

// runTest resolves and executes a single test. Tests after a
// cancellation are skipped without running; the test in flight when the
// cancellation lands is recorded as failed.
func (w *Worker) runTest(ctx context.Context, src reader.Source, t reader.Test, env []string, stdout, stderr io.Writer) artifact.TestResult {
	tr := artifact.TestResult{Name: t.Name, Tags: t.Tags}
	if ctx.Err() != nil {
		tr.Status = artifact.TestSkipped
		return tr
	}

	argv := make([]string, len(t.Command))
	for i, part := range t.Command {
		resolved, err := src.ReplaceVariables(part)
		if err != nil {
			tr.Status = artifact.TestFailed
			tr.ExitCode = -1
			tr.Error = err.Error()
			return tr
		}
		argv[i] = resolved
	}

	w.logger.Info("running test", "test", t.Name, "command", argv)
	tr.StartedAt = w.now()
	code, err := w.runner.Run(ctx, CommandSpec{
		Argv:   argv,
		Env:    env,
		Stdout: stdout,
		Stderr: stderr,
	})
	tr.FinishedAt = w.now()
	tr.ExitCode = code

	switch {
	case err != nil:
		tr.Status = artifact.TestFailed
		tr.Error = err.Error()
	case ctx.Err() != nil:
		tr.Status = artifact.TestFailed
		tr.Error = "interrupted"
	case code == 0:
		tr.Status = artifact.TestPassed
	default:
		tr.Status = artifact.TestFailed
		tr.Error = fmt.Sprintf("exit code %d", code)
	}
	return tr
}

// runEnv builds the STAGERUN_* variables exported to every test
// command. Dynamic assignments collapse into one "name=option" list and
// loop variables appear as STAGERUN_VAR_<NAME>.
func runEnv(spec *artifact.LaunchSpec) []string {
	env := []string{
		"STAGERUN_SUITE=" + spec.Suite,
		"STAGERUN_STAGE=" + spec.Stage,
		"STAGERUN_DEPS=" + strings.Join(spec.Deps, " "),
		"STAGERUN_RESULT_DIR=" + spec.ResultDir,
	}
	if len(spec.Dynamic) > 0 {
		names := make([]string, 0, len(spec.Dynamic))
		for name := range spec.Dynamic {
			names = append(names, name)
		}
		sort.Strings(names)
		pairs := make([]string, len(names))
		for i, name := range names {
			pairs[i] = name + "=" + spec.Dynamic[name]
		}
		env = append(env, "STAGERUN_DYNAMIC="+strings.Join(pairs, " "))
	}
	if len(spec.Vars) > 0 {
		names := make([]string, 0, len(spec.Vars))
		for name := range spec.Vars {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			env = append(env, "STAGERUN_VAR_"+envName(name)+"="+reader.Stringify(spec.Vars[name]))
		}
	}
	return env
}

// envName uppercases a variable name and squashes anything outside
// [A-Z0-9] to underscores.
func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, strings.ToUpper(name))
}
