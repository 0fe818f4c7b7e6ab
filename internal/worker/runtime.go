package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// CommandSpec describes one test command to execute.
type CommandSpec struct {
	Argv   []string
	Dir    string
	Env    []string // appended to the parent environment
	Stdout io.Writer
	Stderr io.Writer
}

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	// Run executes the command and returns its exit code. A non-nil
	// error means the command could not be run at all.
	Run(ctx context.Context, spec CommandSpec) (int, error)
}

// osCommandRunner is the real implementation using os/exec. On context
// cancellation the command receives SIGINT first and is killed after
// waitDelay if it lingers.
type osCommandRunner struct{}

const waitDelay = 10 * time.Second

func (r *osCommandRunner) Run(ctx context.Context, spec CommandSpec) (int, error) {
	if len(spec.Argv) == 0 {
		return -1, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = waitDelay

	runErr := cmd.Run()
	switch e := runErr.(type) {
	case nil:
		return 0, nil
	case *exec.ExitError:
		return e.ExitCode(), nil
	default:
		return -1, runErr
	}
}
