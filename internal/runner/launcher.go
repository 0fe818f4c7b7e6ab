package runner

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/me/stagerun/internal/suite"
	"github.com/me/stagerun/pkg/artifact"
)

// ExecLauncher starts workers by re-invoking the stagerun binary with
// the hidden "exec" subcommand. Each worker runs in its own process
// group and reads its launch spec from the suite's result directory.
type ExecLauncher struct {
	bin    string
	outDir string
	logger *slog.Logger
}

func NewExecLauncher(outDir string, logger *slog.Logger) (*ExecLauncher, error) {
	bin, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating own binary: %w", err)
	}
	return &ExecLauncher{
		bin:    bin,
		outDir: outDir,
		logger: logger.With("component", "launcher"),
	}, nil
}

// ResultDir returns the directory a suite's worker writes into.
func (l *ExecLauncher) ResultDir(s *suite.Suite) string {
	return filepath.Join(l.outDir, s.Stage(), s.Name())
}

func (l *ExecLauncher) Launch(s *suite.Suite) (Process, error) {
	dir := l.ResultDir(s)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("creating stage dir: %w", err)
	}
	// The leaf must be fresh; duplicate suite names were rejected long
	// before this point.
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating result dir: %w", err)
	}

	spec := &artifact.LaunchSpec{
		Suite:     s.Name(),
		Source:    s.Source(),
		Stage:     s.Stage(),
		Deps:      s.ResolvedDeps(),
		Dynamic:   s.ResolvedDynamic(),
		Vars:      s.Vars(),
		ResultDir: dir,
	}
	if err := artifact.WriteLaunchSpec(dir, spec); err != nil {
		return nil, fmt.Errorf("writing launch spec: %w", err)
	}

	cmd := exec.Command(l.bin, "exec", "--spec", filepath.Join(dir, artifact.SpecFile))
	cmd.Stderr = os.Stderr
	// Own process group so Kill can take down the whole test tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	l.logger.Debug("worker launched", "suite", s.Name(), "pid", cmd.Process.Pid, "dir", dir)
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Interrupt() error {
	return p.cmd.Process.Signal(syscall.SIGINT)
}

func (p *execProcess) Kill() error {
	// Negative pid addresses the process group; fall back to the
	// worker alone if the group is already gone.
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
