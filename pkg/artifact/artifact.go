// Package artifact defines the file contract between the stagerun
// controller and its worker processes: the launch spec the controller
// writes into a suite's result directory, and the result document the
// worker writes back when it is done.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Well-known file names inside a suite's result directory.
const (
	SpecFile   = "launch.json"
	ResultFile = "result.json"
	StdoutFile = "stdout.txt"
	StderrFile = "stderr.txt"
)

// ErrNoResult is returned when a result directory holds no result
// document, typically because the worker was killed or never ran.
var ErrNoResult = errors.New("no result artifact")

// LaunchSpec tells a worker what to run. The worker re-reads the suite
// document from Source; the spec carries only what the controller
// decided at schedule time.
type LaunchSpec struct {
	// Suite is the full suite name, including any loop-expansion suffix.
	Suite string `json:"suite"`
	// Source is the path of the suite document.
	Source string `json:"source"`
	Stage  string `json:"stage"`
	// Deps are all resolved dependency names held by this suite.
	Deps []string `json:"deps,omitempty"`
	// Dynamic maps each dynamic dependency name to the option picked
	// for this run.
	Dynamic map[string]string `json:"dynamic,omitempty"`
	// Vars are the loop-expansion variable bindings, if any.
	Vars map[string]any `json:"vars,omitempty"`
	// ResultDir is where the worker writes its output files.
	ResultDir string `json:"result_dir"`
}

// Validate checks the fields a worker cannot run without.
func (s *LaunchSpec) Validate() error {
	switch {
	case s.Suite == "":
		return errors.New("launch spec: suite name is empty")
	case s.Source == "":
		return errors.New("launch spec: source is empty")
	case s.Stage == "":
		return errors.New("launch spec: stage is empty")
	case s.ResultDir == "":
		return errors.New("launch spec: result dir is empty")
	}
	return nil
}

// TestStatus is the outcome of a single test.
type TestStatus string

const (
	TestPassed  TestStatus = "passed"
	TestFailed  TestStatus = "failed"
	TestSkipped TestStatus = "skipped"
)

// TestResult records one executed (or skipped) test.
type TestResult struct {
	Name       string     `json:"name"`
	Status     TestStatus `json:"status"`
	ExitCode   int        `json:"exit_code"`
	Tags       []string   `json:"tags,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitzero"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
	// Error holds the failure reason when the command could not run at
	// all, as opposed to running and exiting non-zero.
	Error string `json:"error,omitempty"`
}

// Duration is the wall-clock time the test ran; zero for skipped tests.
func (r TestResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Result is the document a worker writes after running a suite.
type Result struct {
	Suite       string            `json:"suite"`
	Stage       string            `json:"stage"`
	Source      string            `json:"source"`
	Deps        []string          `json:"deps,omitempty"`
	Dynamic     map[string]string `json:"dynamic,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Interrupted bool              `json:"interrupted,omitempty"`
	Tests       []TestResult      `json:"tests"`
}

// Counts returns the number of passed, failed and skipped tests.
func (r *Result) Counts() (passed, failed, skipped int) {
	for _, t := range r.Tests {
		switch t.Status {
		case TestPassed:
			passed++
		case TestFailed:
			failed++
		case TestSkipped:
			skipped++
		}
	}
	return passed, failed, skipped
}

// Outcome summarizes the suite: "failed" when any test failed,
// "interrupted" when the run was cut short without failures, otherwise
// "passed".
func (r *Result) Outcome() string {
	_, failed, _ := r.Counts()
	switch {
	case failed > 0:
		return "failed"
	case r.Interrupted:
		return "interrupted"
	default:
		return "passed"
	}
}

// WriteLaunchSpec writes the spec into dir as SpecFile.
func WriteLaunchSpec(dir string, spec *LaunchSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, SpecFile), spec)
}

// LoadLaunchSpec reads and validates a launch spec file.
func LoadLaunchSpec(path string) (*LaunchSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading launch spec: %w", err)
	}
	var spec LaunchSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing launch spec %s: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// WriteResult writes the result into dir as ResultFile. The document is
// staged in a temp file and renamed, so a reader never sees a partial
// write.
func WriteResult(dir string, res *Result) error {
	tmp, err := os.CreateTemp(dir, ResultFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding result: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, ResultFile))
}

// LoadResult reads the result document from a suite's result directory.
// A missing file maps to ErrNoResult.
func LoadResult(dir string) (*Result, error) {
	path := filepath.Join(dir, ResultFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoResult)
	}
	if err != nil {
		return nil, fmt.Errorf("reading result: %w", err)
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parsing result %s: %w", path, err)
	}
	return &res, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
