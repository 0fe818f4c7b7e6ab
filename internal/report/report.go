// Package report merges per-suite result artifacts into the run-level
// outputs: report.json, the SQLite index report.db, and, when suites
// finished without a result, MISSING_RESULTS.txt.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/me/stagerun/internal/runner"
	"github.com/me/stagerun/pkg/artifact"
)

// Files written into the output directory root.
const (
	ReportFile  = "report.json"
	DBFile      = "report.db"
	MissingFile = "MISSING_RESULTS.txt"
)

// Suite outcomes. The first three mirror artifact.Result.Outcome;
// missing marks a ran suite whose artifact never appeared, abandoned a
// suite the scheduler gave up on before launch.
const (
	OutcomePassed      = "passed"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted"
	OutcomeMissing     = "missing"
	OutcomeAbandoned   = "abandoned"
)

// Document is the merged report of one run, serialized as report.json.
type Document struct {
	RunID       string        `json:"run_id"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Interrupted bool          `json:"interrupted,omitempty"`
	Totals      Totals        `json:"totals"`
	Suites      []SuiteReport `json:"suites"`
}

// SuiteReport is one suite's merged entry.
type SuiteReport struct {
	Name       string                `json:"name"`
	Stage      string                `json:"stage"`
	Source     string                `json:"source"`
	Outcome    string                `json:"outcome"`
	Deps       []string              `json:"deps,omitempty"`
	Dynamic    map[string]string     `json:"dynamic,omitempty"`
	StartedAt  time.Time             `json:"started_at,omitzero"`
	FinishedAt time.Time             `json:"finished_at,omitzero"`
	Tests      []artifact.TestResult `json:"tests,omitempty"`
}

// Totals aggregates suite outcomes and test statuses across the run.
type Totals struct {
	Suites            int `json:"suites"`
	SuitesPassed      int `json:"suites_passed"`
	SuitesFailed      int `json:"suites_failed"`
	SuitesInterrupted int `json:"suites_interrupted"`
	SuitesMissing     int `json:"suites_missing"`
	SuitesAbandoned   int `json:"suites_abandoned"`
	Tests             int `json:"tests"`
	TestsPassed       int `json:"tests_passed"`
	TestsFailed       int `json:"tests_failed"`
	TestsSkipped      int `json:"tests_skipped"`
}

// Summary is what Merge hands back to the CLI.
type Summary struct {
	RunID       string
	ReportPath  string
	DBPath      string
	MissingPath string // empty when every ran suite left an artifact
	Totals      Totals
	Interrupted bool
}

// Incomplete reports whether the run should exit non-zero.
func (s *Summary) Incomplete() bool {
	return s.Interrupted ||
		s.Totals.SuitesFailed > 0 ||
		s.Totals.SuitesInterrupted > 0 ||
		s.Totals.SuitesMissing > 0 ||
		s.Totals.SuitesAbandoned > 0
}

// Merge loads the result artifact of every ran suite from outDir,
// combines them with the abandoned suites into a Document, and writes
// report.json, report.db and MISSING_RESULTS.txt. A suite without a
// readable artifact is counted as missing, never retried.
func Merge(outDir string, rep *runner.Report, logger *slog.Logger) (*Summary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "report")

	doc := &Document{
		RunID:       uuid.NewString(),
		StartedAt:   rep.StartedAt,
		FinishedAt:  rep.FinishedAt,
		Interrupted: rep.Interrupted,
	}
	var missing []string

	for _, s := range rep.Ran {
		dir := filepath.Join(outDir, s.Stage(), s.Name())
		sr := SuiteReport{
			Name:       s.Name(),
			Stage:      s.Stage(),
			Source:     s.Source(),
			Deps:       s.ResolvedDeps(),
			Dynamic:    s.ResolvedDynamic(),
			StartedAt:  s.StartedAt(),
			FinishedAt: s.FinishedAt(),
		}
		res, err := artifact.LoadResult(dir)
		switch {
		case errors.Is(err, artifact.ErrNoResult):
			sr.Outcome = OutcomeMissing
			missing = append(missing, s.Name())
			logger.Error("result artifact missing", "suite", s.Name(), "dir", dir)
		case err != nil:
			sr.Outcome = OutcomeMissing
			missing = append(missing, s.Name())
			logger.Error("result artifact unreadable", "suite", s.Name(), "error", err)
		default:
			sr.Outcome = res.Outcome()
			sr.StartedAt = res.StartedAt
			sr.FinishedAt = res.FinishedAt
			sr.Tests = res.Tests
		}
		doc.Suites = append(doc.Suites, sr)
	}
	for _, s := range rep.Abandoned {
		doc.Suites = append(doc.Suites, SuiteReport{
			Name:    s.Name(),
			Stage:   s.Stage(),
			Source:  s.Source(),
			Outcome: OutcomeAbandoned,
		})
		missing = append(missing, s.Name())
	}
	doc.Totals = tally(doc.Suites)

	reportPath := filepath.Join(outDir, ReportFile)
	if err := writeJSON(reportPath, doc); err != nil {
		return nil, fmt.Errorf("writing %s: %w", ReportFile, err)
	}

	var missingPath string
	if len(missing) > 0 {
		missingPath = filepath.Join(outDir, MissingFile)
		body := strings.Join(missing, "\n") + "\n"
		if err := os.WriteFile(missingPath, []byte(body), 0o644); err != nil {
			return nil, fmt.Errorf("writing %s: %w", MissingFile, err)
		}
	}

	dbPath := filepath.Join(outDir, DBFile)
	if err := saveIndex(dbPath, doc, logger); err != nil {
		return nil, fmt.Errorf("indexing run: %w", err)
	}

	logger.Info("report written",
		"run_id", doc.RunID, "path", reportPath, "suites", doc.Totals.Suites)

	return &Summary{
		RunID:       doc.RunID,
		ReportPath:  reportPath,
		DBPath:      dbPath,
		MissingPath: missingPath,
		Totals:      doc.Totals,
		Interrupted: doc.Interrupted,
	}, nil
}

func saveIndex(path string, doc *Document, logger *slog.Logger) error {
	ix, err := OpenIndex(path, logger)
	if err != nil {
		return err
	}
	defer ix.Close()

	ctx := context.Background()
	if err := ix.Migrate(ctx); err != nil {
		return err
	}
	return ix.SaveRun(ctx, doc)
}

func tally(suites []SuiteReport) Totals {
	var t Totals
	t.Suites = len(suites)
	for _, sr := range suites {
		switch sr.Outcome {
		case OutcomePassed:
			t.SuitesPassed++
		case OutcomeFailed:
			t.SuitesFailed++
		case OutcomeInterrupted:
			t.SuitesInterrupted++
		case OutcomeMissing:
			t.SuitesMissing++
		case OutcomeAbandoned:
			t.SuitesAbandoned++
		}
		for _, tr := range sr.Tests {
			t.Tests++
			switch tr.Status {
			case artifact.TestPassed:
				t.TestsPassed++
			case artifact.TestFailed:
				t.TestsFailed++
			case artifact.TestSkipped:
				t.TestsSkipped++
			}
		}
	}
	return t
}

// writeJSON stages the document in a temp file and renames it into
// place, so a crashed merge never leaves a truncated report behind.
func writeJSON(path string, v any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
