package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Index is the queryable SQLite mirror of the merged report, written
// next to report.json so runs can be inspected with plain sql.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenIndex opens (or creates) the index database at path. Use
// ":memory:" in tests.
func OpenIndex(path string, logger *slog.Logger) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &Index{
		db:     db,
		logger: logger.With("component", "index"),
	}, nil
}

// Close closes the underlying database connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// schema contains the DDL for all index tables. Each statement uses
// IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id                 TEXT PRIMARY KEY,
		started_at         TEXT NOT NULL,
		finished_at        TEXT NOT NULL,
		interrupted        INTEGER NOT NULL DEFAULT 0,
		suites             INTEGER NOT NULL,
		suites_passed      INTEGER NOT NULL,
		suites_failed      INTEGER NOT NULL,
		suites_interrupted INTEGER NOT NULL,
		suites_missing     INTEGER NOT NULL,
		suites_abandoned   INTEGER NOT NULL,
		tests              INTEGER NOT NULL,
		tests_passed       INTEGER NOT NULL,
		tests_failed       INTEGER NOT NULL,
		tests_skipped      INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS suites (
		run_id      TEXT NOT NULL REFERENCES runs(id),
		name        TEXT NOT NULL,
		stage       TEXT NOT NULL,
		source      TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		deps        TEXT NOT NULL DEFAULT '',
		dynamic     TEXT NOT NULL DEFAULT '{}',
		started_at  TEXT,
		finished_at TEXT,
		PRIMARY KEY (run_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS tests (
		run_id      TEXT NOT NULL REFERENCES runs(id),
		suite       TEXT NOT NULL,
		name        TEXT NOT NULL,
		status      TEXT NOT NULL,
		exit_code   INTEGER NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		started_at  TEXT,
		finished_at TEXT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_suites_outcome ON suites(outcome)`,
	`CREATE INDEX IF NOT EXISTS idx_suites_stage ON suites(stage)`,
	`CREATE INDEX IF NOT EXISTS idx_tests_run_suite ON tests(run_id, suite)`,
	`CREATE INDEX IF NOT EXISTS idx_tests_status ON tests(status)`,
}

// Migrate creates all required tables and indexes.
func (ix *Index) Migrate(ctx context.Context) error {
	ix.logger.Debug("sql", "op", "migrate")
	for _, stmt := range schema {
		if _, err := ix.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveRun inserts one merged run with all its suites and tests in a
// single transaction.
func (ix *Index) SaveRun(ctx context.Context, doc *Document) error {
	ix.logger.Debug("sql", "op", "insert", "table", "runs", "id", doc.RunID)

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t := doc.Totals
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, interrupted,
		   suites, suites_passed, suites_failed, suites_interrupted, suites_missing, suites_abandoned,
		   tests, tests_passed, tests_failed, tests_skipped)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.RunID,
		doc.StartedAt.Format(time.RFC3339Nano), doc.FinishedAt.Format(time.RFC3339Nano),
		boolToInt(doc.Interrupted),
		t.Suites, t.SuitesPassed, t.SuitesFailed, t.SuitesInterrupted, t.SuitesMissing, t.SuitesAbandoned,
		t.Tests, t.TestsPassed, t.TestsFailed, t.TestsSkipped,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, sr := range doc.Suites {
		dynamic := "{}"
		if len(sr.Dynamic) > 0 {
			raw, err := json.Marshal(sr.Dynamic)
			if err != nil {
				return fmt.Errorf("marshal dynamic of %s: %w", sr.Name, err)
			}
			dynamic = string(raw)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO suites (run_id, name, stage, source, outcome, deps, dynamic, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			doc.RunID, sr.Name, sr.Stage, sr.Source, sr.Outcome,
			strings.Join(sr.Deps, " "), dynamic,
			timeOrNil(sr.StartedAt), timeOrNil(sr.FinishedAt),
		); err != nil {
			return fmt.Errorf("insert suite %s: %w", sr.Name, err)
		}

		for _, tr := range sr.Tests {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO tests (run_id, suite, name, status, exit_code, error, started_at, finished_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				doc.RunID, sr.Name, tr.Name, string(tr.Status), tr.ExitCode, tr.Error,
				timeOrNil(tr.StartedAt), timeOrNil(tr.FinishedAt),
			); err != nil {
				return fmt.Errorf("insert test %s/%s: %w", sr.Name, tr.Name, err)
			}
		}
	}

	return tx.Commit()
}

// SuiteOutcomes returns suite name to outcome for one run.
func (ix *Index) SuiteOutcomes(ctx context.Context, runID string) (map[string]string, error) {
	ix.logger.Debug("sql", "op", "select", "table", "suites", "run_id", runID)

	rows, err := ix.db.QueryContext(ctx,
		`SELECT name, outcome FROM suites WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	outcomes := make(map[string]string)
	for rows.Next() {
		var name, outcome string
		if err := rows.Scan(&name, &outcome); err != nil {
			return nil, err
		}
		outcomes[name] = outcome
	}
	return outcomes, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeOrNil keeps zero times out of the index as NULLs.
func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
