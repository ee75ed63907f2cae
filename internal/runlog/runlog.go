// Package runlog keeps a cross-run record of processed steps in a local
// SQLite database: which run handled which commit, what it cost, and how
// long it took. Estimation and the stats command read from it; the ledger
// remains the source of truth for resume.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// schema contains the DDL executed on first open. Using IF NOT EXISTS makes
// it safe to run on every startup.
const schema = `
CREATE TABLE IF NOT EXISTS steps (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id       TEXT NOT NULL,
    segment_id   TEXT NOT NULL,
    commit_id    TEXT NOT NULL,
    processor_tag TEXT NOT NULL DEFAULT '',
    cost_usd     REAL NOT NULL DEFAULT 0,
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    recorded_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);
`

// Step is one recorded processing step.
type Step struct {
	RunID        string
	SegmentID    string
	CommitID     string
	ProcessorTag string
	CostUSD      float64
	DurationMs   int64
}

// RunSummary aggregates one run's recorded steps.
type RunSummary struct {
	RunID      string
	Steps      int
	CostUSD    float64
	DurationMs int64
	FirstStep  time.Time
	LastStep   time.Time
}

// Averages holds per-step means used for estimation.
type Averages struct {
	CostUSD    float64
	DurationMs float64
	Samples    int
}

// Store wraps a local SQLite database in WAL mode.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath, enables WAL mode and busy
// timeout, and creates the schema if it does not exist.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("runlog: open database: %w", err)
	}

	// Limit to one connection. SQLite only supports a single writer; using
	// one connection avoids SQLITE_BUSY contention between pooled
	// connections that each need their own PRAGMA setup.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("runlog: enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("runlog: set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("runlog: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Record inserts one step.
func (s *Store) Record(ctx context.Context, step Step) error {
	const q = `
		INSERT INTO steps (run_id, segment_id, commit_id, processor_tag, cost_usd, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, step.RunID, step.SegmentID, step.CommitID, step.ProcessorTag, step.CostUSD, step.DurationMs); err != nil {
		return fmt.Errorf("runlog: record step: %w", err)
	}
	return nil
}

// Averages returns mean cost and duration per step across all runs.
func (s *Store) Averages(ctx context.Context) (Averages, error) {
	const q = `
		SELECT COALESCE(AVG(cost_usd), 0), COALESCE(AVG(duration_ms), 0), COUNT(*)
		FROM steps`
	var a Averages
	if err := s.db.QueryRowContext(ctx, q).Scan(&a.CostUSD, &a.DurationMs, &a.Samples); err != nil {
		return Averages{}, fmt.Errorf("runlog: averages: %w", err)
	}
	return a, nil
}

// RecentRuns returns summaries of the most recent runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	const q = `
		SELECT run_id, COUNT(*), SUM(cost_usd), SUM(duration_ms), MIN(recorded_at), MAX(recorded_at)
		FROM steps
		GROUP BY run_id
		ORDER BY MAX(recorded_at) DESC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("runlog: recent runs: %w", err)
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var rs RunSummary
		var first, last string
		if err := rows.Scan(&rs.RunID, &rs.Steps, &rs.CostUSD, &rs.DurationMs, &first, &last); err != nil {
			return nil, fmt.Errorf("runlog: scan run summary: %w", err)
		}
		if rs.FirstStep, err = parseTimestamp(first); err != nil {
			return nil, fmt.Errorf("runlog: %w", err)
		}
		if rs.LastStep, err = parseTimestamp(last); err != nil {
			return nil, fmt.Errorf("runlog: %w", err)
		}
		summaries = append(summaries, rs)
	}
	return summaries, rows.Err()
}

// timestampFormats covers CURRENT_TIMESTAMP's space-separated DateTime form
// plus RFC3339 for values written by external tools.
var timestampFormats = []string{
	time.RFC3339,
	time.DateTime,
}

// parseTimestamp attempts to parse a SQLite timestamp string using known formats.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// RunTotal returns one run's step count and cost.
func (s *Store) RunTotal(ctx context.Context, runID string) (steps int, costUSD float64, err error) {
	const q = `SELECT COUNT(*), COALESCE(SUM(cost_usd), 0) FROM steps WHERE run_id = ?`
	if err := s.db.QueryRowContext(ctx, q, runID).Scan(&steps, &costUSD); err != nil {
		return 0, 0, fmt.Errorf("runlog: run total: %w", err)
	}
	return steps, costUSD, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
