// Package store persists test runs and the results the external runner
// writes, backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dentix-ortho/goaltest-server/packages/common"
)

var ErrNotFound = errors.New("not found")

const schemaDDL = `
CREATE TABLE IF NOT EXISTS test_runs (
	run_id       TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	total_tests  INTEGER NOT NULL DEFAULT 0,
	passed       INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	skipped      INTEGER NOT NULL DEFAULT 0,
	concurrency  INTEGER NOT NULL DEFAULT 1,
	started_at   TEXT NOT NULL,
	completed_at TEXT
);
CREATE TABLE IF NOT EXISTS goal_test_results (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	test_id       TEXT NOT NULL,
	test_name     TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_run ON goal_test_results(run_id);
CREATE TABLE IF NOT EXISTS findings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	test_id     TEXT NOT NULL,
	type        TEXT NOT NULL DEFAULT '',
	severity    TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_findings_run ON findings(run_id);
CREATE TABLE IF NOT EXISTS transcripts (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id           TEXT NOT NULL,
	test_id          TEXT NOT NULL,
	turn_index       INTEGER NOT NULL,
	role             TEXT NOT NULL,
	content          TEXT NOT NULL,
	response_time_ms INTEGER,
	step_id          TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_run_test ON transcripts(run_id, test_id);
CREATE TABLE IF NOT EXISTS api_calls (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id           TEXT NOT NULL,
	test_id          TEXT NOT NULL,
	tool_name        TEXT NOT NULL,
	request_payload  TEXT NOT NULL DEFAULT '',
	response_payload TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT '',
	duration_ms      INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_calls_run_test ON api_calls(run_id, test_id);
CREATE TABLE IF NOT EXISTS flowise_configs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id  INTEGER NOT NULL,
	name       TEXT NOT NULL,
	url        TEXT NOT NULL,
	api_key    TEXT NOT NULL DEFAULT '',
	is_default INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS langfuse_configs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id  INTEGER NOT NULL,
	name       TEXT NOT NULL,
	host       TEXT NOT NULL,
	public_key TEXT NOT NULL DEFAULT '',
	secret_key TEXT NOT NULL DEFAULT '',
	is_default INTEGER NOT NULL DEFAULT 0
);
`

// Store is a SQLite-backed run and result store. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
// path may be ":memory:".
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Every pooled connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("exec schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateRun inserts a run row in running state.
func (s *Store) CreateRun(ctx context.Context, runID string, concurrency int, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO test_runs (run_id, status, concurrency, started_at) VALUES (?, ?, ?, ?)`,
		runID, string(common.RunStatusRunning), concurrency, formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("create run %s: %w", runID, err)
	}
	return nil
}

// UpdateRunProgress stores the latest counters and status of a run. A run
// that already finished is left untouched.
func (s *Store) UpdateRunProgress(ctx context.Context, runID string, status common.RunStatus, p common.Progress) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE test_runs SET status = ?, total_tests = ?, passed = ?, failed = ?, skipped = ?
		WHERE run_id = ? AND status NOT IN (?, ?, ?)`,
		string(status), p.Total, p.Passed, p.Failed, p.Skipped, runID,
		string(common.RunStatusCompleted), string(common.RunStatusFailed), string(common.RunStatusAborted))
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, runID); err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	return nil
}

// FinishRun stores the terminal status and final counters of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, status common.RunStatus, p common.Progress, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE test_runs SET status = ?, total_tests = ?, passed = ?, failed = ?, skipped = ?, completed_at = ? WHERE run_id = ?`,
		string(status), p.Total, p.Passed, p.Failed, p.Skipped, formatTime(completedAt), runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return requireRow(res, runID)
}

func requireRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (common.Run, error) {
	return getRun(ctx, s.db, runID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getRun(ctx context.Context, q querier, runID string) (common.Run, error) {
	var (
		run         common.Run
		status      string
		startedAt   string
		completedAt sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT run_id, status, concurrency, total_tests, passed, failed, skipped, started_at, completed_at
		 FROM test_runs WHERE run_id = ?`, runID).
		Scan(&run.RunID, &status, &run.Concurrency, &run.Progress.Total, &run.Progress.Passed,
			&run.Progress.Failed, &run.Progress.Skipped, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return common.Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	run.Status = common.RunStatus(status)
	run.Progress.Completed = run.Progress.Passed + run.Progress.Failed
	run.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		run.CompletedAt = &t
	}
	return run, nil
}
