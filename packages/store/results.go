package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dentix-ortho/goaltest-server/packages/common"
)

// Snapshot is one consistent read of everything the live result stream shows
// for a run, optionally narrowed to one test.
type Snapshot struct {
	Run        common.Run              `json:"run"`
	Results    []common.Result         `json:"results"`
	Findings   []common.Finding        `json:"findings"`
	Transcript []common.TranscriptTurn `json:"transcript,omitempty"`
	APICalls   []common.APICallRecord  `json:"apiCalls,omitempty"`
}

// Snapshot reads the run, its results and findings and, when testID is set,
// the transcript and API calls of that test inside one read transaction.
func (s *Store) Snapshot(ctx context.Context, runID, testID string) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var snap Snapshot
	if snap.Run, err = getRun(ctx, tx, runID); err != nil {
		return Snapshot{}, err
	}
	if snap.Results, err = listResults(ctx, tx, runID); err != nil {
		return Snapshot{}, err
	}
	if snap.Findings, err = listFindings(ctx, tx, runID); err != nil {
		return Snapshot{}, err
	}
	if testID != "" {
		if snap.Transcript, err = listTranscript(ctx, tx, runID, testID); err != nil {
			return Snapshot{}, err
		}
		if snap.APICalls, err = listAPICalls(ctx, tx, runID, testID); err != nil {
			return Snapshot{}, err
		}
	}
	return snap, nil
}

func (s *Store) InsertResult(ctx context.Context, r common.Result) (int64, error) {
	return insert(ctx, s.db,
		`INSERT INTO goal_test_results (run_id, test_id, test_name, category, status, duration_ms, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.TestID, r.TestName, r.Category, r.Status, r.DurationMs, r.ErrorMessage, formatTime(orNow(r.CreatedAt)))
}

func (s *Store) ListResults(ctx context.Context, runID string) ([]common.Result, error) {
	return listResults(ctx, s.db, runID)
}

func listResults(ctx context.Context, q querier, runID string) ([]common.Result, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, run_id, test_id, test_name, category, status, duration_ms, error_message, created_at
		 FROM goal_test_results WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	out := []common.Result{}
	for rows.Next() {
		var (
			r         common.Result
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.TestID, &r.TestName, &r.Category, &r.Status,
			&r.DurationMs, &r.ErrorMessage, &createdAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) InsertFinding(ctx context.Context, f common.Finding) (int64, error) {
	return insert(ctx, s.db,
		`INSERT INTO findings (run_id, test_id, type, severity, title, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.RunID, f.TestID, f.Type, f.Severity, f.Title, f.Description, formatTime(orNow(f.CreatedAt)))
}

func (s *Store) ListFindings(ctx context.Context, runID string) ([]common.Finding, error) {
	return listFindings(ctx, s.db, runID)
}

func listFindings(ctx context.Context, q querier, runID string) ([]common.Finding, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, run_id, test_id, type, severity, title, description, created_at
		 FROM findings WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	out := []common.Finding{}
	for rows.Next() {
		var (
			f         common.Finding
			createdAt string
		)
		if err := rows.Scan(&f.ID, &f.RunID, &f.TestID, &f.Type, &f.Severity, &f.Title,
			&f.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.CreatedAt = parseTime(createdAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) InsertTranscriptTurn(ctx context.Context, t common.TranscriptTurn) (int64, error) {
	var responseTime sql.NullInt64
	if t.ResponseTimeMs != nil {
		responseTime = sql.NullInt64{Int64: *t.ResponseTimeMs, Valid: true}
	}
	return insert(ctx, s.db,
		`INSERT INTO transcripts (run_id, test_id, turn_index, role, content, response_time_ms, step_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RunID, t.TestID, t.TurnIndex, t.Role, t.Content, responseTime, t.StepID, formatTime(orNow(t.CreatedAt)))
}

func (s *Store) ListTranscript(ctx context.Context, runID, testID string) ([]common.TranscriptTurn, error) {
	return listTranscript(ctx, s.db, runID, testID)
}

func listTranscript(ctx context.Context, q querier, runID, testID string) ([]common.TranscriptTurn, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, run_id, test_id, turn_index, role, content, response_time_ms, step_id, created_at
		 FROM transcripts WHERE run_id = ? AND test_id = ? ORDER BY turn_index, id`, runID, testID)
	if err != nil {
		return nil, fmt.Errorf("list transcript: %w", err)
	}
	defer rows.Close()

	out := []common.TranscriptTurn{}
	for rows.Next() {
		var (
			t            common.TranscriptTurn
			responseTime sql.NullInt64
			createdAt    string
		)
		if err := rows.Scan(&t.ID, &t.RunID, &t.TestID, &t.TurnIndex, &t.Role, &t.Content,
			&responseTime, &t.StepID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transcript turn: %w", err)
		}
		if responseTime.Valid {
			v := responseTime.Int64
			t.ResponseTimeMs = &v
		}
		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) InsertAPICall(ctx context.Context, c common.APICallRecord) (int64, error) {
	return insert(ctx, s.db,
		`INSERT INTO api_calls (run_id, test_id, tool_name, request_payload, response_payload, status, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, c.TestID, c.ToolName, c.RequestPayload, c.ResponsePayload, c.Status, c.DurationMs, formatTime(orNow(c.CreatedAt)))
}

func (s *Store) ListAPICalls(ctx context.Context, runID, testID string) ([]common.APICallRecord, error) {
	return listAPICalls(ctx, s.db, runID, testID)
}

func listAPICalls(ctx context.Context, q querier, runID, testID string) ([]common.APICallRecord, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, run_id, test_id, tool_name, request_payload, response_payload, status, duration_ms, created_at
		 FROM api_calls WHERE run_id = ? AND test_id = ? ORDER BY id`, runID, testID)
	if err != nil {
		return nil, fmt.Errorf("list api calls: %w", err)
	}
	defer rows.Close()

	out := []common.APICallRecord{}
	for rows.Next() {
		var (
			c         common.APICallRecord
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.RunID, &c.TestID, &c.ToolName, &c.RequestPayload,
			&c.ResponsePayload, &c.Status, &c.DurationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan api call: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insert(ctx context.Context, db execer, query string, args ...any) (int64, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
