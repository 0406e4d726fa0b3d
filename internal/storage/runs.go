package storage

// runs.go contains SQLiteStore methods for the runs table.
// A run is one test submission, from acceptance to the end of polling.

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/grltest/grlctl/internal/errors"
)

// maxRuns is the number of runs retained; older runs and their popups are deleted.
const maxRuns = 500

// RunOutcome is how a run ended.
type RunOutcome string

const (
	OutcomeRunning   RunOutcome = "running"
	OutcomeCompleted RunOutcome = "completed"
	OutcomeStopped   RunOutcome = "stopped"
	OutcomeTimedOut  RunOutcome = "timed_out"
	OutcomeFailed    RunOutcome = "failed"
)

// Run is a journalled test submission.
type Run struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	Project      string     `json:"project,omitempty"`
	Tests        []string   `json:"tests"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   time.Time  `json:"finished_at,omitempty"`
	Outcome      RunOutcome `json:"outcome"`
	FinalStatus  string     `json:"final_status,omitempty"`
	LastTestCase string     `json:"last_test_case,omitempty"`
	Error        string     `json:"error,omitempty"`
	PopupCount   int        `json:"popup_count"`
}

// RunResult is what FinishRun records.
type RunResult struct {
	Outcome      RunOutcome
	FinalStatus  string
	LastTestCase string
	Error        string
	FinishedAt   time.Time
}

// SaveRun inserts or replaces a run and enforces retention.
func (s *SQLiteStore) SaveRun(run *Run) error {
	if run == nil {
		return errors.New("run cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Debug("saving run", zap.String("run_id", run.ID), zap.Int("tests", len(run.Tests)))

	tests, err := json.Marshal(run.Tests)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "encode tests", err)
	}
	outcome := run.Outcome
	if outcome == "" {
		outcome = OutcomeRunning
	}

	const query = `
		INSERT OR REPLACE INTO runs
			(id, session_id, project, tests, started_at, finished_at, outcome, final_status, last_test_case, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.Exec(query,
		run.ID,
		run.SessionID,
		run.Project,
		string(tests),
		run.StartedAt.Format(time.RFC3339Nano),
		nullTime(run.FinishedAt),
		string(outcome),
		run.FinalStatus,
		run.LastTestCase,
		run.Error,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "save run", err)
	}

	const cleanupPopups = `
		DELETE FROM popups WHERE run_id IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)
	`
	if _, err := s.db.Exec(cleanupPopups, maxRuns); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "enforce popup retention", err)
	}
	const cleanupRuns = `
		DELETE FROM runs WHERE id IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)
	`
	if _, err := s.db.Exec(cleanupRuns, maxRuns); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "enforce run retention", err)
	}
	return nil
}

// FinishRun records how a run ended.
func (s *SQLiteStore) FinishRun(id string, result RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if result.FinishedAt.IsZero() {
		result.FinishedAt = time.Now()
	}
	const query = `
		UPDATE runs
		SET finished_at = ?, outcome = ?, final_status = ?, last_test_case = ?, error = ?
		WHERE id = ?
	`
	res, err := s.db.Exec(query,
		result.FinishedAt.Format(time.RFC3339Nano),
		string(result.Outcome),
		result.FinalStatus,
		result.LastTestCase,
		result.Error,
		id,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "finish run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Wrap(apperrors.CodeStorageNotFound, "finish run "+id, ErrRunNotFound)
	}
	s.logger.Debug("run finished", zap.String("run_id", id), zap.String("outcome", string(result.Outcome)))
	return nil
}

const runColumns = `
	r.id, r.session_id, r.project, r.tests, r.started_at, r.finished_at,
	r.outcome, r.final_status, r.last_test_case, r.error,
	(SELECT COUNT(*) FROM popups p WHERE p.run_id = r.id)
`

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs r WHERE r.id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrap(apperrors.CodeStorageNotFound, "run "+id, ErrRunNotFound)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "get run", err)
	}
	return run, nil
}

// ListRuns returns recent runs, newest first. limit <= 0 means 20.
func (s *SQLiteStore) ListRuns(limit int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs r ORDER BY r.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "list runs", err)
	}
	defer rows.Close()

	runs := make([]*Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "scan run", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "iterate run rows", err)
	}
	return runs, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run        Run
		tests      string
		startedAt  string
		finishedAt sql.NullString
		outcome    string
	)
	err := row.Scan(
		&run.ID,
		&run.SessionID,
		&run.Project,
		&tests,
		&startedAt,
		&finishedAt,
		&outcome,
		&run.FinalStatus,
		&run.LastTestCase,
		&run.Error,
		&run.PopupCount,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tests), &run.Tests); err != nil {
		return nil, fmt.Errorf("parse tests: %w", err)
	}
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if finishedAt.Valid {
		if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt.String); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
	}
	run.Outcome = RunOutcome(outcome)
	return &run, nil
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
