package storage

// journal.go contains SQLiteStore methods for phase transitions and popups.

import (
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/grltest/grlctl/internal/errors"
	"github.com/grltest/grlctl/internal/popup"
)

// Transition is one journalled phase change.
type Transition struct {
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Trigger   string    `json:"trigger"`
	At        time.Time `json:"at"`
}

// SaveTransition appends a phase change.
func (s *SQLiteStore) SaveTransition(t Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO transitions (session_id, run_id, from_phase, to_phase, trigger_name, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, t.SessionID, nullString(t.RunID), t.From, t.To, t.Trigger, t.At.Format(time.RFC3339Nano))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "save transition", err)
	}
	return nil
}

// ListTransitions returns the transitions of a session in order.
func (s *SQLiteStore) ListTransitions(sessionID string) ([]Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT session_id, run_id, from_phase, to_phase, trigger_name, at
		FROM transitions WHERE session_id = ? ORDER BY id
	`
	rows, err := s.db.Query(query, sessionID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "list transitions", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t     Transition
			runID sql.NullString
			at    string
		)
		if err := rows.Scan(&t.SessionID, &runID, &t.From, &t.To, &t.Trigger, &at); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "scan transition", err)
		}
		t.RunID = runID.String
		if t.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "parse transition time", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "iterate transition rows", err)
	}
	return out, nil
}

// SavePopup journals a recorded popup. runID is empty for popups seen
// outside a run, such as during the connect handshake.
func (s *SQLiteStore) SavePopup(sessionID, runID string, rec popup.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var testCase sql.NullString
	if rec.TestCase != nil {
		testCase = sql.NullString{String: *rec.TestCase, Valid: true}
	}
	const query = `
		INSERT OR REPLACE INTO popups
			(session_id, seq, run_id, observed_at, test_case, message, title, pop_id, kind, dismissed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		sessionID,
		rec.Seq,
		nullString(runID),
		rec.Timestamp.Format(time.RFC3339Nano),
		testCase,
		rec.Message,
		rec.Title,
		rec.PopID,
		string(rec.Kind),
		rec.Dismissed,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "save popup", err)
	}
	return nil
}

// ListPopups returns the popups journalled for a run, in observation order.
func (s *SQLiteStore) ListPopups(runID string) ([]popup.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT seq, observed_at, test_case, message, title, pop_id, kind, dismissed
		FROM popups WHERE run_id = ? ORDER BY seq
	`
	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "list popups", err)
	}
	defer rows.Close()

	records := make([]popup.Record, 0)
	for rows.Next() {
		var (
			rec      popup.Record
			at       string
			testCase sql.NullString
			kind     string
		)
		if err := rows.Scan(&rec.Seq, &at, &testCase, &rec.Message, &rec.Title, &rec.PopID, &kind, &rec.Dismissed); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "scan popup", err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, fmt.Sprintf("parse popup %d time", rec.Seq), err)
		}
		if testCase.Valid {
			name := testCase.String
			rec.TestCase = &name
		}
		rec.Kind = popup.Kind(kind)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "iterate popup rows", err)
	}
	return records, nil
}
