// Package storage is the run journal: every test run, every phase transition
// and every popup, kept in SQLite for the history command.
package storage

import (
	"errors"
	"fmt"
	"sync"

	// SQLite driver - imported for side effects (registers the driver).
	// modernc.org/sqlite is pure Go, so no CGO is needed on the test bench PC.
	"database/sql"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	apperrors "github.com/grltest/grlctl/internal/errors"
)

// ErrRunNotFound is returned when an operation targets a run that was never journalled.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore is the run journal. It creates the database and tables on
// first use and supports concurrent access through internal locking.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewSQLiteStore opens or creates the journal at path.
// Use ":memory:" for an in-memory database (useful for testing).
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("opening database", zap.String("path", path))

	// busy_timeout covers a history command reading while a run is writing.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "open database", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "ping database", err)
	}

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "init schema", err)
	}

	logger.Debug("database ready", zap.Int("schema_version", currentSchemaVersion))
	return store, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
