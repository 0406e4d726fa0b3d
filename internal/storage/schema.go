package storage

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// initSchema applies every migration newer than the recorded version.
func (s *SQLiteStore) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	migrations := []func() error{s.migrateToV1, s.migrateToV2}
	for i, migrate := range migrations {
		if version < i+1 {
			if err := migrate(); err != nil {
				return fmt.Errorf("migrate to v%d: %w", i+1, err)
			}
		}
	}
	return nil
}

// migrateToV1 creates the runs and transitions tables.
func (s *SQLiteStore) migrateToV1() error {
	s.logger.Info("applying migration", zap.Int("schema_version", 1))

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Timestamps are RFC3339Nano strings; tests is a JSON array.
	const runsTable = `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			project TEXT NOT NULL DEFAULT '',
			tests TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			outcome TEXT NOT NULL DEFAULT 'running',
			final_status TEXT NOT NULL DEFAULT '',
			last_test_case TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`
	if _, err := tx.Exec(runsTable); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}

	// Transitions outside a run (launch, connect, disconnect) have no run_id.
	const transitionsTable = `
		CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			run_id TEXT,
			from_phase TEXT NOT NULL,
			to_phase TEXT NOT NULL,
			trigger_name TEXT NOT NULL,
			at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(session_id);
		CREATE INDEX IF NOT EXISTS idx_transitions_run ON transitions(run_id);
	`
	if _, err := tx.Exec(transitionsTable); err != nil {
		return fmt.Errorf("create transitions table: %w", err)
	}

	if err := recordMigration(tx, 1); err != nil {
		return err
	}
	return tx.Commit()
}

// migrateToV2 adds the popups table.
func (s *SQLiteStore) migrateToV2() error {
	s.logger.Info("applying migration", zap.Int("schema_version", 2))

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// seq is the recorder's sequence number, unique per session.
	const popupsTable = `
		CREATE TABLE IF NOT EXISTS popups (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			run_id TEXT,
			observed_at TEXT NOT NULL,
			test_case TEXT,
			message TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			pop_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			dismissed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_popups_run ON popups(run_id);
	`
	if _, err := tx.Exec(popupsTable); err != nil {
		return fmt.Errorf("create popups table: %w", err)
	}

	if err := recordMigration(tx, 2); err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion returns the current database schema version.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return version, nil
}

func recordMigration(tx *sql.Tx, version int) error {
	_, err := tx.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}
