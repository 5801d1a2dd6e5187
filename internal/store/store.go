// Package store persists packflow state in SQLite: tracked projects, the
// global configuration singleton, and tasks with their steps. All mutations
// that touch more than one row run inside a transaction. Optional columns
// are nullable; readers must tolerate NULL in every one of them because the
// schema grows columns over time.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a task mutation is not legal from
// the task's current status.
var ErrInvalidTransition = errors.New("invalid state transition")

// Store wraps the SQLite database. Use ":memory:" for tests.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writes; sqlite allows one writer
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between the pool's writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		review_forge_url TEXT,
		review_forge_branch TEXT,
		mirror_forge_url TEXT,
		mirror_forge_branch TEXT,
		mirror_clone_url TEXT,
		package_service_alias TEXT,
		clone_path TEXT,
		clone_state TEXT NOT NULL DEFAULT 'pending',
		clone_error TEXT,
		last_known_head TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS global_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		ldap_username TEXT,
		ldap_password TEXT,
		maintainer_name TEXT,
		maintainer_email TEXT,
		forge_username TEXT,
		forge_token TEXT,
		mirror_forge_base TEXT,
		crp_branch_id INTEGER,
		crp_topic_type TEXT,
		proxy_url TEXT,
		clone_root TEXT,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS build_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL,
		project_name TEXT NOT NULL,
		mode TEXT NOT NULL,
		version TEXT NOT NULL,
		architectures TEXT,
		topic_id INTEGER,
		topic_name TEXT,
		start_head TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		current_step_index INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		review_branch TEXT,
		review_number INTEGER,
		review_url TEXT,
		review_state TEXT,
		mirror_synced INTEGER NOT NULL DEFAULT 0,
		mirror_head TEXT,
		build_id TEXT,
		build_state TEXT,
		build_url TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON build_tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_created ON build_tasks(created_at);

	CREATE TABLE IF NOT EXISTS build_task_steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		step_order INTEGER NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		log TEXT,
		error TEXT,
		started_at INTEGER,
		completed_at INTEGER,
		retry_count INTEGER NOT NULL DEFAULT 0,
		UNIQUE(task_id, step_order)
	);
	CREATE INDEX IF NOT EXISTS idx_steps_task ON build_task_steps(task_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// inTx runs fn inside a transaction, committing on nil error.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// nullable column helpers

func nullStr(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func strOf(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func intOf(v sql.NullInt64) int64 {
	if v.Valid {
		return v.Int64
	}
	return 0
}

func timeOf(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func now() int64 { return time.Now().Unix() }
