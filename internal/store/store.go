// Package store persists instance and task records in SQLite.
// It is the single record store shared by the task queue processor,
// the lifecycle tools and the terminal proxy; every mutation the tools
// perform is a single-row, ownership-scoped UPDATE so that concurrent
// readers (terminal sessions) interleave safely.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// ErrNotFound is returned when a record doesn't exist or is not owned
// by the caller. Ownership mismatches are indistinguishable from
// missing records so existence is not leaked across users.
var ErrNotFound = errors.New("record not found")

// Store wraps the SQLite database holding instances and tasks.
type Store struct {
	db *sql.DB
}

// Open opens or creates the record store at path.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// The queue processor and terminal proxy share this handle;
	// modernc sqlite serializes writes, a single connection avoids
	// SQLITE_BUSY on concurrent access.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			channel       TEXT NOT NULL DEFAULT '',
			bot_token     TEXT,
			ai_provider   TEXT,
			api_key       TEXT,
			region        TEXT NOT NULL DEFAULT '',
			instance_type TEXT NOT NULL DEFAULT '',
			user_id       TEXT NOT NULL,
			status        TEXT NOT NULL,
			container_id  TEXT,
			port          INTEGER,
			gateway_token TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_instances_user ON instances(user_id);
		CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);

		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			type        TEXT NOT NULL,
			params      TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			instance_id TEXT,
			status      TEXT NOT NULL,
			result      TEXT,
			error       TEXT,
			trace_id    TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);
	`)
	if err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
