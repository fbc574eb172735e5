// Package sqliteutil centralizes the SQLite connection setup shared by the
// cost tracker, pattern store, and message bus: a single-connection pool
// (the teacher's pattern, since modernc.org/sqlite serializes better that
// way) with WAL journaling and a busy timeout, and a schema bootstrap step.
package sqliteutil

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (and creates, if necessary) a SQLite database at path and
// executes schema against it. A path of ":memory:" selects an in-memory
// database, used by tests and by durable-store callers that want a
// process-lifetime-only backend.
func Open(path string, schema string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// modernc.org/sqlite handles concurrent access better behind a single
	// connection, which also serializes every statement issued through it.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if schema != "" {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute schema: %w", err)
		}
	}

	return db, nil
}
