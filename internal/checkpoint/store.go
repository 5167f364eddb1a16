// Package checkpoint persists collector progress: per-source poll cursors
// and the durable event-ID dedupe index. Both survive restarts so a crash
// between polling and committing replays at-least-once into an idempotent
// pipeline.
package checkpoint

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS cursors (
	source     TEXT PRIMARY KEY,
	cursor     TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS seen_events (
	event_id   TEXT PRIMARY KEY,
	first_seen DATETIME NOT NULL
);
`

// Store wraps the SQLite checkpoint database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the checkpoint database in dataDir. Pass
// ":memory:" for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("checkpoint: create data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "checkpoints.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: ping database: %w", err)
	}

	// Single connection avoids "database is locked" under the poll cycle.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: set journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cursor returns the last committed cursor for a source, or "" if none.
func (s *Store) Cursor(source string) (string, error) {
	var cursor string
	err := s.db.QueryRow(`SELECT cursor FROM cursors WHERE source = ?`, source).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("checkpoint: read cursor for %s: %w", source, err)
	}
	return cursor, nil
}

// Seen reports whether an event ID is already in the dedupe index.
func (s *Store) Seen(eventID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM seen_events WHERE event_id = ?`, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checkpoint: probe event %s: %w", eventID, err)
	}
	return true, nil
}

// Commit atomically advances source cursors and marks a batch of event IDs
// seen. Called only after the batch is durably appended to the store, so a
// crash in between re-polls the same records into the dedupe filter.
func (s *Store) Commit(cursors map[string]string, eventIDs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("checkpoint: begin commit: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for source, cursor := range cursors {
		if _, err := tx.Exec(
			`INSERT INTO cursors (source, cursor, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(source) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
			source, cursor, now,
		); err != nil {
			return fmt.Errorf("checkpoint: advance cursor for %s: %w", source, err)
		}
	}
	for _, id := range eventIDs {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO seen_events (event_id, first_seen) VALUES (?, ?)`,
			id, now,
		); err != nil {
			return fmt.Errorf("checkpoint: mark event %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("checkpoint: commit: %w", err)
	}
	return nil
}

// MarkSeen inserts event IDs without touching cursors. Used when seeding
// the dedupe index from store replay on cold start.
func (s *Store) MarkSeen(eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	return s.Commit(nil, eventIDs)
}

// PruneSeen drops dedupe entries first seen before the horizon. Event IDs
// older than the store's own retention can no longer recur from any
// source cursor.
func (s *Store) PruneSeen(horizon time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM seen_events WHERE first_seen < ?`, horizon.UTC())
	if err != nil {
		return 0, fmt.Errorf("checkpoint: prune seen events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
