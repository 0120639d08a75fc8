// Package metadata persists the per-entry facts that cannot be derived
// from a stat call: the origin's Content-Type and the raw source URL.
// The sidecar is advisory — the chunk store works without it, and callers
// fall back to extension-based MIME lookup when a row is missing.
package metadata

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the sqlite-backed metadata sidecar.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sidecar database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate metadata db: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			key          TEXT PRIMARY KEY,
			source_url   TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			complete     INTEGER NOT NULL DEFAULT 0,
			created_at   TIMESTAMP NOT NULL
		)`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Put records (or replaces) the metadata row for a key at write start.
func (s *Store) Put(key, sourceURL, contentType string) error {
	_, err := s.db.Exec(`
		INSERT INTO entries (key, source_url, content_type, complete, created_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(key) DO UPDATE SET
			source_url = excluded.source_url,
			content_type = excluded.content_type,
			complete = 0`,
		key, sourceURL, contentType, time.Now().UTC())
	return err
}

// MarkComplete flags a key's row after its origin stream finished.
func (s *Store) MarkComplete(key string) error {
	_, err := s.db.Exec(`UPDATE entries SET complete = 1 WHERE key = ?`, key)
	return err
}

// ContentType returns the stored origin Content-Type for key. The second
// return is false when no row exists.
func (s *Store) ContentType(key string) (string, bool) {
	var ct string
	err := s.db.QueryRow(`SELECT content_type FROM entries WHERE key = ?`, key).Scan(&ct)
	if err != nil {
		return "", false
	}
	return ct, ct != ""
}

// SourceURL returns the recorded source URL for key, for diagnostics.
func (s *Store) SourceURL(key string) (string, bool) {
	var u string
	err := s.db.QueryRow(`SELECT source_url FROM entries WHERE key = ?`, key).Scan(&u)
	if err != nil {
		return "", false
	}
	return u, true
}

// Delete drops the row for key, called when the janitor evicts the entry.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM entries WHERE key = ?`, key)
	return err
}
