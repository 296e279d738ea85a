// Package taskdb implements the local replica store: an on-disk,
// single-owner materialization of the remote task list.
//
// The store is embedded SQLite (WAL mode) holding one row per task plus a
// small metadata table tracking the last server version applied. It is NOT
// safe for concurrent use; the replica coordinator confines every handle
// to a single worker goroutine.
package taskdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/inkybridge/inkybridge/internal/task"
)

// FileName is the replica database file within the data directory.
const FileName = "replica.db"

// Store is an exclusive handle to the on-disk replica.
//
// Exactly one Store may be live at a time for a given path. The caller
// MUST call Close() before opening another handle at the same path.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the replica database inside dataDir.
//
// The database is opened in embedded mode with WAL enabled. The schema is
// created if missing; opening is idempotent.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dataDir, FileName)
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open replica database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping replica database: %w", err)
	}

	// Single-owner handle: one connection, no pool.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates the replica tables if they don't exist.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		uuid TEXT PRIMARY KEY,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the handle. Checkpoints the WAL so a subsequent open (or an
// out-of-band reader) observes all applied changes.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close replica database: %w", err)
	}
	s.conn = nil
	return nil
}

// Path returns the replica database file path.
func (s *Store) Path() string {
	return s.path
}

// ReadAll returns every task currently materialized in the replica.
//
// Rows whose stored data cannot be decoded are returned as entries with a
// nil Data map so the caller's conversion layer can log and skip them
// without aborting the read.
func (s *Store) ReadAll() ([]task.Entry, error) {
	rows, err := s.conn.Query(`SELECT uuid, data FROM tasks ORDER BY uuid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var entries []task.Entry
	for rows.Next() {
		var uuid, raw string
		if err := rows.Scan(&uuid, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}

		var data map[string]string
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			entries = append(entries, task.Entry{UUID: uuid, Data: nil})
			continue
		}
		entries = append(entries, task.Entry{UUID: uuid, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read task rows: %w", err)
	}

	return entries, nil
}

// Version returns the last server version applied, or "" if the replica
// has never synced.
func (s *Store) Version() (string, error) {
	var v string
	err := s.conn.QueryRow(`SELECT value FROM sync_meta WHERE key = 'server_version'`).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read server version: %w", err)
	}
	return v, nil
}
