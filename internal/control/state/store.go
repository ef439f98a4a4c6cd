// Package state persists the dispatcher's observability record: the worker
// roster and a journal of lifecycle events. Only the master writes it;
// preforkctl reads it.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Event kinds recorded in the journal.
const (
	EventSpawned        = "spawned"
	EventExited         = "exited"
	EventCrashed        = "crashed"
	EventTimeoutFlagged = "timeout_flagged"
	EventStaleFlagged   = "stale_flagged"
	EventKilled         = "killed"
	EventSpawnFailed    = "spawn_failed"
	EventSlotParked     = "slot_parked"
	EventResized        = "resized"
	EventShutdownBegin  = "shutdown_begin"
	EventShutdownDone   = "shutdown_done"
)

// Worker states in the roster.
const (
	WorkerRunning = "running"
	WorkerGone    = "gone"
)

type Event struct {
	At       time.Time
	Kind     string
	WorkerID string
	PID      int
	Detail   string
}

type WorkerRow struct {
	WorkerID  string
	Slot      int
	PID       int
	State     string
	SpawnedAt time.Time
	UpdatedAt time.Time
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at TEXT NOT NULL,
	kind TEXT NOT NULL,
	worker_id TEXT NOT NULL DEFAULT '',
	pid INTEGER NOT NULL DEFAULT 0,
	detail TEXT NOT NULL DEFAULT ''
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize events schema: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS workers (
	worker_id TEXT PRIMARY KEY,
	slot INTEGER NOT NULL,
	pid INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	spawned_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize workers schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) RecordEvent(ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO events (at, kind, worker_id, pid, detail) VALUES (?, ?, ?, ?, ?)`,
		at.UTC().Format(time.RFC3339Nano), ev.Kind, ev.WorkerID, ev.PID, ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("record event %s: %w", ev.Kind, err)
	}
	return nil
}

func (s *Store) UpsertWorker(row WorkerRow) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
INSERT INTO workers (worker_id, slot, pid, state, spawned_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(worker_id) DO UPDATE SET
	slot = excluded.slot,
	pid = excluded.pid,
	state = excluded.state,
	updated_at = excluded.updated_at`,
		row.WorkerID, row.Slot, row.PID, row.State,
		row.SpawnedAt.UTC().Format(time.RFC3339Nano), now,
	)
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", row.WorkerID, err)
	}
	return nil
}

// ListWorkers returns the roster, current workers first, then reaped ones by
// recency.
func (s *Store) ListWorkers() ([]WorkerRow, error) {
	rows, err := s.db.Query(
		`SELECT worker_id, slot, pid, state, spawned_at, updated_at
		 FROM workers ORDER BY state = ? DESC, updated_at DESC`, WorkerRunning)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []WorkerRow
	for rows.Next() {
		var row WorkerRow
		var spawnedAt, updatedAt string
		if err := rows.Scan(&row.WorkerID, &row.Slot, &row.PID, &row.State, &spawnedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan worker row: %w", err)
		}
		row.SpawnedAt, _ = time.Parse(time.RFC3339Nano, spawnedAt)
		row.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, row)
	}
	return out, rows.Err()
}

// RecentEvents returns up to limit journal entries, newest first.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT at, kind, worker_id, pid, detail FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var ev Event
		var at string
		if err := rows.Scan(&at, &ev.Kind, &ev.WorkerID, &ev.PID, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, ev)
	}
	return out, rows.Err()
}
