// Package store keeps an append-only SQLite journal of call transitions.
// The journal is written for operators and never read back into
// correlation state.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"callpop/internal/events"
)

// Store wraps SQLite access for the call journal.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			call_id TEXT,
			caller TEXT,
			extension TEXT,
			detail TEXT,
			created_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_events_call ON call_events(call_id);`,
		`CREATE TABLE IF NOT EXISTS calls (
			call_id TEXT PRIMARY KEY,
			caller TEXT,
			extension TEXT,
			status TEXT,
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Entry is one journaled transition.
type Entry struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	CallID    string    `json:"call_id"`
	Caller    string    `json:"caller"`
	Extension string    `json:"extension"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Call is the latest known status of one call.
type Call struct {
	CallID    string    `json:"call_id"`
	Caller    string    `json:"caller"`
	Extension string    `json:"extension"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record appends tr to the journal. Call transitions also update the call
// summary row; connection transitions are journaled only.
func (s *Store) Record(ctx context.Context, tr events.Transition) error {
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO call_events(kind, call_id, caller, extension, detail, created_at) VALUES(?,?,?,?,?,?)`,
		string(tr.Kind), tr.CallID, tr.Caller, tr.Extension, tr.Detail, at)
	if err != nil {
		return err
	}
	if tr.CallID != "" {
		_, err = tx.ExecContext(ctx, `INSERT INTO calls(call_id, caller, extension, status, created_at, updated_at)
			VALUES(?, ?, ?, ?, ?, ?)
			ON CONFLICT(call_id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at`,
			tr.CallID, tr.Caller, tr.Extension, status(tr), at, at)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func status(tr events.Transition) string {
	if tr.Kind == events.KindOpen || tr.Kind == events.KindEnded {
		return string(tr.Kind) + ":" + tr.Detail
	}
	return string(tr.Kind)
}

// Recent returns the newest journal entries first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, call_id, caller, extension, detail, created_at FROM call_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var callID, caller, ext, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &callID, &caller, &ext, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CallID, e.Caller, e.Extension, e.Detail = callID.String, caller.String, ext.String, detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListCalls returns the most recently updated calls first.
func (s *Store) ListCalls(ctx context.Context, limit int) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT call_id, caller, extension, status, created_at, updated_at FROM calls ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var calls []Call
	for rows.Next() {
		var c Call
		if err := rows.Scan(&c.CallID, &c.Caller, &c.Extension, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// Follow records every transition from ch until it closes or ctx ends.
// Write failures are logged and the transition is dropped.
func (s *Store) Follow(ctx context.Context, ch <-chan events.Transition) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-ch:
			if !ok {
				return
			}
			if err := s.Record(ctx, tr); err != nil {
				log.Printf("journal: record %s %s: %v", tr.Kind, tr.CallID, err)
			}
		}
	}
}

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}
