// Package mailstore is the sqlite-backed stand-in for the daemon's
// out-of-scope persistent mailbox database: just enough schema for the
// Completion Notifier (C8) to load "latest mailbox state" for a thread and
// for the `reset` CLI verb to wipe it, grounded on the teacher's
// internal/persistence store (busy-retry, WAL pragmas, migration ledger),
// scaled down to this core's actual needs.
package mailstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion = 1
)

// MailboxState is the fan-out payload the Event Bus broadcasts whenever a
// state-changing callable completes (spec §4.8).
type MailboxState struct {
	ThreadID    string    `json:"thread_id"`
	Subject     string    `json:"subject"`
	Summary     string    `json:"summary,omitempty"`
	UnreadCount int       `json:"unread_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is the mailbox database handle.
type Store struct {
	db *sql.DB
}

// DefaultPath returns <homeDir>/mailbox.db.
func DefaultPath(homeDir string) string {
	return filepath.Join(homeDir, "mailbox.db")
}

// Open opens (creating if necessary) the sqlite mailbox database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create mailstore dir: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=NORMAL;"} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS mailbox_threads (
			thread_id TEXT PRIMARY KEY,
			subject TEXT NOT NULL DEFAULT '',
			summary TEXT,
			unread_count INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create mailbox_threads: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO schema_migrations (version) VALUES (?);
	`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// UpsertThread writes (or refreshes) a thread's mailbox state, as a task
// callable does after processing it (e.g. process_inbox_thread).
func (s *Store) UpsertThread(ctx context.Context, state MailboxState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mailbox_threads (thread_id, subject, summary, unread_count, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(thread_id) DO UPDATE SET
			subject = excluded.subject,
			summary = excluded.summary,
			unread_count = excluded.unread_count,
			updated_at = CURRENT_TIMESTAMP;
	`, state.ThreadID, state.Subject, nullableString(state.Summary), state.UnreadCount)
	if err != nil {
		return fmt.Errorf("upsert mailbox thread: %w", err)
	}
	return nil
}

// LatestState loads the mailbox state for threadID, as the Completion
// Notifier does before calling EventBus.Broadcast.
func (s *Store) LatestState(ctx context.Context, threadID string) (MailboxState, error) {
	var state MailboxState
	var summary sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, subject, summary, unread_count, updated_at
		FROM mailbox_threads WHERE thread_id = ?;
	`, threadID).Scan(&state.ThreadID, &state.Subject, &summary, &state.UnreadCount, &state.UpdatedAt)
	if err != nil {
		return MailboxState{}, fmt.Errorf("load mailbox thread %q: %w", threadID, err)
	}
	state.Summary = summary.String
	return state, nil
}

// Reset truncates all mailbox state, backing the `inboxd reset` CLI verb.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mailbox_threads;`); err != nil {
		return fmt.Errorf("reset mailbox_threads: %w", err)
	}
	return nil
}

// MarshalState is a small convenience used by callables that need to hand a
// MailboxState to the shared cache as an opaque blob.
func MarshalState(state MailboxState) ([]byte, error) {
	return json.Marshal(state)
}

func nullableString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
