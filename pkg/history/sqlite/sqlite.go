// Package sqlite implements history.Store with one row per thread message,
// so updating one thread never rewrites the others.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/threadrun/pkg/domain"
	"github.com/nstogner/threadrun/pkg/history"
)

// Store implements history.Store using SQLite.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ history.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS history_threads (
		id TEXT PRIMARY KEY,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS history_messages (
		thread_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		files TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (thread_id, seq),
		FOREIGN KEY (thread_id) REFERENCES history_threads(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Upsert(ctx context.Context, threadID string, messages []domain.Message) error {
	if threadID == "" {
		return fmt.Errorf("thread ID is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history_threads (id, updated_at) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at=excluded.updated_at`,
		threadID, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("upsert thread: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM history_messages WHERE thread_id=?`, threadID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	for i, m := range messages {
		files := ""
		if len(m.Files) > 0 {
			b, err := json.Marshal(m.Files)
			if err != nil {
				return fmt.Errorf("encode file metadata: %w", err)
			}
			files = string(b)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO history_messages (thread_id, seq, role, content, files) VALUES (?, ?, ?, ?, ?)`,
			threadID, i, m.Role, m.Content, files,
		); err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}

	return tx.Commit()
}

func (s *Store) List(ctx context.Context) ([]domain.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, updated_at FROM history_threads ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	var entries []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		if err := rows.Scan(&e.ID, &e.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range entries {
		msgs, err := s.messages(ctx, entries[i].ID)
		if err != nil {
			return nil, err
		}
		entries[i].Messages = msgs
	}
	return entries, nil
}

func (s *Store) Get(ctx context.Context, threadID string) (*domain.HistoryEntry, error) {
	e := &domain.HistoryEntry{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, updated_at FROM history_threads WHERE id=?`, threadID,
	).Scan(&e.ID, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", history.ErrNotFound, threadID)
	}
	if err != nil {
		return nil, err
	}

	e.Messages, err = s.messages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) ListValid(ctx context.Context) ([]domain.HistoryEntry, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return history.FilterValid(entries), nil
}

func (s *Store) messages(ctx context.Context, threadID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, files FROM history_messages WHERE thread_id=? ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []domain.Message{}
	for rows.Next() {
		var (
			m     domain.Message
			files string
		)
		if err := rows.Scan(&m.Role, &m.Content, &files); err != nil {
			return nil, err
		}
		if files != "" {
			if err := json.Unmarshal([]byte(files), &m.Files); err != nil {
				slog.Warn("Dropping malformed file metadata", "threadID", threadID, "error", err)
				m.Files = nil
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
