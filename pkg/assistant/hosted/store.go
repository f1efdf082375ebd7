package hosted

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/threadrun/pkg/assistant"
	"github.com/nstogner/threadrun/pkg/domain"
)

// ErrNotFound is returned when an assistant, thread, run or file does not exist.
var ErrNotFound = errors.New("not found")

// ErrActiveRun is returned by CreateRun when the thread already has an
// unexpired run that is not finished.
var ErrActiveRun = errors.New("thread has an active run")

// Assistant is a stored assistant definition.
type Assistant struct {
	ID        string
	Details   domain.AssistantDetails
	FileIDs   []string
	CreatedAt time.Time
}

// Store persists assistants, threads, messages, runs and files in SQLite.
type Store struct {
	db          *sql.DB
	subscribers []chan string
	mu          sync.RWMutex
}

// NewStore opens (or creates) a SQLite database at the given path and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
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
	CREATE TABLE IF NOT EXISTS assistants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		instructions TEXT NOT NULL DEFAULT '',
		file_ids TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		mime_type TEXT NOT NULL DEFAULT '',
		data BLOB,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS thread_messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		file_ids TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_thread_messages_seq ON thread_messages(thread_id, seq);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		assistant_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		status TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (assistant_id) REFERENCES assistants(id) ON DELETE CASCADE,
		FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Assistants ---

func (s *Store) CreateAssistant(ctx context.Context, a *Assistant) error {
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assistants (id, name, model, description, instructions, file_ids, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Details.Name, a.Details.Model, a.Details.Description, a.Details.Instructions,
		joinIDs(a.FileIDs), a.CreatedAt,
	)
	return err
}

func (s *Store) GetAssistant(ctx context.Context, id string) (*Assistant, error) {
	a := &Assistant{}
	var fileIDs string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, model, description, instructions, file_ids, created_at FROM assistants WHERE id = ?`, id,
	).Scan(&a.ID, &a.Details.Name, &a.Details.Model, &a.Details.Description, &a.Details.Instructions, &fileIDs, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assistant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.FileIDs = splitIDs(fileIDs)
	return a, nil
}

// --- Files ---

func (s *Store) CreateFile(ctx context.Context, id string, f domain.File) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, name, mime_type, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, f.Name, f.MIMEType, f.Data, time.Now().UTC(),
	)
	return err
}

func (s *Store) GetFile(ctx context.Context, id string) (*domain.File, error) {
	f := &domain.File{}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, mime_type, data FROM files WHERE id = ?`, id,
	).Scan(&f.Name, &f.MIMEType, &f.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	return f, err
}

// --- Threads ---

func (s *Store) CreateThread(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, created_at) VALUES (?, ?)`, id, time.Now().UTC())
	return err
}

func (s *Store) threadExists(ctx context.Context, id string) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads WHERE id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendMessage adds a message at the end of its thread. The ID must be set
// by the caller.
func (s *Store) AppendMessage(ctx context.Context, m *assistant.ThreadMessage) error {
	if err := s.threadExists(ctx, m.ThreadID); err != nil {
		return err
	}
	m.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var maxSeq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM thread_messages WHERE thread_id = ?`, m.ThreadID,
	).Scan(&maxSeq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO thread_messages (id, thread_id, run_id, role, content, file_ids, seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.RunID, string(m.Role), m.Content, joinIDs(m.FileIDs), maxSeq+1, m.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// Messages returns the thread's messages in chronological order.
func (s *Store) Messages(ctx context.Context, threadID string) ([]assistant.ThreadMessage, error) {
	if err := s.threadExists(ctx, threadID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, run_id, role, content, file_ids, created_at
		 FROM thread_messages WHERE thread_id = ? ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []assistant.ThreadMessage{}
	for rows.Next() {
		var m assistant.ThreadMessage
		var role, fileIDs string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.RunID, &role, &m.Content, &fileIDs, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		m.FileIDs = splitIDs(fileIDs)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Runs ---

// CreateRun persists a queued run and notifies subscribers. Runs of the same
// thread that are unfinished but past their deadline at r.CreatedAt are
// marked expired; any other unfinished run fails the call with ErrActiveRun.
// The check and the insert share one transaction.
func (s *Store) CreateRun(ctx context.Context, r *assistant.Run) error {
	if err := s.threadExists(ctx, r.ThreadID); err != nil {
		return err
	}
	if _, err := s.GetAssistant(ctx, r.AssistantID); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := expireOrReject(ctx, tx, r.ThreadID, r.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, assistant_id, thread_id, status, last_error, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AssistantID, r.ThreadID, string(r.Status), r.LastError, r.CreatedAt, r.ExpiresAt,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.notifySubscribers(r.ID)
	return nil
}

func expireOrReject(ctx context.Context, tx *sql.Tx, threadID string, now time.Time) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, expires_at FROM runs WHERE thread_id = ? AND status IN (?, ?, ?)`,
		threadID,
		string(assistant.RunStatusQueued), string(assistant.RunStatusInProgress), string(assistant.RunStatusCancelling),
	)
	if err != nil {
		return fmt.Errorf("active runs: %w", err)
	}
	var expired []string
	for rows.Next() {
		var (
			id        string
			expiresAt time.Time
		)
		if err := rows.Scan(&id, &expiresAt); err != nil {
			rows.Close()
			return err
		}
		if expiresAt.IsZero() || now.Before(expiresAt) {
			rows.Close()
			return fmt.Errorf("%w: %s", ErrActiveRun, id)
		}
		expired = append(expired, id)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range expired {
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, last_error = ? WHERE id = ?`,
			string(assistant.RunStatusExpired), "run expired", id,
		); err != nil {
			return fmt.Errorf("expire run %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*assistant.Run, error) {
	r := &assistant.Run{}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, assistant_id, thread_id, status, last_error, created_at, expires_at FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.AssistantID, &r.ThreadID, &status, &r.LastError, &r.CreatedAt, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	r.Status = assistant.RunStatus(status)
	return r, nil
}

// UpdateRunStatus moves a run to status unless it is already terminal. It
// reports whether the row changed.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status assistant.RunStatus, lastError string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, last_error = ? WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		string(status), lastError, id,
		string(assistant.RunStatusCompleted), string(assistant.RunStatusFailed),
		string(assistant.RunStatusCancelled), string(assistant.RunStatusExpired),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ActiveRun returns the non-terminal run of a thread, if any.
func (s *Store) ActiveRun(ctx context.Context, threadID string) (*assistant.Run, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM runs WHERE thread_id = ? AND status IN (?, ?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		threadID,
		string(assistant.RunStatusQueued), string(assistant.RunStatusInProgress), string(assistant.RunStatusCancelling),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id)
}

// QueuedRunIDs returns runs that were queued but never picked up, oldest
// first. Used to resume work after a restart.
func (s *Store) QueuedRunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE status = ? ORDER BY created_at ASC`, string(assistant.RunStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Subscribe returns a channel that emits run IDs whenever a run is queued.
func (s *Store) Subscribe() <-chan string {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) notifySubscribers(runID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- runID:
		default:
			// Dropped when the subscriber lags; the worker's periodic scan picks it up.
		}
	}
}

func joinIDs(ids []string) string { return strings.Join(ids, ",") }

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
