// Package history persists conversation transcripts keyed by thread ID so a
// previous session can be picked up again.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/nstogner/threadrun/pkg/domain"
)

// ErrNotFound is returned by Get when no entry exists for a thread.
var ErrNotFound = errors.New("history entry not found")

// Store manages the local collection of thread transcripts.
// Malformed persisted data is treated as absent rather than reported.
type Store interface {
	// Upsert replaces the messages stored for threadID, or inserts a new
	// entry when none exists.
	Upsert(ctx context.Context, threadID string, messages []domain.Message) error

	// List returns every stored entry.
	List(ctx context.Context) ([]domain.HistoryEntry, error)

	// Get returns the entry for threadID or ErrNotFound.
	Get(ctx context.Context, threadID string) (*domain.HistoryEntry, error)

	// ListValid returns only entries with at least one user message. Entries
	// without one are kept but hidden.
	ListValid(ctx context.Context) ([]domain.HistoryEntry, error)

	// Close releases resources held by the store.
	Close() error
}

// FilterValid keeps the entries that contain a user-authored message.
func FilterValid(entries []domain.HistoryEntry) []domain.HistoryEntry {
	valid := make([]domain.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if e.HasUserMessage() {
			valid = append(valid, e)
		}
	}
	return valid
}

// Title is the label shown for an entry in a session picker: the first user
// message, or "Thread <id>" when there is none.
func Title(e domain.HistoryEntry) string {
	for _, m := range e.Messages {
		if m.Role == domain.RoleUser && m.Content != "" {
			return m.Content
		}
	}
	return fmt.Sprintf("Thread %s", e.ID)
}
