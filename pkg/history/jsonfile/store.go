// Package jsonfile implements history.Store as a single JSON document holding
// the whole collection. Every upsert reads the document, replaces or appends
// the entry and writes the document back.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nstogner/threadrun/pkg/domain"
	"github.com/nstogner/threadrun/pkg/history"
)

// DefaultFileName is the fixed key the collection is stored under.
const DefaultFileName = "chat_threads.json"

// Store implements history.Store using one JSON file.
type Store struct {
	path string
	mu   sync.Mutex
}

var _ history.Store = (*Store)(nil)

// New returns a store persisting to path. The parent directory is created if
// needed; the file itself is created on first write.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	return &Store{path: path}, nil
}

// Path returns the location of the backing file.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error { return nil }

func (s *Store) Upsert(ctx context.Context, threadID string, messages []domain.Message) error {
	if threadID == "" {
		return fmt.Errorf("thread ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.read()

	entry := domain.HistoryEntry{
		ID:        threadID,
		Messages:  domain.CloneMessages(messages),
		UpdatedAt: time.Now().UTC(),
	}
	if entry.Messages == nil {
		entry.Messages = []domain.Message{}
	}

	found := false
	for i := range entries {
		if entries[i].ID == threadID {
			entries[i] = entry
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, entry)
	}

	return s.write(entries)
}

func (s *Store) List(ctx context.Context) ([]domain.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(), nil
}

func (s *Store) Get(ctx context.Context, threadID string) (*domain.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.read() {
		if e.ID == threadID {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", history.ErrNotFound, threadID)
}

func (s *Store) ListValid(ctx context.Context) ([]domain.HistoryEntry, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return history.FilterValid(entries), nil
}

// read loads the collection. A missing or malformed file reads as empty and
// malformed entries are skipped.
func (s *Store) read() []domain.HistoryEntry {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return []domain.HistoryEntry{}
	}
	if err != nil {
		slog.Warn("Failed to read history file", "path", s.path, "error", err)
		return []domain.HistoryEntry{}
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Warn("Ignoring malformed history file", "path", s.path, "error", err)
		return []domain.HistoryEntry{}
	}

	entries := make([]domain.HistoryEntry, 0, len(raw))
	for _, r := range raw {
		var e domain.HistoryEntry
		if err := json.Unmarshal(r, &e); err != nil || e.ID == "" {
			slog.Warn("Skipping malformed history entry", "path", s.path)
			continue
		}
		if e.Messages == nil {
			e.Messages = []domain.Message{}
		}
		entries = append(entries, e)
	}
	return entries
}

// write replaces the file atomically.
func (s *Store) write(entries []domain.HistoryEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".history-*.json")
	if err != nil {
		return fmt.Errorf("create temp history file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close history: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace history file: %w", err)
	}
	return nil
}
