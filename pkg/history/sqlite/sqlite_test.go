package sqlite

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/threadrun/pkg/domain"
	"github.com/nstogner/threadrun/pkg/history"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpFile := t.TempDir() + "/history.db"
	s, err := New(tmpFile)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		os.Remove(tmpFile)
	})
	return s
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "Hello", Files: []domain.FileMeta{{Name: "a.txt", Type: "text/plain", Size: 3}}},
		{Role: domain.RoleAssistant, Content: "Hi there"},
	}
	require.NoError(t, s.Upsert(ctx, "T1", msgs))
	require.NoError(t, s.Upsert(ctx, "T1", msgs))

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "T1", entries[0].ID)
	assert.Equal(t, msgs, entries[0].Messages)
}

func TestUpsertShrinksMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "T1", []domain.Message{
		{Role: domain.RoleUser, Content: "a"},
		{Role: domain.RoleAssistant, Content: "b"},
		{Role: domain.RoleUser, Content: "c"},
	}))
	require.NoError(t, s.Upsert(ctx, "T1", []domain.Message{{Role: domain.RoleAssistant, Content: "b"}}))

	got, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Message{{Role: domain.RoleAssistant, Content: "b"}}, got.Messages)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestListValid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "T1", []domain.Message{{Role: domain.RoleAssistant, Content: "Hi there"}}))
	require.NoError(t, s.Upsert(ctx, "T2", []domain.Message{{Role: domain.RoleUser, Content: "Hello"}}))
	require.NoError(t, s.Upsert(ctx, "T3", nil))

	valid, err := s.ListValid(ctx)
	require.NoError(t, err)
	require.Len(t, valid, 1)
	assert.Equal(t, "T2", valid[0].ID)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
