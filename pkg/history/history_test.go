package history

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nstogner/threadrun/pkg/domain"
)

func TestFilterValid(t *testing.T) {
	entries := []domain.HistoryEntry{
		{ID: "empty"},
		{ID: "assistant-only", Messages: []domain.Message{{Role: domain.RoleAssistant, Content: "Hi there"}}},
		{ID: "valid", Messages: []domain.Message{
			{Role: domain.RoleAssistant, Content: "Hi there"},
			{Role: domain.RoleUser, Content: "Hello"},
		}},
		{ID: "bogus-role", Messages: []domain.Message{{Role: "system", Content: "x"}}},
	}

	got := FilterValid(entries)
	if assert.Len(t, got, 1) {
		assert.Equal(t, "valid", got[0].ID)
	}
	assert.Empty(t, FilterValid(nil))
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "Thread T1", Title(domain.HistoryEntry{ID: "T1"}))
	assert.Equal(t, "what is 2+2?", Title(domain.HistoryEntry{ID: "T2", Messages: []domain.Message{
		{Role: domain.RoleAssistant, Content: "Welcome"},
		{Role: domain.RoleUser, Content: "what is 2+2?"},
		{Role: domain.RoleUser, Content: "and 3+3?"},
	}}))
}
