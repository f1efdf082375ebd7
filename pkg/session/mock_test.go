package session

import (
	"context"
	"errors"
	"sync"

	"github.com/nstogner/threadrun/pkg/assistant"
	"github.com/nstogner/threadrun/pkg/domain"
)

// MockClient is a scripted assistant.Client. Unset hooks succeed with fixed
// identifiers.
type MockClient struct {
	mu sync.Mutex

	AssistantID string
	ThreadID    string
	RunID       string
	Reply       string

	CreateAssistantErr error
	CreateThreadErr    error
	CreateRunErr       error
	SubmitErr          error

	// Statuses is consumed one per RetrieveRun call; the last one repeats.
	Statuses []assistant.RunStatus
	// RetrieveErrs is consumed one per RetrieveRun call before Statuses.
	RetrieveErrs []error
	// History overrides the thread messages returned by ListMessages.
	History []assistant.ThreadMessage

	UploadIDs map[string]string

	Calls       []string
	Submitted   []string
	SubmitFiles [][]string
	Seeds       []string
	retrieves   int
}

func (m *MockClient) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

func (m *MockClient) CreateAssistant(ctx context.Context, details domain.AssistantDetails, fileIDs []string) (string, error) {
	m.record("CreateAssistant")
	return m.AssistantID, m.CreateAssistantErr
}

func (m *MockClient) CreateThread(ctx context.Context, seed string) (string, error) {
	m.record("CreateThread")
	m.mu.Lock()
	m.Seeds = append(m.Seeds, seed)
	m.mu.Unlock()
	return m.ThreadID, m.CreateThreadErr
}

func (m *MockClient) CreateRun(ctx context.Context, assistantID, threadID string) (string, error) {
	m.record("CreateRun")
	return m.RunID, m.CreateRunErr
}

func (m *MockClient) SubmitMessage(ctx context.Context, threadID, content string, fileIDs []string) error {
	m.record("SubmitMessage")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Submitted = append(m.Submitted, content)
	m.SubmitFiles = append(m.SubmitFiles, fileIDs)
	return m.SubmitErr
}

func (m *MockClient) UploadFile(ctx context.Context, file domain.File) (string, error) {
	m.record("UploadFile")
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.UploadIDs[file.Name]
	if !ok {
		return "", errors.New("unknown file")
	}
	return id, nil
}

func (m *MockClient) RetrieveRun(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
	m.record("RetrieveRun")
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.retrieves
	m.retrieves++
	if n < len(m.RetrieveErrs) && m.RetrieveErrs[n] != nil {
		return nil, m.RetrieveErrs[n]
	}
	status := assistant.RunStatusCompleted
	if len(m.Statuses) > 0 {
		i := n
		if i >= len(m.Statuses) {
			i = len(m.Statuses) - 1
		}
		status = m.Statuses[i]
	}
	return &assistant.Run{ID: runID, ThreadID: threadID, Status: status}, nil
}

func (m *MockClient) ListMessages(ctx context.Context, threadID string) ([]assistant.ThreadMessage, error) {
	m.record("ListMessages")
	if m.History != nil {
		return m.History, nil
	}
	return []assistant.ThreadMessage{{ThreadID: threadID, Role: domain.RoleAssistant, Content: m.Reply}}, nil
}

func (m *MockClient) count(call string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c == call {
			n++
		}
	}
	return n
}

// MemoryHistory is an in-memory history.Store.
type MemoryHistory struct {
	mu      sync.Mutex
	entries []domain.HistoryEntry
}

func (h *MemoryHistory) Upsert(ctx context.Context, threadID string, msgs []domain.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.entries {
		if h.entries[i].ID == threadID {
			h.entries[i].Messages = domain.CloneMessages(msgs)
			return nil
		}
	}
	h.entries = append(h.entries, domain.HistoryEntry{ID: threadID, Messages: domain.CloneMessages(msgs)})
	return nil
}

func (h *MemoryHistory) List(ctx context.Context) ([]domain.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.HistoryEntry(nil), h.entries...), nil
}

func (h *MemoryHistory) Get(ctx context.Context, threadID string) (*domain.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.entries {
		if e.ID == threadID {
			return &e, nil
		}
	}
	return nil, errors.New("not found")
}

func (h *MemoryHistory) ListValid(ctx context.Context) ([]domain.HistoryEntry, error) {
	return h.List(ctx)
}

func (h *MemoryHistory) Close() error { return nil }

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) statuses() []string {
	var out []string
	for _, e := range r.ofType(EventStatus) {
		out = append(out, e.Status)
	}
	return out
}

func (r *recorder) progress() []int {
	var out []int
	for _, e := range r.ofType(EventProgress) {
		out = append(out, e.Progress)
	}
	return out
}
