package hosted

import (
	"context"
	"errors"
	"sync"

	"github.com/nstogner/threadrun/pkg/domain"
	"github.com/nstogner/threadrun/pkg/model"
)

// MockModel answers every request with Response and records what it saw.
type MockModel struct {
	Response string
	Err      error
	// Block, when set, is waited on before answering.
	Block chan struct{}

	mu           sync.Mutex
	calls        int
	lastModel    string
	instructions string
	messages     []model.Message
}

var _ model.Provider = (*MockModel)(nil)

func (m *MockModel) Name() string { return "mock" }

func (m *MockModel) List(ctx context.Context) ([]domain.Model, error) {
	return []domain.Model{{ID: "mock-model", Name: "Mock", Provider: "mock"}}, nil
}

func (m *MockModel) Stream(ctx context.Context, modelName, instructions string, messages []model.Message) (model.ModelStream, error) {
	m.mu.Lock()
	m.calls++
	m.lastModel = modelName
	m.instructions = instructions
	m.messages = messages
	m.mu.Unlock()

	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return &MockStream{Msg: model.TextMessage(domain.RoleAssistant, m.Response)}, nil
}

func (m *MockModel) seen() (int, string, string, []model.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls, m.lastModel, m.instructions, m.messages
}

type MockStream struct {
	Msg model.Message
}

func (s *MockStream) FullMessage() (model.Message, error) {
	if s.Msg.Text() == "" {
		return model.Message{}, errors.New("empty")
	}
	return s.Msg, nil
}

func (s *MockStream) Close() error { return nil }
