// Package hosted implements assistant.Client locally: assistants, threads and
// runs live in SQLite and runs are answered by a model.Provider from a worker
// loop.
package hosted

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/threadrun/pkg/assistant"
	"github.com/nstogner/threadrun/pkg/domain"
	"github.com/nstogner/threadrun/pkg/model"
)

// DefaultRunExpiry is how long a run may stay unfinished before it expires.
const DefaultRunExpiry = 10 * time.Minute

// DefaultRescanInterval is how often the worker looks for queued runs whose
// notification was missed.
const DefaultRescanInterval = 5 * time.Second

// Config configures a Service.
type Config struct {
	// DefaultModel is used for assistants created without a model.
	DefaultModel string
	// RunExpiry bounds how long a run may stay queued or in progress.
	RunExpiry time.Duration
	// RescanInterval is the period of the worker's queued run scan.
	RescanInterval time.Duration
}

// Service is an assistant.Client backed by a Store and a model.Provider.
type Service struct {
	store    *Store
	provider model.Provider
	cfg      Config
	now      func() time.Time
}

var _ assistant.Client = (*Service)(nil)

// New creates a Service. Call Start to process runs.
func New(store *Store, provider model.Provider, cfg Config) *Service {
	if cfg.RunExpiry <= 0 {
		cfg.RunExpiry = DefaultRunExpiry
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = DefaultRescanInterval
	}
	return &Service{
		store:    store,
		provider: provider,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Models lists the models the provider can answer runs with.
func (s *Service) Models(ctx context.Context) ([]domain.Model, error) {
	return s.provider.List(ctx)
}

func (s *Service) CreateAssistant(ctx context.Context, details domain.AssistantDetails, fileIDs []string) (string, error) {
	if details.Model == "" {
		details.Model = s.cfg.DefaultModel
	}
	if details.Model == "" {
		return "", fmt.Errorf("%w: model is required", assistant.ErrAssistantCreation)
	}
	for _, id := range fileIDs {
		if _, err := s.store.GetFile(ctx, id); err != nil {
			return "", fmt.Errorf("%w: %w", assistant.ErrAssistantCreation, err)
		}
	}

	a := &Assistant{ID: "asst_" + uuid.New().String(), Details: details, FileIDs: fileIDs}
	if err := s.store.CreateAssistant(ctx, a); err != nil {
		return "", fmt.Errorf("%w: %w", assistant.ErrAssistantCreation, err)
	}
	slog.Debug("Hosted assistant created", "assistantID", a.ID, "model", details.Model)
	return a.ID, nil
}

func (s *Service) CreateThread(ctx context.Context, seedMessage string) (string, error) {
	id := "thread_" + uuid.New().String()
	if err := s.store.CreateThread(ctx, id); err != nil {
		return "", fmt.Errorf("%w: %w", assistant.ErrThreadCreation, err)
	}
	if seedMessage != "" {
		if err := s.appendUser(ctx, id, seedMessage, nil); err != nil {
			return "", fmt.Errorf("%w: seeding: %w", assistant.ErrThreadCreation, err)
		}
	}
	return id, nil
}

func (s *Service) SubmitMessage(ctx context.Context, threadID, content string, fileIDs []string) error {
	active, err := s.store.ActiveRun(ctx, threadID)
	if err != nil {
		return fmt.Errorf("%w: %w", assistant.ErrMessageSubmission, err)
	}
	if active != nil && !s.expire(ctx, active) {
		return fmt.Errorf("%w: thread %s has active run %s", assistant.ErrMessageSubmission, threadID, active.ID)
	}
	for _, id := range fileIDs {
		if _, err := s.store.GetFile(ctx, id); err != nil {
			return fmt.Errorf("%w: %w", assistant.ErrMessageSubmission, err)
		}
	}
	if err := s.appendUser(ctx, threadID, content, fileIDs); err != nil {
		return fmt.Errorf("%w: %w", assistant.ErrMessageSubmission, err)
	}
	return nil
}

func (s *Service) UploadFile(ctx context.Context, file domain.File) (string, error) {
	if file.Name == "" {
		return "", fmt.Errorf("%w: file name is required", assistant.ErrFileUpload)
	}
	id := "file_" + uuid.New().String()
	if err := s.store.CreateFile(ctx, id, file); err != nil {
		return "", fmt.Errorf("%w: %w", assistant.ErrFileUpload, err)
	}
	slog.Debug("Hosted file uploaded", "fileID", id, "name", file.Name, "size", len(file.Data))
	return id, nil
}

// CreateRun queues a run. The worker started by Start picks it up. A thread
// holds at most one unfinished run.
func (s *Service) CreateRun(ctx context.Context, assistantID, threadID string) (string, error) {
	now := s.now()
	run := &assistant.Run{
		ID:          "run_" + uuid.New().String(),
		AssistantID: assistantID,
		ThreadID:    threadID,
		Status:      assistant.RunStatusQueued,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.RunExpiry),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("%w: thread %s: %w", assistant.ErrRunCreation, threadID, err)
	}
	return run.ID, nil
}

func (s *Service) RetrieveRun(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.ThreadID != threadID {
		return nil, fmt.Errorf("run %s does not belong to thread %s: %w", runID, threadID, ErrNotFound)
	}
	if s.expire(ctx, run) {
		return s.store.GetRun(ctx, runID)
	}
	return run, nil
}

// ListMessages returns the thread's messages, most recent first.
func (s *Service) ListMessages(ctx context.Context, threadID string) ([]assistant.ThreadMessage, error) {
	msgs, err := s.store.Messages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// expire marks an unfinished run past its deadline as expired and reports
// whether the run is no longer active.
func (s *Service) expire(ctx context.Context, run *assistant.Run) bool {
	if run.Status.Terminal() {
		return true
	}
	if run.ExpiresAt.IsZero() || s.now().Before(run.ExpiresAt) {
		return false
	}
	if _, err := s.store.UpdateRunStatus(ctx, run.ID, assistant.RunStatusExpired, "run expired"); err != nil {
		slog.Error("Failed to expire run", "runID", run.ID, "error", err)
		return false
	}
	slog.Warn("Run expired", "runID", run.ID, "threadID", run.ThreadID)
	return true
}

func (s *Service) appendUser(ctx context.Context, threadID, content string, fileIDs []string) error {
	return s.store.AppendMessage(ctx, &assistant.ThreadMessage{
		ID:       "msg_" + uuid.New().String(),
		ThreadID: threadID,
		Role:     domain.RoleUser,
		Content:  content,
		FileIDs:  fileIDs,
	})
}

// buildInstructions joins the assistant's description and instructions into
// the system prompt.
func buildInstructions(d domain.AssistantDetails) string {
	var parts []string
	if d.Name != "" {
		parts = append(parts, "Your name is "+d.Name+".")
	}
	if d.Description != "" {
		parts = append(parts, d.Description)
	}
	if d.Instructions != "" {
		parts = append(parts, d.Instructions)
	}
	return strings.Join(parts, "\n\n")
}
