package hosted

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/threadrun/pkg/assistant"
	"github.com/nstogner/threadrun/pkg/domain"
	"github.com/nstogner/threadrun/pkg/model"
)

// Start processes queued runs until ctx is cancelled. Runs left queued by a
// previous process are picked up first, and the queue is scanned again every
// RescanInterval for runs whose notification was dropped.
func (s *Service) Start(ctx context.Context) error {
	events := s.store.Subscribe()

	if err := s.processQueued(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case runID := <-events:
			s.process(ctx, runID)
		case <-ticker.C:
			if err := s.processQueued(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Error("Queued run scan failed", "error", err)
			}
		}
	}
}

func (s *Service) processQueued(ctx context.Context) error {
	pending, err := s.store.QueuedRunIDs(ctx)
	if err != nil {
		return fmt.Errorf("loading queued runs: %w", err)
	}
	for _, runID := range pending {
		s.process(ctx, runID)
	}
	return nil
}

func (s *Service) process(ctx context.Context, runID string) {
	if err := s.step(ctx, runID); err != nil {
		slog.Error("Run failed", "runID", runID, "error", err)
		if _, uerr := s.store.UpdateRunStatus(ctx, runID, assistant.RunStatusFailed, err.Error()); uerr != nil {
			slog.Error("Failed to record run failure", "runID", runID, "error", uerr)
		}
	}
}

// step answers one run: it sends the thread to the assistant's model and
// appends the reply.
func (s *Service) step(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}
	if run.Status != assistant.RunStatusQueued || s.expire(ctx, run) {
		return nil
	}

	ok, err := s.store.UpdateRunStatus(ctx, runID, assistant.RunStatusInProgress, "")
	if err != nil {
		return fmt.Errorf("starting run: %w", err)
	}
	if !ok {
		return nil
	}

	a, err := s.store.GetAssistant(ctx, run.AssistantID)
	if err != nil {
		return fmt.Errorf("loading assistant: %w", err)
	}
	thread, err := s.store.Messages(ctx, run.ThreadID)
	if err != nil {
		return fmt.Errorf("loading thread: %w", err)
	}
	msgs, err := s.toModelMessages(ctx, a, thread)
	if err != nil {
		return err
	}

	slog.Info("Calling model", "runID", runID, "model", a.Details.Model, "messages", len(msgs))
	stream, err := s.provider.Stream(ctx, a.Details.Model, buildInstructions(a.Details), msgs)
	if err != nil {
		return fmt.Errorf("model stream: %w", err)
	}
	defer stream.Close()

	resp, err := stream.FullMessage()
	if err != nil {
		return fmt.Errorf("model response: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return fmt.Errorf("model returned an empty response")
	}

	// The run may have expired while the model was answering.
	current, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("reloading run: %w", err)
	}
	if current.Status != assistant.RunStatusInProgress || s.expire(ctx, current) {
		slog.Warn("Discarding reply for inactive run", "runID", runID, "status", current.Status)
		return nil
	}

	if err := s.store.AppendMessage(ctx, &assistant.ThreadMessage{
		ID:       "msg_" + uuid.New().String(),
		ThreadID: run.ThreadID,
		RunID:    runID,
		Role:     domain.RoleAssistant,
		Content:  text,
	}); err != nil {
		return fmt.Errorf("appending reply: %w", err)
	}
	if _, err := s.store.UpdateRunStatus(ctx, runID, assistant.RunStatusCompleted, ""); err != nil {
		return fmt.Errorf("completing run: %w", err)
	}
	slog.Info("Run completed", "runID", runID, "threadID", run.ThreadID)
	return nil
}

// toModelMessages converts the chronological thread into model context.
// Assistant-level files are attached to the first user message.
func (s *Service) toModelMessages(ctx context.Context, a *Assistant, thread []assistant.ThreadMessage) ([]model.Message, error) {
	msgs := make([]model.Message, 0, len(thread))
	attachedAssistantFiles := false
	for _, tm := range thread {
		m := model.Message{Role: tm.Role}
		if tm.Content != "" {
			m.Content = append(m.Content, model.Content{Type: model.ContentTypeText, Text: tm.Content})
		}

		fileIDs := tm.FileIDs
		if tm.Role == domain.RoleUser && !attachedAssistantFiles {
			fileIDs = append(append([]string(nil), a.FileIDs...), fileIDs...)
			attachedAssistantFiles = true
		}
		for _, id := range fileIDs {
			f, err := s.store.GetFile(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("loading file %s: %w", id, err)
			}
			m.Content = append(m.Content, model.Content{Type: model.ContentTypeFile, File: f})
		}

		if len(m.Content) > 0 {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}
