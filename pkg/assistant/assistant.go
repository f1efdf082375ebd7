// Package assistant defines the boundary to a remote assistant service:
// assistant entities, threads, runs, messages and file uploads.
package assistant

import (
	"context"
	"time"

	"github.com/nstogner/threadrun/pkg/domain"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusInProgress     RunStatus = "in_progress"
	RunStatusRequiresAction RunStatus = "requires_action"
	RunStatusCancelling     RunStatus = "cancelling"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusExpired        RunStatus = "expired"
)

// Terminal reports whether no further transitions are possible from s.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusExpired:
		return true
	}
	return false
}

// Run is an execution of an assistant against a thread.
type Run struct {
	ID          string    `json:"id"`
	AssistantID string    `json:"assistant_id"`
	ThreadID    string    `json:"thread_id"`
	Status      RunStatus `json:"status"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ThreadMessage is a message as stored by the remote thread.
type ThreadMessage struct {
	ID        string      `json:"id"`
	ThreadID  string      `json:"thread_id"`
	RunID     string      `json:"run_id,omitempty"`
	Role      domain.Role `json:"role"`
	Content   string      `json:"content"`
	FileIDs   []string    `json:"file_ids,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Client is the capability set the session orchestrator consumes.
// Every call is a single attempt; retry policy, if any, lives in the
// implementation.
type Client interface {
	// CreateAssistant creates an assistant entity and returns its ID.
	CreateAssistant(ctx context.Context, details domain.AssistantDetails, fileIDs []string) (string, error)

	// CreateThread creates a thread seeded with seedMessage (as a user
	// message) and returns its ID. An empty seed creates an empty thread.
	CreateThread(ctx context.Context, seedMessage string) (string, error)

	// CreateRun starts an execution of assistantID against threadID.
	CreateRun(ctx context.Context, assistantID, threadID string) (string, error)

	// SubmitMessage appends a user message to the thread.
	SubmitMessage(ctx context.Context, threadID, content string, fileIDs []string) error

	// UploadFile stores a file and returns its identifier.
	UploadFile(ctx context.Context, file domain.File) (string, error)

	// RetrieveRun returns the current state of a run.
	RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error)

	// ListMessages returns the thread's messages, most recent first.
	ListMessages(ctx context.Context, threadID string) ([]ThreadMessage, error)
}
