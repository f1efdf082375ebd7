package assistant

import (
	"errors"
	"fmt"
)

// Failure categories of the assistant lifecycle. Implementations and
// callers wrap these with fmt.Errorf("...: %w", ...) so errors.Is works
// across layers.
var (
	ErrAssistantCreation = errors.New("assistant creation failed")
	ErrThreadCreation    = errors.New("thread creation failed")
	ErrRunCreation       = errors.New("run creation failed")
	ErrRunExecution      = errors.New("run execution failed")
	ErrFileUpload        = errors.New("file upload failed")
	ErrMessageSubmission = errors.New("message submission failed")
)

// Poll-side statuses that never come from the remote service.
const (
	StatusPollFailed = "poll_failed"
	StatusTimeout    = "timeout"
)

// RunError reports a run that did not complete successfully, or whose
// polling gave up. Status carries the remote status (or one of the poll-side
// statuses above).
type RunError struct {
	RunID     string
	ThreadID  string
	Status    string
	LastError string
	Err       error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("run %s on thread %s ended with status %q", e.RunID, e.ThreadID, e.Status)
	if e.LastError != "" {
		msg += ": " + e.LastError
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RunError) Unwrap() error { return e.Err }

// Is makes every RunError match ErrRunExecution.
func (e *RunError) Is(target error) bool {
	return target == ErrRunExecution
}
