package assistant

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunErrorMatchesRunExecution(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("awaiting run: %w", &RunError{RunID: "R1", ThreadID: "T1", Status: StatusPollFailed, Err: cause})

	assert.ErrorIs(t, err, ErrRunExecution)
	assert.ErrorIs(t, err, cause)

	var runErr *RunError
	if assert.ErrorAs(t, err, &runErr) {
		assert.Equal(t, StatusPollFailed, runErr.Status)
	}
	assert.NotErrorIs(t, err, ErrRunCreation)
}

func TestRunErrorMessage(t *testing.T) {
	err := &RunError{RunID: "R1", ThreadID: "T1", Status: "failed", LastError: "rate limited"}
	assert.Equal(t, `run R1 on thread T1 ended with status "failed": rate limited`, err.Error())
}

func TestRunStatusTerminal(t *testing.T) {
	terminal := []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusExpired}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []RunStatus{RunStatusQueued, RunStatusInProgress, RunStatusRequiresAction, RunStatusCancelling} {
		assert.False(t, s.Terminal(), s)
	}
}
