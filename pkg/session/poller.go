package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nstogner/threadrun/pkg/assistant"
	"github.com/nstogner/threadrun/pkg/domain"
)

// PollConfig bounds the run completion wait.
type PollConfig struct {
	// Interval between two status queries.
	Interval time.Duration `yaml:"interval"`
	// MaxAttempts is the number of status queries before giving up.
	MaxAttempts int `yaml:"max_attempts"`
	// MaxTransientErrors is the number of consecutive failed queries that are
	// tolerated. One more surfaces a RunError. At least one is always
	// tolerated.
	MaxTransientErrors int `yaml:"max_transient_errors"`
}

// DefaultPollConfig returns the bounds used when none are configured.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:           time.Second,
		MaxAttempts:        300,
		MaxTransientErrors: 3,
	}
}

func (c PollConfig) withDefaults() PollConfig {
	d := DefaultPollConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxTransientErrors <= 0 {
		c.MaxTransientErrors = d.MaxTransientErrors
	}
	return c
}

// Outcome is the result of a finished run.
type Outcome struct {
	// Message is the content of the newest assistant message.
	Message string
	// History is the full thread, most recent first.
	History []assistant.ThreadMessage
}

// Poller waits for runs to reach a terminal state.
type Poller struct {
	client assistant.Client
	cfg    PollConfig
}

// NewPoller creates a Poller. Zero fields of cfg take their defaults.
func NewPoller(client assistant.Client, cfg PollConfig) *Poller {
	return &Poller{client: client, cfg: cfg.withDefaults()}
}

// AwaitRun queries the run until it completes, then fetches the thread.
// An empty runID skips polling and only fetches the existing history.
// Progress values start at baseProgress and advance toward 100; report may
// be nil.
func (p *Poller) AwaitRun(ctx context.Context, runID, threadID string, baseProgress int, report func(int)) (*Outcome, error) {
	if report == nil {
		report = func(int) {}
	}

	if runID != "" {
		if err := p.waitTerminal(ctx, runID, threadID, baseProgress, report); err != nil {
			return nil, err
		}
	}

	msgs, err := p.listMessages(ctx, runID, threadID)
	if err != nil {
		return nil, err
	}

	out := &Outcome{History: msgs}
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant {
			out.Message = m.Content
			break
		}
	}
	if runID != "" && out.Message == "" {
		return nil, &assistant.RunError{
			RunID:     runID,
			ThreadID:  threadID,
			Status:    string(assistant.RunStatusCompleted),
			LastError: "no assistant message in thread",
		}
	}

	report(100)
	return out, nil
}

func (p *Poller) waitTerminal(ctx context.Context, runID, threadID string, base int, report func(int)) error {
	transient := 0
	last := base

	for attempt := 1; ; attempt++ {
		if attempt > p.cfg.MaxAttempts {
			return &assistant.RunError{
				RunID:     runID,
				ThreadID:  threadID,
				Status:    assistant.StatusTimeout,
				LastError: fmt.Sprintf("run not terminal after %d polls", p.cfg.MaxAttempts),
			}
		}

		run, err := p.client.RetrieveRun(ctx, threadID, runID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			transient++
			slog.Warn("Run status query failed", "runID", runID, "attempt", attempt, "consecutiveErrors", transient, "error", err)
			if transient > p.cfg.MaxTransientErrors {
				return &assistant.RunError{RunID: runID, ThreadID: threadID, Status: assistant.StatusPollFailed, Err: err}
			}
		case run.Status == assistant.RunStatusCompleted:
			slog.Debug("Run completed", "runID", runID, "attempts", attempt)
			return nil
		case run.Status.Terminal():
			return &assistant.RunError{RunID: runID, ThreadID: threadID, Status: string(run.Status), LastError: run.LastError}
		default:
			transient = 0
			if pr := progressAt(base, attempt); pr > last {
				last = pr
				report(pr)
			}
		}

		if err := sleep(ctx, p.cfg.Interval); err != nil {
			return err
		}
	}
}

func (p *Poller) listMessages(ctx context.Context, runID, threadID string) ([]assistant.ThreadMessage, error) {
	var lastErr error
	for i := 0; i <= p.cfg.MaxTransientErrors; i++ {
		if i > 0 {
			if err := sleep(ctx, p.cfg.Interval); err != nil {
				return nil, err
			}
		}
		msgs, err := p.client.ListMessages(ctx, threadID)
		if err == nil {
			return msgs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		slog.Warn("Listing thread messages failed", "threadID", threadID, "attempt", i+1, "error", err)
	}
	return nil, &assistant.RunError{RunID: runID, ThreadID: threadID, Status: assistant.StatusPollFailed, Err: lastErr}
}

// progressAt maps the n-th poll to a value between base and 99.
func progressAt(base, attempt int) int {
	if base < 0 {
		base = 0
	}
	if base >= 99 {
		return 99
	}
	p := base + (100-base)*attempt/(attempt+4)
	if p > 99 {
		p = 99
	}
	return p
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
