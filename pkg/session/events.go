package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nstogner/threadrun/pkg/domain"
)

// EventType identifies the kind of session event.
type EventType string

const (
	// EventStatus carries a human readable status line.
	EventStatus EventType = "session.status"
	// EventProgress carries a 0..100 progress value.
	EventProgress EventType = "session.progress"
	// EventMessages carries the full transcript after a mutation.
	EventMessages EventType = "session.messages"
	// EventError carries the error that ended an operation.
	EventError EventType = "session.error"
)

// Event is a state change notification emitted by the Orchestrator.
// Only the field matching Type is meaningful.
type Event struct {
	Type      EventType        `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	ThreadID  string           `json:"thread_id,omitempty"`
	Status    string           `json:"status,omitempty"`
	Progress  int              `json:"progress"`
	Messages  []domain.Message `json:"messages,omitempty"`
	Err       error            `json:"-"`
	Error     string           `json:"error,omitempty"`
}

// Observer receives session events. OnEvent is called synchronously from the
// operation that produced the event and must not block.
type Observer interface {
	OnEvent(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, event Event)

func (f ObserverFunc) OnEvent(ctx context.Context, event Event) { f(ctx, event) }

type noopObserver struct{}

func (noopObserver) OnEvent(context.Context, Event) {}

// MultiObserver fans events out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) OnEvent(ctx context.Context, event Event) {
	for _, o := range m {
		if o != nil {
			o.OnEvent(ctx, event)
		}
	}
}

// SlogObserver writes session events to a slog.Logger. Progress events are
// logged at debug level, errors at error level.
type SlogObserver struct {
	logger *slog.Logger
}

// NewSlogObserver creates a SlogObserver that emits to the given logger.
func NewSlogObserver(logger *slog.Logger) *SlogObserver {
	return &SlogObserver{logger: logger}
}

func (o *SlogObserver) OnEvent(ctx context.Context, event Event) {
	switch event.Type {
	case EventStatus:
		o.logger.InfoContext(ctx, "Session status", "status", event.Status, "threadID", event.ThreadID)
	case EventProgress:
		o.logger.DebugContext(ctx, "Session progress", "progress", event.Progress)
	case EventMessages:
		o.logger.DebugContext(ctx, "Session transcript updated", "threadID", event.ThreadID, "count", len(event.Messages))
	case EventError:
		o.logger.ErrorContext(ctx, "Session operation failed", "threadID", event.ThreadID, "error", event.Err)
	}
}

// Broadcaster is an Observer that forwards events to channel subscribers.
// Slow subscribers miss events instead of stalling the orchestrator.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of events and a function that unsubscribes and
// closes the channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) OnEvent(_ context.Context, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}
