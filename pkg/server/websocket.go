package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/threadrun/pkg/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsCommand is a client message on the events socket. A non-empty Content is
// sent as a user message.
type wsCommand struct {
	Content string `json:"content"`
}

// handleEventsWebSocket pushes the current snapshot followed by every session
// event, and accepts user messages from the client.
func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	events, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return ws.WriteJSON(v)
	}

	if err := write(toSessionResponse(s.orch.Snapshot())); err != nil {
		slog.Error("Failed initial session sync", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)

	// Writer goroutine: pushes session events to the client.
	go func() {
		defer wg.Done()
		defer ws.Close()

		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if err := write(e); err != nil {
					slog.Debug("WebSocket write failed", "error", err)
					return
				}
			case <-ticker.C:
				writeMu.Lock()
				err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	// Reader loop: receives user messages.
	for {
		var cmd wsCommand
		if err := ws.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read error", "error", err)
			}
			break
		}
		if cmd.Content == "" {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.orch.SendMessage(ctx, cmd.Content, nil, nil)
			switch {
			case errors.Is(err, session.ErrBusy):
				// Rejected before the orchestrator emits anything.
				write(session.Event{Type: session.EventError, Timestamp: time.Now().UTC(), Err: err, Error: err.Error()})
			case err != nil:
				slog.Warn("WebSocket send failed", "error", err)
			}
		}()
	}

	cancel()
	wg.Wait()
}
