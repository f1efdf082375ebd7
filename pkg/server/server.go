// Package server exposes the session orchestrator over a REST API and streams
// session events over a websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nstogner/threadrun/pkg/assistant"
	"github.com/nstogner/threadrun/pkg/domain"
	"github.com/nstogner/threadrun/pkg/history"
	"github.com/nstogner/threadrun/pkg/session"
)

// ModelLister lists the models an assistant can be created with.
type ModelLister interface {
	Models(ctx context.Context) ([]domain.Model, error)
}

// Defaults fill in start requests that omit assistant details or the seed
// message.
type Defaults struct {
	Details     domain.AssistantDetails
	SeedMessage string
}

// Server serves the REST API and the event websocket.
type Server struct {
	orch     *session.Orchestrator
	events   *session.Broadcaster
	history  history.Store
	models   ModelLister
	defaults Defaults
	srv      *http.Server
}

// New creates a new Server. events must be registered as an observer of orch.
func New(
	orch *session.Orchestrator,
	events *session.Broadcaster,
	store history.Store,
	models ModelLister,
	defaults Defaults,
) *Server {
	return &Server{
		orch:     orch,
		events:   events,
		history:  store,
		models:   models,
		defaults: defaults,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Session
	mux.HandleFunc("GET /api/session", s.handleGetSession)
	mux.HandleFunc("POST /api/session/start", s.handleStartSession)
	mux.HandleFunc("POST /api/session/resume", s.handleResumeSession)
	mux.HandleFunc("POST /api/session/messages", s.handleSendMessage)
	mux.HandleFunc("POST /api/session/reset", s.handleResetSession)

	// Files
	mux.HandleFunc("POST /api/files", s.handleUploadFiles)

	// History
	mux.HandleFunc("GET /api/history", s.handleListHistory)
	mux.HandleFunc("GET /api/history/{id}", s.handleGetHistory)

	// Models
	mux.HandleFunc("GET /api/models", s.handleListModels)

	// WebSocket
	mux.HandleFunc("/api/session/events", s.handleEventsWebSocket)

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	slog.Info("Starting web server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("API Error", "status", status, "error", err)
	body := map[string]string{"error": err.Error()}
	var runErr *assistant.RunError
	if errors.As(err, &runErr) {
		body["run_status"] = runErr.Status
	}
	s.jsonResponse(w, status, body)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrNoSession):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyMessage), errors.Is(err, session.ErrNoAssistant):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, assistant.ErrAssistantCreation),
		errors.Is(err, assistant.ErrThreadCreation),
		errors.Is(err, assistant.ErrRunCreation),
		errors.Is(err, assistant.ErrRunExecution),
		errors.Is(err, assistant.ErrFileUpload),
		errors.Is(err, assistant.ErrMessageSubmission):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
