package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/nstogner/threadrun/pkg/domain"
	"github.com/nstogner/threadrun/pkg/history"
	"github.com/nstogner/threadrun/pkg/session"
)

type startRequest struct {
	Details *domain.AssistantDetails `json:"details,omitempty"`
	FileIDs []string                 `json:"file_ids,omitempty"`
	// Files are uploaded before the assistant is created and attached to it
	// together with FileIDs.
	Files   []domain.File `json:"files,omitempty"`
	Message string        `json:"message,omitempty"`
}

type uploadRequest struct {
	Files []domain.File `json:"files"`
}

type uploadResponse struct {
	FileIDs []string `json:"file_ids"`
}

type resumeRequest struct {
	AssistantID string `json:"assistant_id"`
	ThreadID    string `json:"thread_id,omitempty"`
	Message     string `json:"message,omitempty"`
}

type sendRequest struct {
	Content string        `json:"content"`
	Files   []domain.File `json:"files,omitempty"`
}

// sessionResponse is the JSON view of a session snapshot.
type sessionResponse struct {
	session.Snapshot
	Error string `json:"error,omitempty"`
}

type historyItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

func toSessionResponse(snap session.Snapshot) sessionResponse {
	resp := sessionResponse{Snapshot: snap}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
	}
	return resp
}

// --- Session ---

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, toSessionResponse(s.orch.Snapshot()))
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	details := s.defaults.Details
	if req.Details != nil {
		details = *req.Details
		if details.Model == "" {
			details.Model = s.defaults.Details.Model
		}
	}
	if req.Message == "" {
		req.Message = s.defaults.SeedMessage
	}

	// Every start over the API begins a fresh conversation.
	if err := s.orch.Reset(r.Context()); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	fileIDs := req.FileIDs
	if len(req.Files) > 0 {
		uploaded, err := s.orch.UploadFiles(r.Context(), req.Files)
		if err != nil {
			s.errorResponse(w, statusFor(err), err)
			return
		}
		fileIDs = append(append([]string(nil), fileIDs...), uploaded...)
	}

	if err := s.orch.StartNewSession(r.Context(), details, fileIDs, req.Message); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, toSessionResponse(s.orch.Snapshot()))
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.AssistantID == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("assistant_id is required"))
		return
	}
	if req.ThreadID == "" {
		if req.Message == "" {
			req.Message = s.defaults.SeedMessage
		}
		if err := s.orch.Reset(r.Context()); err != nil {
			s.errorResponse(w, statusFor(err), err)
			return
		}
	}

	if err := s.orch.ResumeSession(r.Context(), req.AssistantID, req.Message, req.ThreadID); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, toSessionResponse(s.orch.Snapshot()))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.orch.SendMessage(r.Context(), req.Content, req.Files, nil); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, toSessionResponse(s.orch.Snapshot()))
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Reset(r.Context()); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Files ---

func (s *Server) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Files) == 0 {
		s.errorResponse(w, http.StatusBadRequest, errors.New("files are required"))
		return
	}
	ids, err := s.orch.UploadFiles(r.Context(), req.Files)
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, uploadResponse{FileIDs: ids})
}

// --- History ---

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.history.ListValid(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	items := make([]historyItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, historyItem{
			ID:        e.ID,
			Title:     history.Title(e),
			Messages:  len(e.Messages),
			UpdatedAt: e.UpdatedAt,
		})
	}
	s.jsonResponse(w, http.StatusOK, items)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	entry, err := s.history.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, entry)
}

// --- Models ---

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		s.jsonResponse(w, http.StatusOK, []domain.Model{})
		return
	}
	models, err := s.models.Models(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, models)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return false
	}
	return true
}
