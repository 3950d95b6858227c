package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/buoyhq/buoy/internal/identity"
	"github.com/buoyhq/buoy/internal/store"
)

const maxSessionList = 100

// CreateSessionRequest starts a chat session for a visitor of a website.
type CreateSessionRequest struct {
	UserID     string `json:"user_id"`
	WebsiteURL string `json:"website_url"`
}

// SessionResponse is the JSON shape of a session.
type SessionResponse struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	WebsiteKey   string `json:"website_key"`
	WebsiteURL   string `json:"website_url"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	LastActivity string `json:"last_activity"`
}

func sessionResponse(sess *store.Session) SessionResponse {
	return SessionResponse{
		SessionID:    sess.ID.String(),
		UserID:       sess.UserID,
		WebsiteKey:   string(sess.WebsiteKey),
		WebsiteURL:   sess.WebsiteURL,
		Status:       sess.Status,
		CreatedAt:    sess.CreatedAt.UTC().Format(time.RFC3339),
		LastActivity: sess.LastActivity.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", s.logger)
		return
	}
	if req.UserID == "" || req.WebsiteURL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and website_url are required", s.logger)
		return
	}

	key, err := identity.Derive(req.WebsiteURL)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	sess := &store.Session{
		ID:         uuid.New(),
		UserID:     req.UserID,
		WebsiteKey: key,
		WebsiteURL: req.WebsiteURL,
		Status:     "active",
	}
	if err := s.sessions.PutSession(r.Context(), sess); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to persist session", s.logger)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(sess), s.logger)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListSessions(r.Context(), maxSessionList)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to list sessions", s.logger)
		return
	}

	out := make([]SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out}, s.logger)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "session id must be a uuid", s.logger)
		return
	}

	sess, err := s.sessions.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "session not found", s.logger)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to load session", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess), s.logger)
}

// MessageResponse is one conversation turn.
type MessageResponse struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "session id must be a uuid", s.logger)
		return
	}

	messages, err := s.sessions.GetConversation(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to load conversation", s.logger)
		return
	}

	out := make([]MessageResponse, 0, len(messages))
	for _, msg := range messages {
		out = append(out, MessageResponse{
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out}, s.logger)
}
