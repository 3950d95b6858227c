package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/buoyhq/buoy/internal/identity"
	"github.com/buoyhq/buoy/internal/store"
)

// ProvisionRequest ensures the website's agent and knowledge base exist.
type ProvisionRequest struct {
	WebsiteURL string `json:"website_url"`
}

// ProvisionResponse describes the provisioned resources.
type ProvisionResponse struct {
	WebsiteKey       string   `json:"website_key"`
	AgentID          string   `json:"agent_id"`
	Endpoint         string   `json:"endpoint,omitempty"`
	KnowledgeBaseIDs []string `json:"knowledge_base_ids"`
	DeploymentStatus string   `json:"deployment_status"`
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", s.logger)
		return
	}
	if req.WebsiteURL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "website_url is required", s.logger)
		return
	}

	key, err := identity.Derive(req.WebsiteURL)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	rec, err := s.provisioner.EnsureAgent(r.Context(), key, req.WebsiteURL)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ProvisionResponse{
		WebsiteKey:       string(rec.WebsiteKey),
		AgentID:          rec.AgentID,
		Endpoint:         rec.Endpoint,
		KnowledgeBaseIDs: rec.KnowledgeBaseIDs,
		DeploymentStatus: rec.DeploymentStatus,
	}, s.logger)
}

// AskRequest dispatches a question to a website's agent.
type AskRequest struct {
	WebsiteURL string `json:"website_url"`
	Question   string `json:"question"`
	SessionID  string `json:"session_id,omitempty"`
}

// AskResponse carries the agent's answer.
type AskResponse struct {
	Answer     string `json:"answer"`
	WebsiteKey string `json:"website_key"`
	SessionID  string `json:"session_id,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", s.logger)
		return
	}
	if req.WebsiteURL == "" || req.Question == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "website_url and question are required", s.logger)
		return
	}

	key, err := identity.Derive(req.WebsiteURL)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	// Session context is optional; a stale or unknown session id downgrades
	// to an anonymous question rather than failing it.
	var sess *store.Session
	if req.SessionID != "" {
		if id, err := uuid.Parse(req.SessionID); err == nil {
			if loaded, err := s.sessions.GetSession(r.Context(), id); err == nil {
				sess = loaded
			} else {
				s.logger.Debug("session lookup failed", "session_id", req.SessionID, "error", err)
			}
		}
	}

	answer, err := s.dispatcher.Ask(r.Context(), key, req.Question, sess)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := AskResponse{Answer: answer, WebsiteKey: string(key)}
	if sess != nil {
		resp.SessionID = sess.ID.String()
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}
