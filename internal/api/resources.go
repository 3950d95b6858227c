package api

import (
	"net/http"
	"time"
)

// AgentSummary is the listing shape of a cached agent record. The access
// secret is never exposed.
type AgentSummary struct {
	WebsiteKey       string   `json:"website_key"`
	AgentID          string   `json:"agent_id"`
	Endpoint         string   `json:"endpoint,omitempty"`
	WebsiteURL       string   `json:"website_url"`
	KnowledgeBaseIDs []string `json:"knowledge_base_ids"`
	DeploymentStatus string   `json:"deployment_status"`
	CreatedAt        string   `json:"created_at"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	records := s.snapshot.Agents()
	out := make([]AgentSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, AgentSummary{
			WebsiteKey:       string(rec.WebsiteKey),
			AgentID:          rec.AgentID,
			Endpoint:         rec.Endpoint,
			WebsiteURL:       rec.WebsiteURL,
			KnowledgeBaseIDs: rec.KnowledgeBaseIDs,
			DeploymentStatus: rec.DeploymentStatus,
			CreatedAt:        rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out}, s.logger)
}

// KnowledgeBaseSummary is the listing shape of a cached knowledge base.
type KnowledgeBaseSummary struct {
	WebsiteKey      string `json:"website_key"`
	KnowledgeBaseID string `json:"knowledge_base_id"`
	WebsiteURL      string `json:"website_url"`
	DisplayName     string `json:"display_name"`
	CreatedAt       string `json:"created_at"`
}

func (s *Server) handleListKnowledgeBases(w http.ResponseWriter, _ *http.Request) {
	records := s.snapshot.KnowledgeBases()
	out := make([]KnowledgeBaseSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, KnowledgeBaseSummary{
			WebsiteKey:      string(rec.WebsiteKey),
			KnowledgeBaseID: rec.KnowledgeBaseID,
			WebsiteURL:      rec.WebsiteURL,
			DisplayName:     rec.DisplayName,
			CreatedAt:       rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"knowledge_bases": out}, s.logger)
}
