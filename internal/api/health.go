package api

import (
	"net/http"
	"time"
)

// HealthResponse reports service and dependency status.
type HealthResponse struct {
	Status       string `json:"status"`
	Database     string `json:"database"`
	CachedAgents int    `json:"cached_agents"`
	CachedKBs    int    `json:"cached_knowledge_bases"`
	Timestamp    string `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Database:  "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	status := http.StatusOK
	if err := s.db.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}
	resp.CachedAgents, resp.CachedKBs = s.snapshot.Len()

	writeJSON(w, status, resp, s.logger)
}
