package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/buoyhq/buoy/internal/identity"
	"github.com/buoyhq/buoy/internal/ingest"
	"github.com/buoyhq/buoy/internal/store"
)

// maxUploadBytes bounds multipart file uploads.
const maxUploadBytes = 20 << 20

// ensureKB derives the identity and resolves its knowledge base, creating
// one when missing. Shared by all ingestion handlers.
func (s *Server) ensureKB(w http.ResponseWriter, r *http.Request, websiteURL string) (identity.Key, *store.KnowledgeBaseRecord, bool) {
	key, err := identity.Derive(websiteURL)
	if err != nil {
		s.writeDomainError(w, err)
		return "", nil, false
	}
	kb, err := s.provisioner.EnsureKnowledgeBase(r.Context(), key, websiteURL, "")
	if err != nil {
		s.writeDomainError(w, err)
		return "", nil, false
	}
	return key, kb, true
}

// IngestResponse reports one ingestion run.
type IngestResponse struct {
	WebsiteKey      string `json:"website_key"`
	KnowledgeBaseID string `json:"knowledge_base_id"`
	DocumentName    string `json:"document_name"`
	ChunkCount      int    `json:"chunk_count"`
	Uploaded        int    `json:"uploaded"`
	Failed          int    `json:"failed"`
}

func ingestResponse(key identity.Key, kbID string, result ingest.Result) IngestResponse {
	return IngestResponse{
		WebsiteKey:      string(key),
		KnowledgeBaseID: kbID,
		DocumentName:    result.DocumentName,
		ChunkCount:      result.ChunkCount,
		Uploaded:        result.Uploaded,
		Failed:          result.Failed,
	}
}

// formIngestOptions parses the optional "chunk_size" and "use_semantic"
// multipart fields. ok is false when a value is present but malformed; the
// error response has already been written in that case.
func (s *Server) formIngestOptions(w http.ResponseWriter, r *http.Request) (opts ingest.Options, ok bool) {
	if v := r.FormValue("chunk_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "chunk_size must be a positive integer", s.logger)
			return opts, false
		}
		opts.ChunkSize = n
	}
	if v := r.FormValue("use_semantic"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "use_semantic must be a boolean", s.logger)
			return opts, false
		}
		opts.Semantic = &b
	}
	return opts, true
}

// handleKnowledgeFile ingests a multipart file upload. Fields: "file" (the
// document) and "website_url", plus optional "chunk_size" and "use_semantic"
// chunking overrides.
func (s *Server) handleKnowledgeFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed multipart form", s.logger)
		return
	}
	websiteURL := r.FormValue("website_url")
	if websiteURL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "website_url is required", s.logger)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "file field is required", s.logger)
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read file", s.logger)
		return
	}

	opts, ok := s.formIngestOptions(w, r)
	if !ok {
		return
	}

	key, kb, ok := s.ensureKB(w, r, websiteURL)
	if !ok {
		return
	}

	result, err := s.ingester.Ingest(r.Context(), kb.KnowledgeBaseID, ingest.FileSource{
		Name: header.Filename,
		Data: data,
	}, opts)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse(key, kb.KnowledgeBaseID, result), s.logger)
}

// KnowledgeTextRequest ingests raw text. ChunkSize and UseSemantic override
// the pipeline defaults for this request.
type KnowledgeTextRequest struct {
	WebsiteURL  string `json:"website_url"`
	Name        string `json:"name,omitempty"`
	Text        string `json:"text"`
	ChunkSize   int    `json:"chunk_size,omitempty"`
	UseSemantic *bool  `json:"use_semantic,omitempty"`
}

func (s *Server) handleKnowledgeText(w http.ResponseWriter, r *http.Request) {
	var req KnowledgeTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", s.logger)
		return
	}
	if req.WebsiteURL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "website_url is required", s.logger)
		return
	}

	key, kb, ok := s.ensureKB(w, r, req.WebsiteURL)
	if !ok {
		return
	}

	result, err := s.ingester.Ingest(r.Context(), kb.KnowledgeBaseID, ingest.TextSource{
		Name: req.Name,
		Text: req.Text,
	}, ingest.Options{ChunkSize: req.ChunkSize, Semantic: req.UseSemantic})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse(key, kb.KnowledgeBaseID, result), s.logger)
}

// KnowledgeURLRequest scrapes a website into the knowledge base. URL
// defaults to the website itself.
type KnowledgeURLRequest struct {
	WebsiteURL  string `json:"website_url"`
	URL         string `json:"url,omitempty"`
	MaxDepth    int    `json:"max_depth,omitempty"`
	MaxLinks    int    `json:"max_links,omitempty"`
	ChunkSize   int    `json:"chunk_size,omitempty"`
	UseSemantic *bool  `json:"use_semantic,omitempty"`
}

func (s *Server) handleKnowledgeURL(w http.ResponseWriter, r *http.Request) {
	var req KnowledgeURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", s.logger)
		return
	}
	if req.WebsiteURL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "website_url is required", s.logger)
		return
	}
	if req.URL == "" {
		req.URL = req.WebsiteURL
	}

	key, kb, ok := s.ensureKB(w, r, req.WebsiteURL)
	if !ok {
		return
	}

	result, err := s.ingester.Ingest(r.Context(), kb.KnowledgeBaseID, ingest.URLSource{
		URL:      req.URL,
		MaxDepth: req.MaxDepth,
		MaxLinks: req.MaxLinks,
	}, ingest.Options{ChunkSize: req.ChunkSize, Semantic: req.UseSemantic})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse(key, kb.KnowledgeBaseID, result), s.logger)
}

func (s *Server) handleSupportedTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"supported_types": ingest.SupportedTypes(),
	}, s.logger)
}
