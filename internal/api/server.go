// Package api exposes the provisioning, ingestion, and chat functionality
// over an HTTP JSON API consumed by embedded support widgets.
//
// Endpoints:
//
//	GET  /health                          liveness + dependency status
//	POST /api/v1/sessions                 create a chat session
//	GET  /api/v1/sessions                 list recent sessions
//	GET  /api/v1/sessions/{id}            fetch one session
//	GET  /api/v1/conversations/{id}       conversation history for a session
//	POST /api/v1/provision                ensure agent + knowledge base for a website
//	POST /api/v1/ask                      dispatch a question to the website's agent
//	POST /api/v1/knowledge/file           ingest an uploaded file
//	POST /api/v1/knowledge/text           ingest raw text
//	POST /api/v1/knowledge/url            scrape and ingest a website
//	GET  /api/v1/knowledge/supported-types
//	GET  /api/v1/agents                   cached agent snapshot
//	GET  /api/v1/knowledge-bases          cached knowledge base snapshot
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/buoyhq/buoy/internal/chat"
	"github.com/buoyhq/buoy/internal/identity"
	"github.com/buoyhq/buoy/internal/ingest"
	"github.com/buoyhq/buoy/internal/provision"
	"github.com/buoyhq/buoy/internal/store"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout prevents Slowloris-style connection exhaustion.
	ReadHeaderTimeout = 10 * time.Second

	ReadTimeout  = 60 * time.Second
	WriteTimeout = 120 * time.Second
	IdleTimeout  = 120 * time.Second

	defaultRatePerSecond = 5
	defaultRateBurst     = 20
)

// Provisioner resolves and creates website resources.
type Provisioner interface {
	EnsureAgent(ctx context.Context, key identity.Key, websiteURL string) (*store.AgentRecord, error)
	EnsureKnowledgeBase(ctx context.Context, key identity.Key, websiteURL, displayName string) (*store.KnowledgeBaseRecord, error)
}

// Dispatcher routes questions to provisioned agents.
type Dispatcher interface {
	Ask(ctx context.Context, key identity.Key, question string, sess *store.Session) (string, error)
}

// Ingester pushes content into knowledge bases.
type Ingester interface {
	Ingest(ctx context.Context, kbID string, src ingest.Source, opts ingest.Options) (ingest.Result, error)
}

// SessionStore persists sessions and conversation history.
type SessionStore interface {
	PutSession(ctx context.Context, sess *store.Session) error
	GetSession(ctx context.Context, sessionID uuid.UUID) (*store.Session, error)
	ListSessions(ctx context.Context, limit int32) ([]*store.Session, error)
	GetConversation(ctx context.Context, sessionID uuid.UUID) ([]*store.Message, error)
}

// Snapshot lists the cached resource records.
type Snapshot interface {
	Agents() []*store.AgentRecord
	KnowledgeBases() []*store.KnowledgeBaseRecord
	Len() (agents, knowledgeBases int)
}

// Pinger reports database reachability. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the HTTP surface.
type Config struct {
	Addr          string
	CORSOrigins   []string
	TrustProxy    bool
	RatePerSecond float64
	RateBurst     int
}

// Server is the HTTP server. Construct with NewServer, serve with Run.
type Server struct {
	mux    *http.ServeMux
	cfg    Config
	logger *slog.Logger

	provisioner Provisioner
	dispatcher  Dispatcher
	ingester    Ingester
	sessions    SessionStore
	snapshot    Snapshot
	db          Pinger

	limiter *rateLimiter
}

// NewServer creates the server with all routes registered.
func NewServer(cfg Config, provisioner Provisioner, dispatcher Dispatcher, ingester Ingester, sessions SessionStore, snapshot Snapshot, db Pinger, logger *slog.Logger) *Server {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultRatePerSecond
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mux:         http.NewServeMux(),
		cfg:         cfg,
		logger:      logger.With("component", "api"),
		provisioner: provisioner,
		dispatcher:  dispatcher,
		ingester:    ingester,
		sessions:    sessions,
		snapshot:    snapshot,
		db:          db,
		limiter:     newRateLimiter(cfg.RatePerSecond, cfg.RateBurst),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("GET /api/v1/conversations/{id}", s.handleGetConversation)

	s.mux.HandleFunc("POST /api/v1/provision", s.handleProvision)
	s.mux.HandleFunc("POST /api/v1/ask", s.handleAsk)

	s.mux.HandleFunc("POST /api/v1/knowledge/file", s.handleKnowledgeFile)
	s.mux.HandleFunc("POST /api/v1/knowledge/text", s.handleKnowledgeText)
	s.mux.HandleFunc("POST /api/v1/knowledge/url", s.handleKnowledgeURL)
	s.mux.HandleFunc("GET /api/v1/knowledge/supported-types", s.handleSupportedTypes)

	s.mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	s.mux.HandleFunc("GET /api/v1/knowledge-bases", s.handleListKnowledgeBases)

	return s
}

// Handler returns the mux with the middleware stack applied.
// Order: recovery → request id → logging → CORS → rate limit → routes.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		requestIDMiddleware(),
		loggingMiddleware(s.logger),
		corsMiddleware(s.cfg.CORSOrigins),
		rateLimitMiddleware(s.limiter, s.cfg.TrustProxy, s.logger),
	)
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// writeDomainError maps resolve-chain and dispatch errors to HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, "invalid_url", err.Error(), s.logger)
	case errors.Is(err, provision.ErrAgentNotProvisioned):
		writeError(w, http.StatusNotFound, "agent_not_provisioned", err.Error(), s.logger)
	case errors.Is(err, chat.ErrAgentNotReady):
		writeError(w, http.StatusServiceUnavailable, "agent_not_ready", err.Error(), s.logger)
	case errors.Is(err, provision.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "persistence layer unavailable", s.logger)
	case errors.Is(err, provision.ErrProvisionFailed):
		writeError(w, http.StatusBadGateway, "provision_failed", err.Error(), s.logger)
	case errors.Is(err, ingest.ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_type", err.Error(), s.logger)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), s.logger)
	}
}
