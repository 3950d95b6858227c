// Package provision implements the resolve chain for site-scoped support
// resources: memory cache, then durable store, then create-on-miss against
// the remote platform with write-through to both tiers.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/buoyhq/buoy/internal/gradient"
	"github.com/buoyhq/buoy/internal/identity"
	"github.com/buoyhq/buoy/internal/store"
)

// databaseIDConfigKey is the provider config entry holding the reusable
// knowledge base database id. Creating a fresh database per knowledge base
// is slow and wasteful; the first created database is recorded and reused.
const databaseIDConfigKey = "database_id"

const (
	defaultDeployWait   = 8 * time.Minute
	defaultPollInterval = 10 * time.Second
)

// Store is the durable tier consumed by the provisioner.
type Store interface {
	GetAgent(ctx context.Context, key identity.Key) (*store.AgentRecord, error)
	PutAgent(ctx context.Context, rec *store.AgentRecord) error
	GetKnowledgeBase(ctx context.Context, key identity.Key) (*store.KnowledgeBaseRecord, error)
	PutKnowledgeBase(ctx context.Context, rec *store.KnowledgeBaseRecord) error
	ListAgents(ctx context.Context) ([]*store.AgentRecord, error)
	ListKnowledgeBases(ctx context.Context) ([]*store.KnowledgeBaseRecord, error)
	GetConfigValue(ctx context.Context, key string) (string, error)
	PutConfigValue(ctx context.Context, key, value string) error
}

// Cache is the memory tier consumed by the provisioner.
type Cache interface {
	GetAgent(key identity.Key) (*store.AgentRecord, bool)
	SetAgent(key identity.Key, rec *store.AgentRecord)
	GetKnowledgeBase(key identity.Key) (*store.KnowledgeBaseRecord, bool)
	SetKnowledgeBase(key identity.Key, rec *store.KnowledgeBaseRecord)
}

// Remote is the platform surface the provisioner needs.
type Remote interface {
	CreateKnowledgeBase(ctx context.Context, req gradient.CreateKnowledgeBaseRequest) (*gradient.KnowledgeBase, error)
	CreateAgent(ctx context.Context, req gradient.CreateAgentRequest) (*gradient.Agent, error)
	CreateAgentAccessKey(ctx context.Context, agentID, keyName string) (string, error)
	AttachKnowledgeBase(ctx context.Context, agentID, kbID string) error
	WaitForAgentDeployment(ctx context.Context, agentID string, maxWait, pollInterval time.Duration) (*gradient.Agent, error)
}

// Config tunes agent creation and deployment polling.
type Config struct {
	Temperature  float32
	MaxTokens    int
	DeployWait   time.Duration
	PollInterval time.Duration
}

// Provisioner resolves (agent, knowledge base) pairs for website identities.
type Provisioner struct {
	store  Store
	cache  Cache
	remote Remote
	cfg    Config
	logger *slog.Logger

	// group collapses concurrent first-time resolutions for the same
	// identity within this process. Across processes the race is
	// best-effort: both sides create, the later upsert wins, and the
	// orphaned remote resource is accepted.
	group singleflight.Group
}

// New creates a Provisioner.
func New(st Store, cache Cache, remote Remote, cfg Config, logger *slog.Logger) *Provisioner {
	if cfg.DeployWait <= 0 {
		cfg.DeployWait = defaultDeployWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		store:  st,
		cache:  cache,
		remote: remote,
		cfg:    cfg,
		logger: logger.With("component", "provision"),
	}
}

// EnsureKnowledgeBase returns the knowledge base for the identity, creating
// it remotely on a full miss. The created record is written through to the
// store and the cache before returning.
func (p *Provisioner) EnsureKnowledgeBase(ctx context.Context, key identity.Key, websiteURL, displayName string) (*store.KnowledgeBaseRecord, error) {
	if rec, ok := p.cache.GetKnowledgeBase(key); ok {
		return rec, nil
	}

	rec, err := p.store.GetKnowledgeBase(ctx, key)
	switch {
	case err == nil:
		p.cache.SetKnowledgeBase(key, rec)
		return rec, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	v, err, _ := p.group.Do("kb:"+string(key), func() (any, error) {
		// A concurrent winner may have finished between our miss and here.
		if rec, ok := p.cache.GetKnowledgeBase(key); ok {
			return rec, nil
		}
		return p.createKnowledgeBase(ctx, key, websiteURL, displayName)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.KnowledgeBaseRecord), nil
}

func (p *Provisioner) createKnowledgeBase(ctx context.Context, key identity.Key, websiteURL, displayName string) (*store.KnowledgeBaseRecord, error) {
	databaseID, err := p.store.GetConfigValue(ctx, databaseIDConfigKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if displayName == "" {
		displayName = websiteURL
	}

	kb, err := p.remote.CreateKnowledgeBase(ctx, gradient.CreateKnowledgeBaseRequest{
		Name:       displayName,
		WebsiteURL: websiteURL,
		DatabaseID: databaseID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating knowledge base for %s: %v", ErrProvisionFailed, key, err)
	}

	if databaseID == "" && kb.DatabaseID != "" {
		if err := p.store.PutConfigValue(ctx, databaseIDConfigKey, kb.DatabaseID); err != nil {
			p.logger.Warn("failed to record database id for reuse", "error", err)
		}
	}

	rec := &store.KnowledgeBaseRecord{
		WebsiteKey:      key,
		KnowledgeBaseID: kb.UUID,
		WebsiteURL:      websiteURL,
		DisplayName:     displayName,
		DatabaseID:      kb.DatabaseID,
	}
	if err := p.store.PutKnowledgeBase(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: persisting knowledge base %s: %v", ErrStoreUnavailable, kb.UUID, err)
	}
	p.cache.SetKnowledgeBase(key, rec)

	p.logger.Info("provisioned knowledge base",
		"website_key", key, "kb_id", kb.UUID, "website_url", websiteURL)
	return rec, nil
}

// EnsureAgent returns the agent for the identity, creating the full
// (knowledge base, agent, access key) set remotely on a full miss.
func (p *Provisioner) EnsureAgent(ctx context.Context, key identity.Key, websiteURL string) (*store.AgentRecord, error) {
	if rec, ok := p.cache.GetAgent(key); ok {
		return rec, nil
	}

	rec, err := p.store.GetAgent(ctx, key)
	switch {
	case err == nil:
		p.cache.SetAgent(key, rec)
		return rec, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	v, err, _ := p.group.Do("agent:"+string(key), func() (any, error) {
		if rec, ok := p.cache.GetAgent(key); ok {
			return rec, nil
		}
		return p.createAgent(ctx, key, websiteURL)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.AgentRecord), nil
}

func (p *Provisioner) createAgent(ctx context.Context, key identity.Key, websiteURL string) (*store.AgentRecord, error) {
	kb, err := p.EnsureKnowledgeBase(ctx, key, websiteURL, "")
	if err != nil {
		return nil, err
	}

	// The agent is created without knowledge bases; the platform rejects
	// attachments while the agent is still deploying, so they are attached
	// once the deployment is up.
	agent, err := p.remote.CreateAgent(ctx, gradient.CreateAgentRequest{
		Name:        "support-" + string(key),
		Instruction: agentInstruction(websiteURL),
		Description: "Customer support agent for " + websiteURL,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating agent for %s: %v", ErrProvisionFailed, key, err)
	}

	secret, err := p.remote.CreateAgentAccessKey(ctx, agent.UUID, "service-"+string(key))
	if err != nil {
		return nil, fmt.Errorf("%w: creating access key for agent %s: %v", ErrProvisionFailed, agent.UUID, err)
	}

	rec := &store.AgentRecord{
		WebsiteKey:       key,
		AgentID:          agent.UUID,
		AccessSecret:     secret,
		WebsiteURL:       websiteURL,
		KnowledgeBaseIDs: []string{kb.KnowledgeBaseID},
		DeploymentStatus: "pending",
	}
	if agent.Deployment != nil {
		rec.Endpoint = agent.Deployment.URL
		if agent.Deployment.Status == gradient.StatusRunning && rec.Endpoint != "" {
			rec.DeploymentStatus = "running"
		}
	}

	if rec.DeploymentStatus == "running" {
		if err := p.remote.AttachKnowledgeBase(ctx, agent.UUID, kb.KnowledgeBaseID); err != nil {
			return nil, fmt.Errorf("%w: attaching %s to agent %s: %v", ErrProvisionFailed, kb.KnowledgeBaseID, agent.UUID, err)
		}
	}

	if err := p.store.PutAgent(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: persisting agent %s: %v", ErrStoreUnavailable, agent.UUID, err)
	}
	p.cache.SetAgent(key, rec)

	p.logger.Info("provisioned agent",
		"website_key", key, "agent_id", agent.UUID, "status", rec.DeploymentStatus)

	if rec.DeploymentStatus != "running" {
		go p.trackDeployment(key, agent.UUID)
	}
	return rec, nil
}

// trackDeployment polls the remote deployment until it runs, attaches the
// record's knowledge bases, and updates both tiers with the final endpoint
// URL. It detaches from the request context because deployments outlive
// requests.
func (p *Provisioner) trackDeployment(key identity.Key, agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DeployWait+time.Minute)
	defer cancel()

	agent, err := p.remote.WaitForAgentDeployment(ctx, agentID, p.cfg.DeployWait, p.cfg.PollInterval)
	if err != nil {
		p.logger.Error("agent deployment did not complete",
			"website_key", key, "agent_id", agentID, "error", err)
		p.updateDeployment(ctx, key, "", "failed")
		return
	}

	p.attachRecordedKnowledgeBases(ctx, key, agentID)
	p.updateDeployment(ctx, key, agent.Deployment.URL, "running")
	p.logger.Info("agent deployment running",
		"website_key", key, "agent_id", agentID, "endpoint", agent.Deployment.URL)
}

// attachRecordedKnowledgeBases attaches the knowledge bases already listed on
// the agent record. Attachments are rejected until the agent is deployed, so
// this runs once the deployment is up.
func (p *Provisioner) attachRecordedKnowledgeBases(ctx context.Context, key identity.Key, agentID string) {
	rec, err := p.store.GetAgent(ctx, key)
	if err != nil {
		p.logger.Error("failed to load agent for knowledge base attach",
			"website_key", key, "agent_id", agentID, "error", err)
		return
	}
	for _, kbID := range rec.KnowledgeBaseIDs {
		if err := p.remote.AttachKnowledgeBase(ctx, agentID, kbID); err != nil {
			p.logger.Error("failed to attach knowledge base to deployed agent",
				"agent_id", agentID, "kb_id", kbID, "error", err)
		}
	}
}

func (p *Provisioner) updateDeployment(ctx context.Context, key identity.Key, endpoint, status string) {
	rec, err := p.store.GetAgent(ctx, key)
	if err != nil {
		p.logger.Error("failed to load agent for deployment update", "website_key", key, "error", err)
		return
	}
	if endpoint != "" {
		rec.Endpoint = endpoint
	}
	rec.DeploymentStatus = status
	if err := p.store.PutAgent(ctx, rec); err != nil {
		p.logger.Error("failed to persist deployment update", "website_key", key, "error", err)
		return
	}
	p.cache.SetAgent(key, rec)
}

// AttachKnowledgeBase links an additional knowledge base to the identity's
// agent and appends its id to the record, preserving order and skipping
// duplicates. This is the only mutation of an existing agent record.
func (p *Provisioner) AttachKnowledgeBase(ctx context.Context, key identity.Key, kbID string) (*store.AgentRecord, error) {
	rec, err := p.lookupAgent(ctx, key)
	if err != nil {
		return nil, err
	}

	for _, id := range rec.KnowledgeBaseIDs {
		if id == kbID {
			return rec, nil
		}
	}

	if err := p.remote.AttachKnowledgeBase(ctx, rec.AgentID, kbID); err != nil {
		return nil, fmt.Errorf("%w: attaching %s to agent %s: %v", ErrProvisionFailed, kbID, rec.AgentID, err)
	}

	// rec may be the cached record, shared with concurrent readers. The new
	// id goes onto a copy and reaches the cache only after the store
	// accepted it, so a failed upsert leaves both tiers as they were.
	updated := *rec
	updated.KnowledgeBaseIDs = append(append([]string(nil), rec.KnowledgeBaseIDs...), kbID)
	if err := p.store.PutAgent(ctx, &updated); err != nil {
		return nil, fmt.Errorf("%w: persisting agent %s: %v", ErrStoreUnavailable, updated.AgentID, err)
	}
	p.cache.SetAgent(key, &updated)
	return &updated, nil
}

// LookupAgent resolves an existing agent through cache then store without
// ever creating one. Absence in both tiers is ErrAgentNotProvisioned.
func (p *Provisioner) LookupAgent(ctx context.Context, key identity.Key) (*store.AgentRecord, error) {
	return p.lookupAgent(ctx, key)
}

func (p *Provisioner) lookupAgent(ctx context.Context, key identity.Key) (*store.AgentRecord, error) {
	if rec, ok := p.cache.GetAgent(key); ok {
		return rec, nil
	}
	rec, err := p.store.GetAgent(ctx, key)
	switch {
	case err == nil:
		p.cache.SetAgent(key, rec)
		return rec, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrAgentNotProvisioned, key)
	default:
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

// WarmCache loads all persisted agents and knowledge bases into the memory
// tier. Called once at startup; failures are non-fatal since the resolve
// chain falls through to the store anyway.
func (p *Provisioner) WarmCache(ctx context.Context) error {
	agents, err := p.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("%w: listing agents: %v", ErrStoreUnavailable, err)
	}
	for _, rec := range agents {
		p.cache.SetAgent(rec.WebsiteKey, rec)
	}

	kbs, err := p.store.ListKnowledgeBases(ctx)
	if err != nil {
		return fmt.Errorf("%w: listing knowledge bases: %v", ErrStoreUnavailable, err)
	}
	for _, rec := range kbs {
		p.cache.SetKnowledgeBase(rec.WebsiteKey, rec)
	}

	p.logger.Info("cache warmed", "agents", len(agents), "knowledge_bases", len(kbs))
	return nil
}

func agentInstruction(websiteURL string) string {
	return "You are a helpful customer support assistant for " + websiteURL + ". " +
		"Answer questions using the site's knowledge base. " +
		"If the answer is not covered by the knowledge base, say so and suggest " +
		"contacting the site's support team. Keep answers concise and cite sources " +
		"when available."
}
