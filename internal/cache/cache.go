// Package cache implements the in-process tier of the two-tier resource
// lookup.
//
// The cache is a plain map guarded by a RWMutex: unbounded, alive for the
// process lifetime, and never authoritative. A miss here always falls
// through to the durable store before any remote call is considered. It is
// an explicit, injectable object rather than a package-level singleton so
// tests can construct isolated instances.
package cache

import (
	"sync"

	"github.com/buoyhq/buoy/internal/identity"
	"github.com/buoyhq/buoy/internal/store"
)

// Resources caches live agent and knowledge base records by website key.
// Safe for concurrent use by multiple goroutines.
type Resources struct {
	mu             sync.RWMutex
	agents         map[identity.Key]*store.AgentRecord
	knowledgeBases map[identity.Key]*store.KnowledgeBaseRecord
}

// New creates an empty resource cache.
func New() *Resources {
	return &Resources{
		agents:         make(map[identity.Key]*store.AgentRecord),
		knowledgeBases: make(map[identity.Key]*store.KnowledgeBaseRecord),
	}
}

// GetAgent returns the cached agent record for a key, if present.
func (r *Resources) GetAgent(key identity.Key) (*store.AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[key]
	return rec, ok
}

// SetAgent stores an agent record. Called on every successful store read or
// remote creation (write-through).
func (r *Resources) SetAgent(key identity.Key, rec *store.AgentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[key] = rec
}

// GetKnowledgeBase returns the cached knowledge base record for a key, if
// present.
func (r *Resources) GetKnowledgeBase(key identity.Key) (*store.KnowledgeBaseRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.knowledgeBases[key]
	return rec, ok
}

// SetKnowledgeBase stores a knowledge base record.
func (r *Resources) SetKnowledgeBase(key identity.Key, rec *store.KnowledgeBaseRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.knowledgeBases[key] = rec
}

// Agents returns a snapshot of all cached agent records.
func (r *Resources) Agents() []*store.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*store.AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec)
	}
	return out
}

// KnowledgeBases returns a snapshot of all cached knowledge base records.
func (r *Resources) KnowledgeBases() []*store.KnowledgeBaseRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*store.KnowledgeBaseRecord, 0, len(r.knowledgeBases))
	for _, rec := range r.knowledgeBases {
		out = append(out, rec)
	}
	return out
}

// Len reports the number of cached agents and knowledge bases.
func (r *Resources) Len() (agents, knowledgeBases int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents), len(r.knowledgeBases)
}
