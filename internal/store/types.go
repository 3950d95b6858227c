package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/buoyhq/buoy/internal/identity"
)

// AgentRecord is the durable row describing the remote agent provisioned for
// one website identity. Created once on first successful remote creation;
// mutated only when knowledge bases are attached or deployment state is
// refreshed.
type AgentRecord struct {
	WebsiteKey       identity.Key
	AgentID          string
	Endpoint         string
	AccessSecret     string
	WebsiteURL       string
	KnowledgeBaseIDs []string
	DeploymentStatus string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// KnowledgeBaseRecord is the durable row describing the remote knowledge
// base provisioned for one website identity.
type KnowledgeBaseRecord struct {
	WebsiteKey      identity.Key
	KnowledgeBaseID string
	WebsiteURL      string
	DisplayName     string
	DatabaseID      string
	CreatedAt       time.Time
}

// Session is a chat session. The provisioning layer treats it as read-only
// context; ownership of session lifecycle lives with the API layer.
type Session struct {
	ID           uuid.UUID
	UserID       string
	WebsiteKey   identity.Key
	WebsiteURL   string
	Status       string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Message roles stored in conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	UserID    string
	Role      string
	Content   string
	CreatedAt time.Time
}
