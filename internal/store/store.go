// Package store implements the durable tier of the two-tier resource lookup.
//
// Two core tables, agents and knowledge_bases, are keyed by website identity.
// Every put is an upsert (INSERT ... ON CONFLICT DO UPDATE) so concurrent
// request workers never need client-side locking: upsert-by-unique-key is
// idempotent and last-write-wins per key. The store is the source of truth;
// the in-process cache mirrors it.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/buoyhq/buoy/internal/identity"
)

// DBTX is the subset of pgxpool.Pool the store needs. Defined by the
// consumer so tests and transactions can substitute the pool.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists per-site resource records in PostgreSQL.
// Safe for concurrent use by multiple goroutines.
type Store struct {
	db     DBTX
	logger *slog.Logger
}

// New creates a Store. logger may be nil, in which case slog.Default is
// used.
func New(db DBTX, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// GetAgent returns the agent record for a website key, or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, key identity.Key) (*AgentRecord, error) {
	const q = `
		SELECT website_key, agent_uuid, COALESCE(agent_endpoint, ''),
		       COALESCE(access_secret, ''), website_url, knowledge_base_uuids,
		       deployment_status, created_at, updated_at
		FROM agents
		WHERE website_key = $1`

	var rec AgentRecord
	var websiteKey string
	err := s.db.QueryRow(ctx, q, string(key)).Scan(
		&websiteKey,
		&rec.AgentID,
		&rec.Endpoint,
		&rec.AccessSecret,
		&rec.WebsiteURL,
		&rec.KnowledgeBaseIDs,
		&rec.DeploymentStatus,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("agent for %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("querying agent %s: %w", key, err)
	}
	rec.WebsiteKey = identity.Key(websiteKey)
	return &rec, nil
}

// PutAgent upserts an agent record keyed by website identity. updated_at is
// refreshed on every write; created_at is preserved for existing rows.
func (s *Store) PutAgent(ctx context.Context, rec *AgentRecord) error {
	const q = `
		INSERT INTO agents (website_key, agent_uuid, agent_endpoint, access_secret,
		                    website_url, knowledge_base_uuids, deployment_status,
		                    created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (website_key) DO UPDATE SET
			agent_uuid           = EXCLUDED.agent_uuid,
			agent_endpoint       = EXCLUDED.agent_endpoint,
			access_secret        = EXCLUDED.access_secret,
			website_url          = EXCLUDED.website_url,
			knowledge_base_uuids = EXCLUDED.knowledge_base_uuids,
			deployment_status    = EXCLUDED.deployment_status,
			updated_at           = now()`

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	kbIDs := rec.KnowledgeBaseIDs
	if kbIDs == nil {
		kbIDs = []string{}
	}

	_, err := s.db.Exec(ctx, q,
		string(rec.WebsiteKey),
		rec.AgentID,
		rec.Endpoint,
		rec.AccessSecret,
		rec.WebsiteURL,
		kbIDs,
		rec.DeploymentStatus,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("upserting agent %s: %w", rec.WebsiteKey, err)
	}

	s.logger.Debug("upserted agent record",
		"website_key", rec.WebsiteKey, "agent_id", rec.AgentID)
	return nil
}

// GetKnowledgeBase returns the knowledge base record for a website key, or
// ErrNotFound.
func (s *Store) GetKnowledgeBase(ctx context.Context, key identity.Key) (*KnowledgeBaseRecord, error) {
	const q = `
		SELECT website_key, kb_uuid, website_url,
		       COALESCE(display_name, ''), COALESCE(database_id, ''), created_at
		FROM knowledge_bases
		WHERE website_key = $1`

	var rec KnowledgeBaseRecord
	var websiteKey string
	err := s.db.QueryRow(ctx, q, string(key)).Scan(
		&websiteKey,
		&rec.KnowledgeBaseID,
		&rec.WebsiteURL,
		&rec.DisplayName,
		&rec.DatabaseID,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("knowledge base for %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("querying knowledge base %s: %w", key, err)
	}
	rec.WebsiteKey = identity.Key(websiteKey)
	return &rec, nil
}

// PutKnowledgeBase upserts a knowledge base record keyed by website
// identity.
func (s *Store) PutKnowledgeBase(ctx context.Context, rec *KnowledgeBaseRecord) error {
	const q = `
		INSERT INTO knowledge_bases (website_key, kb_uuid, website_url,
		                             display_name, database_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (website_key) DO UPDATE SET
			kb_uuid      = EXCLUDED.kb_uuid,
			website_url  = EXCLUDED.website_url,
			display_name = EXCLUDED.display_name,
			database_id  = EXCLUDED.database_id`

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.Exec(ctx, q,
		string(rec.WebsiteKey),
		rec.KnowledgeBaseID,
		rec.WebsiteURL,
		rec.DisplayName,
		rec.DatabaseID,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("upserting knowledge base %s: %w", rec.WebsiteKey, err)
	}

	s.logger.Debug("upserted knowledge base record",
		"website_key", rec.WebsiteKey, "kb_id", rec.KnowledgeBaseID)
	return nil
}

// ListAgents returns all agent records. Used to warm the resource cache at
// startup.
func (s *Store) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	const q = `
		SELECT website_key, agent_uuid, COALESCE(agent_endpoint, ''),
		       COALESCE(access_secret, ''), website_url, knowledge_base_uuids,
		       deployment_status, created_at, updated_at
		FROM agents`

	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var records []*AgentRecord
	for rows.Next() {
		var rec AgentRecord
		var websiteKey string
		if err := rows.Scan(
			&websiteKey,
			&rec.AgentID,
			&rec.Endpoint,
			&rec.AccessSecret,
			&rec.WebsiteURL,
			&rec.KnowledgeBaseIDs,
			&rec.DeploymentStatus,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		rec.WebsiteKey = identity.Key(websiteKey)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return records, nil
}

// ListKnowledgeBases returns all knowledge base records.
func (s *Store) ListKnowledgeBases(ctx context.Context) ([]*KnowledgeBaseRecord, error) {
	const q = `
		SELECT website_key, kb_uuid, website_url,
		       COALESCE(display_name, ''), COALESCE(database_id, ''), created_at
		FROM knowledge_bases`

	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing knowledge bases: %w", err)
	}
	defer rows.Close()

	var records []*KnowledgeBaseRecord
	for rows.Next() {
		var rec KnowledgeBaseRecord
		var websiteKey string
		if err := rows.Scan(
			&websiteKey,
			&rec.KnowledgeBaseID,
			&rec.WebsiteURL,
			&rec.DisplayName,
			&rec.DatabaseID,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning knowledge base row: %w", err)
		}
		rec.WebsiteKey = identity.Key(websiteKey)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating knowledge base rows: %w", err)
	}
	return records, nil
}

// GetConfigValue returns a provider-level config value, or ErrNotFound.
// Empty stored values are treated as absent.
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, error) {
	const q = `
		SELECT config_value FROM provider_config
		WHERE config_key = $1 AND config_value <> ''`

	var value string
	err := s.db.QueryRow(ctx, q, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("config %q: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("querying config %q: %w", key, err)
	}
	return value, nil
}

// PutConfigValue upserts a provider-level config value.
func (s *Store) PutConfigValue(ctx context.Context, key, value string) error {
	const q = `
		INSERT INTO provider_config (config_key, config_value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (config_key) DO UPDATE SET
			config_value = EXCLUDED.config_value,
			updated_at   = now()`

	if _, err := s.db.Exec(ctx, q, key, value); err != nil {
		return fmt.Errorf("upserting config %q: %w", key, err)
	}
	return nil
}

// PutSession upserts a session row.
func (s *Store) PutSession(ctx context.Context, sess *Session) error {
	const q = `
		INSERT INTO user_sessions (session_id, user_id, website_key, website_url,
		                           status, created_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id       = EXCLUDED.user_id,
			website_key   = EXCLUDED.website_key,
			website_url   = EXCLUDED.website_url,
			status        = EXCLUDED.status,
			last_activity = EXCLUDED.last_activity`

	status := sess.Status
	if status == "" {
		status = "active"
	}
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	lastActivity := sess.LastActivity
	if lastActivity.IsZero() {
		lastActivity = createdAt
	}

	_, err := s.db.Exec(ctx, q,
		sess.ID,
		sess.UserID,
		string(sess.WebsiteKey),
		sess.WebsiteURL,
		status,
		createdAt,
		lastActivity,
	)
	if err != nil {
		return fmt.Errorf("upserting session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession returns an active session by id, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	const q = `
		SELECT session_id, user_id, COALESCE(website_key, ''),
		       COALESCE(website_url, ''), status, created_at, last_activity
		FROM user_sessions
		WHERE session_id = $1 AND status = 'active'`

	var sess Session
	var websiteKey string
	err := s.db.QueryRow(ctx, q, sessionID).Scan(
		&sess.ID,
		&sess.UserID,
		&websiteKey,
		&sess.WebsiteURL,
		&sess.Status,
		&sess.CreatedAt,
		&sess.LastActivity,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("querying session %s: %w", sessionID, err)
	}
	sess.WebsiteKey = identity.Key(websiteKey)
	return &sess, nil
}

// ListSessions returns active sessions ordered by most recent activity.
func (s *Store) ListSessions(ctx context.Context, limit int32) ([]*Session, error) {
	const q = `
		SELECT session_id, user_id, COALESCE(website_key, ''),
		       COALESCE(website_url, ''), status, created_at, last_activity
		FROM user_sessions
		WHERE status = 'active'
		ORDER BY last_activity DESC
		LIMIT $1`

	rows, err := s.db.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var websiteKey string
		if err := rows.Scan(
			&sess.ID,
			&sess.UserID,
			&websiteKey,
			&sess.WebsiteURL,
			&sess.Status,
			&sess.CreatedAt,
			&sess.LastActivity,
		); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sess.WebsiteKey = identity.Key(websiteKey)
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// TouchSession refreshes a session's last_activity timestamp.
func (s *Store) TouchSession(ctx context.Context, sessionID uuid.UUID) error {
	const q = `UPDATE user_sessions SET last_activity = now() WHERE session_id = $1`
	if _, err := s.db.Exec(ctx, q, sessionID); err != nil {
		return fmt.Errorf("touching session %s: %w", sessionID, err)
	}
	return nil
}

// AddMessage appends one conversation turn. A zero message id is replaced
// with a fresh UUID.
func (s *Store) AddMessage(ctx context.Context, msg *Message) error {
	const q = `
		INSERT INTO conversation_history (id, session_id, user_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	id := msg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.Exec(ctx, q, id, msg.SessionID, msg.UserID, msg.Role, msg.Content, createdAt)
	if err != nil {
		return fmt.Errorf("adding message to session %s: %w", msg.SessionID, err)
	}
	return nil
}

// GetConversation returns a session's messages in chronological order.
func (s *Store) GetConversation(ctx context.Context, sessionID uuid.UUID) ([]*Message, error) {
	const q = `
		SELECT id, session_id, user_id, role, content, created_at
		FROM conversation_history
		WHERE session_id = $1
		ORDER BY created_at ASC`

	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying conversation %s: %w", sessionID, err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&msg.UserID,
			&msg.Role,
			&msg.Content,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}
