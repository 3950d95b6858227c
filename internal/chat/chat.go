// Package chat dispatches questions to provisioned support agents. It never
// creates remote resources; an identity without an agent is an error.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/buoyhq/buoy/internal/identity"
	"github.com/buoyhq/buoy/internal/store"
)

// ErrAgentNotReady indicates the agent exists but its deployment has no
// serving endpoint yet.
var ErrAgentNotReady = errors.New("agent deployment not ready")

// Resolver finds the agent for an identity through cache then store only.
type Resolver interface {
	LookupAgent(ctx context.Context, key identity.Key) (*store.AgentRecord, error)
}

// Asker calls an agent's chat completions endpoint.
type Asker interface {
	Ask(ctx context.Context, agentEndpoint, accessSecret, question string) (string, error)
}

// History persists conversation turns and session activity.
type History interface {
	AddMessage(ctx context.Context, msg *store.Message) error
	TouchSession(ctx context.Context, sessionID uuid.UUID) error
}

// Dispatcher routes questions to agents and records the exchange.
type Dispatcher struct {
	resolver Resolver
	asker    Asker
	history  History
	logger   *slog.Logger
}

// New creates a Dispatcher. history may be nil when conversation persistence
// is not wanted.
func New(resolver Resolver, asker Asker, history History, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		resolver: resolver,
		asker:    asker,
		history:  history,
		logger:   logger.With("component", "chat"),
	}
}

// Ask resolves the identity's agent and sends it the question. The session
// is optional; when present its user and website context is prepended to the
// question and both turns are persisted. History failures are logged, never
// surfaced: losing a transcript line must not fail the answer.
func (d *Dispatcher) Ask(ctx context.Context, key identity.Key, question string, sess *store.Session) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", errors.New("empty question")
	}

	rec, err := d.resolver.LookupAgent(ctx, key)
	if err != nil {
		return "", err
	}
	if rec.Endpoint == "" || rec.AccessSecret == "" {
		return "", fmt.Errorf("%w: agent %s", ErrAgentNotReady, rec.AgentID)
	}

	answer, err := d.asker.Ask(ctx, rec.Endpoint, rec.AccessSecret, enhanceQuestion(question, rec.WebsiteURL, sess))
	if err != nil {
		return "", fmt.Errorf("asking agent %s: %w", rec.AgentID, err)
	}

	if d.history != nil && sess != nil {
		d.record(ctx, sess, question, answer)
	}
	return answer, nil
}

func (d *Dispatcher) record(ctx context.Context, sess *store.Session, question, answer string) {
	for _, msg := range []*store.Message{
		{SessionID: sess.ID, UserID: sess.UserID, Role: store.RoleUser, Content: question},
		{SessionID: sess.ID, UserID: sess.UserID, Role: store.RoleAssistant, Content: answer},
	} {
		if err := d.history.AddMessage(ctx, msg); err != nil {
			d.logger.Warn("failed to persist conversation turn",
				"session_id", sess.ID, "role", msg.Role, "error", err)
		}
	}
	if err := d.history.TouchSession(ctx, sess.ID); err != nil {
		d.logger.Warn("failed to touch session", "session_id", sess.ID, "error", err)
	}
}

// enhanceQuestion prepends the website and user context so the agent answers
// in the right scope even when the question alone is ambiguous.
func enhanceQuestion(question, websiteURL string, sess *store.Session) string {
	var b strings.Builder
	b.WriteString("A visitor of ")
	b.WriteString(websiteURL)
	b.WriteString(" is asking for support.")
	if sess != nil && sess.UserID != "" {
		b.WriteString(" Visitor id: ")
		b.WriteString(sess.UserID)
		b.WriteString(".")
	}
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	return b.String()
}
