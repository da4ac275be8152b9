package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one utterance in a conversation. Rows are immutable after the
// turn that produced them completes; the only in-turn mutations are the
// flagged bit and the post-check content rewrite, both performed by the
// pipeline before the turn's terminal event.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Flagged        bool      `json:"flagged"`
	Canceled       bool      `json:"canceled,omitempty"`
	ResponseTimeMs *int      `json:"responseTimeMs,omitempty"`
	TokenCount     *int      `json:"tokenCount,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ModerationLog is the audit record for one checked message. Categories and
// scores come from the moderation provider; rule matches contribute their
// category with a true flag and no score. Decision and Reasons capture the
// resolved outcome so the audit trail stands alone. Skipped marks turns
// where the moderation provider was unreachable and that layer was bypassed.
type ModerationLog struct {
	ID         uuid.UUID          `json:"id"`
	MessageID  uuid.UUID          `json:"messageId"`
	Categories map[string]bool    `json:"categories"`
	Scores     map[string]float64 `json:"scores"`
	Flagged    bool               `json:"flagged"`
	Decision   string             `json:"decision"`
	Reasons    []string           `json:"reasons,omitempty"`
	Skipped    bool               `json:"skipped"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// ModerationLogListResult is a page of moderation logs plus the total.
type ModerationLogListResult struct {
	Logs  []ModerationLog `json:"logs"`
	Total int             `json:"total"`
}

// MessageStore persists messages and their audit records. The composite
// methods run their writes in a single transaction so a message and its
// moderation log are never observable apart.
type MessageStore interface {
	Insert(ctx context.Context, m *Message) error
	Get(ctx context.Context, id uuid.UUID) (*Message, error)
	// ListByConversation returns messages ordered by created_at, then ID.
	ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]Message, error)
	// SetVerdict updates the flagged bit and writes the moderation log in
	// one transaction. A nil log only updates the flag.
	SetVerdict(ctx context.Context, id uuid.UUID, flagged bool, log *ModerationLog) error
	// Rewrite replaces message content after a post-generation decision.
	// Content, flagged bit, optional moderation log, and the optional
	// conversation escalation latch commit together.
	Rewrite(ctx context.Context, id uuid.UUID, content string, flagged bool, log *ModerationLog, escalationCategory *string) error
}

// ModerationLogStore reads the audit trail for the admin surface.
type ModerationLogStore interface {
	Insert(ctx context.Context, l *ModerationLog) error
	List(ctx context.Context, limit, offset int) (ModerationLogListResult, error)
}
