package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Session is a client-identified request-origin scope. The ID is always
// chosen by the client; the server only records when it was seen.
type Session struct {
	ID        uuid.UUID `json:"id"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Conversation groups the ordered messages of one chat thread.
// The escalated flag latches: once true it is never reset.
type Conversation struct {
	ID                 uuid.UUID `json:"id"`
	SessionID          uuid.UUID `json:"sessionId"`
	Escalated          bool      `json:"escalated"`
	EscalationCategory *string   `json:"escalationCategory,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`

	// Messages is populated only by reads that request the full thread.
	Messages []Message `json:"messages,omitempty"`
}

// ConversationListResult is a page of conversations plus the unpaged total.
type ConversationListResult struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}

// SessionStore records session sightings.
type SessionStore interface {
	// Touch upserts the session row, setting first_seen on insert and
	// last_seen on every call.
	Touch(ctx context.Context, id uuid.UUID) error
	// CountActiveSince counts sessions seen after the cutoff.
	CountActiveSince(ctx context.Context, cutoff time.Time) (int, error)
}

// ConversationStore manages conversation rows. Only the pipeline mutates
// conversations; admin surfaces read them.
type ConversationStore interface {
	Create(ctx context.Context, sessionID uuid.UUID) (*Conversation, error)
	// Get returns the conversation without messages; ErrNotFound if missing.
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)
	// GetForSession returns ErrNotFound when the conversation does not exist
	// or belongs to a different session.
	GetForSession(ctx context.Context, id, sessionID uuid.UUID) (*Conversation, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID, limit, offset int) (ConversationListResult, error)
	ListEscalated(ctx context.Context, limit, offset int) (ConversationListResult, error)
	// MarkEscalated latches the escalated flag with the given category.
	// A conversation already escalated keeps its original category.
	MarkEscalated(ctx context.Context, id uuid.UUID, category string) error
	// Touch bumps updated_at after a turn completes.
	Touch(ctx context.Context, id uuid.UUID) error
}
