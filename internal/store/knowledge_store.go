package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// KnowledgeDoc is one retrievable corpus entry for RAG grounding.
type KnowledgeDoc struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	Keywords  []string  `json:"keywords"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// KnowledgeStore is the admin CRUD surface for the RAG corpus.
type KnowledgeStore interface {
	List(ctx context.Context) ([]KnowledgeDoc, error)
	Get(ctx context.Context, id uuid.UUID) (*KnowledgeDoc, error)
	Create(ctx context.Context, d *KnowledgeDoc) error
	Update(ctx context.Context, d *KnowledgeDoc) error
	Delete(ctx context.Context, id uuid.UUID) error
	// BulkImport inserts docs in one transaction and returns the count written.
	BulkImport(ctx context.Context, docs []KnowledgeDoc) (int, error)
	// BulkDelete removes docs by ID in one transaction; missing IDs are skipped.
	BulkDelete(ctx context.Context, ids []uuid.UUID) (int, error)
}

// Stats is the aggregate snapshot served by the admin stats endpoint.
type Stats struct {
	TotalConversations     int     `json:"totalConversations"`
	TotalMessages          int     `json:"totalMessages"`
	EscalatedConversations int     `json:"escalatedConversations"`
	BlockedMessages        int     `json:"blockedMessages"`
	FlaggedMessages        int     `json:"flaggedMessages"`
	AvgResponseTimeMs      float64 `json:"avgResponseTimeMs"`
	AvgTokensUsed          float64 `json:"avgTokensUsed"`
	ActiveSessions24h      int     `json:"activeSessions24h"`
}

// StatsStore aggregates usage counters for the admin surface.
type StatsStore interface {
	Overview(ctx context.Context) (*Stats, error)
}
