package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentrahq/sentra/internal/store"
)

// PGConversationStore implements store.ConversationStore backed by Postgres.
type PGConversationStore struct {
	db *sql.DB
}

func NewPGConversationStore(db *sql.DB) *PGConversationStore {
	return &PGConversationStore{db: db}
}

func (s *PGConversationStore) Create(ctx context.Context, sessionID uuid.UUID) (*store.Conversation, error) {
	now := time.Now()
	conv := &store.Conversation{
		ID:        store.GenNewID(),
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, session_id, escalated, created_at, updated_at)
		 VALUES ($1, $2, FALSE, $3, $3)`,
		conv.ID, conv.SessionID, now,
	)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *PGConversationStore) Get(ctx context.Context, id uuid.UUID) (*store.Conversation, error) {
	return s.getWhere(ctx, `WHERE id = $1`, id)
}

func (s *PGConversationStore) GetForSession(ctx context.Context, id, sessionID uuid.UUID) (*store.Conversation, error) {
	return s.getWhere(ctx, `WHERE id = $1 AND session_id = $2`, id, sessionID)
}

func (s *PGConversationStore) getWhere(ctx context.Context, where string, args ...any) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, escalated, escalation_category, created_at, updated_at
		 FROM conversations `+where, args...)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return conv, err
}

func (s *PGConversationStore) ListBySession(ctx context.Context, sessionID uuid.UUID, limit, offset int) (store.ConversationListResult, error) {
	return s.list(ctx, `WHERE session_id = $1`, limit, offset, sessionID)
}

func (s *PGConversationStore) ListEscalated(ctx context.Context, limit, offset int) (store.ConversationListResult, error) {
	return s.list(ctx, `WHERE escalated`, limit, offset)
}

func (s *PGConversationStore) list(ctx context.Context, where string, limit, offset int, args ...any) (store.ConversationListResult, error) {
	var result store.ConversationListResult
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations `+where, args...,
	).Scan(&result.Total); err != nil {
		return result, err
	}

	pageArgs := append(append([]any{}, args...), limit, offset)
	n := len(args)
	query := fmt.Sprintf(
		`SELECT id, session_id, escalated, escalation_category, created_at, updated_at
		 FROM conversations %s
		 ORDER BY updated_at DESC
		 LIMIT $%d OFFSET $%d`, where, n+1, n+2)
	rows, err := s.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return result, err
	}
	defer rows.Close()

	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return result, err
		}
		result.Conversations = append(result.Conversations, *conv)
	}
	return result, rows.Err()
}

// MarkEscalated latches the escalated flag atomically: a conversation that
// already escalated keeps its original category.
func (s *PGConversationStore) MarkEscalated(ctx context.Context, id uuid.UUID, category string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET escalated = TRUE, escalation_category = $2, updated_at = $3
		 WHERE id = $1 AND NOT escalated`,
		id, category, time.Now(),
	)
	return err
}

func (s *PGConversationStore) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = $2 WHERE id = $1`,
		id, time.Now(),
	)
	return err
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(r scanner) (*store.Conversation, error) {
	var conv store.Conversation
	var category sql.NullString
	if err := r.Scan(&conv.ID, &conv.SessionID, &conv.Escalated, &category,
		&conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	if category.Valid {
		conv.EscalationCategory = &category.String
	}
	return &conv, nil
}
