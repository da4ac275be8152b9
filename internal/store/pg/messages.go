package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentrahq/sentra/internal/store"
)

// PGMessageStore implements store.MessageStore backed by Postgres.
type PGMessageStore struct {
	db *sql.DB
}

func NewPGMessageStore(db *sql.DB) *PGMessageStore {
	return &PGMessageStore{db: db}
}

func (s *PGMessageStore) Insert(ctx context.Context, m *store.Message) error {
	if m.ID == uuid.Nil {
		m.ID = store.GenNewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, flagged, canceled, response_time_ms, token_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.Flagged, m.Canceled,
		m.ResponseTimeMs, m.TokenCount, m.CreatedAt,
	)
	return err
}

func (s *PGMessageStore) Get(ctx context.Context, id uuid.UUID) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, content, flagged, canceled, response_time_ms, token_count, created_at
		 FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return msg, err
}

func (s *PGMessageStore) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, flagged, canceled, response_time_ms, token_count, created_at
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// SetVerdict updates the flagged bit and writes the moderation log in one
// transaction so the audit pair is never observable apart.
func (s *PGMessageStore) SetVerdict(ctx context.Context, id uuid.UUID, flagged bool, log *store.ModerationLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET flagged = $2 WHERE id = $1`, id, flagged,
	); err != nil {
		return err
	}
	if log != nil {
		log.MessageID = id
		if err := insertModerationLogTx(ctx, tx, log); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Rewrite replaces assistant content after a post-generation decision. The
// content update, moderation log, and conversation escalation latch commit
// together.
func (s *PGMessageStore) Rewrite(ctx context.Context, id uuid.UUID, content string, flagged bool, log *store.ModerationLog, escalationCategory *string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var conversationID uuid.UUID
	err = tx.QueryRowContext(ctx,
		`UPDATE messages SET content = $2, flagged = $3 WHERE id = $1
		 RETURNING conversation_id`, id, content, flagged,
	).Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}

	if log != nil {
		log.MessageID = id
		if err := insertModerationLogTx(ctx, tx, log); err != nil {
			return err
		}
	}

	if escalationCategory != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations
			 SET escalated = TRUE, escalation_category = $2, updated_at = $3
			 WHERE id = $1 AND NOT escalated`,
			conversationID, *escalationCategory, time.Now(),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// execer matches *sql.DB and *sql.Tx for shared insert helpers.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertModerationLogTx(ctx context.Context, e execer, l *store.ModerationLog) error {
	if l.ID == uuid.Nil {
		l.ID = store.GenNewID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	categories, err := json.Marshal(orEmptyBoolMap(l.Categories))
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	scores, err := json.Marshal(orEmptyScoreMap(l.Scores))
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	reasons, err := json.Marshal(orEmptyStrings(l.Reasons))
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}

	_, err = e.ExecContext(ctx,
		`INSERT INTO moderation_logs (id, message_id, categories, scores, flagged, decision, reasons, skipped, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.MessageID, categories, scores, l.Flagged, l.Decision, reasons, l.Skipped, l.CreatedAt,
	)
	return err
}

func scanMessage(r scanner) (*store.Message, error) {
	var m store.Message
	var responseTime, tokenCount sql.NullInt64
	if err := r.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Flagged,
		&m.Canceled, &responseTime, &tokenCount, &m.CreatedAt); err != nil {
		return nil, err
	}
	if responseTime.Valid {
		v := int(responseTime.Int64)
		m.ResponseTimeMs = &v
	}
	if tokenCount.Valid {
		v := int(tokenCount.Int64)
		m.TokenCount = &v
	}
	return &m, nil
}

func orEmptyBoolMap(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}

func orEmptyScoreMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
