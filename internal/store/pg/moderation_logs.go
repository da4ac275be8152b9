package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sentrahq/sentra/internal/store"
)

// PGModerationLogStore implements store.ModerationLogStore backed by Postgres.
type PGModerationLogStore struct {
	db *sql.DB
}

func NewPGModerationLogStore(db *sql.DB) *PGModerationLogStore {
	return &PGModerationLogStore{db: db}
}

func (s *PGModerationLogStore) Insert(ctx context.Context, l *store.ModerationLog) error {
	return insertModerationLogTx(ctx, s.db, l)
}

func (s *PGModerationLogStore) List(ctx context.Context, limit, offset int) (store.ModerationLogListResult, error) {
	var result store.ModerationLogListResult
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM moderation_logs`,
	).Scan(&result.Total); err != nil {
		return result, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, categories, scores, flagged, decision, reasons, skipped, created_at
		 FROM moderation_logs
		 ORDER BY created_at DESC, id DESC
		 LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return result, err
	}
	defer rows.Close()

	for rows.Next() {
		l, err := scanModerationLog(rows)
		if err != nil {
			return result, err
		}
		result.Logs = append(result.Logs, *l)
	}
	return result, rows.Err()
}

func scanModerationLog(r scanner) (*store.ModerationLog, error) {
	var l store.ModerationLog
	var categories, scores, reasons []byte
	if err := r.Scan(&l.ID, &l.MessageID, &categories, &scores, &l.Flagged,
		&l.Decision, &reasons, &l.Skipped, &l.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(categories, &l.Categories); err != nil {
		return nil, fmt.Errorf("unmarshal categories: %w", err)
	}
	if err := json.Unmarshal(scores, &l.Scores); err != nil {
		return nil, fmt.Errorf("unmarshal scores: %w", err)
	}
	if err := json.Unmarshal(reasons, &l.Reasons); err != nil {
		return nil, fmt.Errorf("unmarshal reasons: %w", err)
	}
	return &l, nil
}
