package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/sentrahq/sentra/internal/store"
)

// PGStatsStore implements store.StatsStore backed by Postgres.
type PGStatsStore struct {
	db *sql.DB
}

func NewPGStatsStore(db *sql.DB) *PGStatsStore {
	return &PGStatsStore{db: db}
}

func (s *PGStatsStore) Overview(ctx context.Context) (*store.Stats, error) {
	var st store.Stats

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM conversations WHERE escalated),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM messages WHERE flagged),
			(SELECT COUNT(DISTINCT message_id) FROM moderation_logs WHERE decision = 'block'),
			(SELECT COALESCE(AVG(response_time_ms), 0) FROM messages WHERE response_time_ms IS NOT NULL),
			(SELECT COALESCE(AVG(token_count), 0) FROM messages WHERE token_count IS NOT NULL)
	`).Scan(
		&st.TotalConversations,
		&st.EscalatedConversations,
		&st.TotalMessages,
		&st.FlaggedMessages,
		&st.BlockedMessages,
		&st.AvgResponseTimeMs,
		&st.AvgTokensUsed,
	)
	if err != nil {
		return nil, err
	}

	active, err := NewPGSessionStore(s.db).CountActiveSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	st.ActiveSessions24h = active

	return &st, nil
}
