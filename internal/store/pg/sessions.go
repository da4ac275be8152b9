package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// PGSessionStore implements store.SessionStore backed by Postgres.
type PGSessionStore struct {
	db *sql.DB
}

func NewPGSessionStore(db *sql.DB) *PGSessionStore {
	return &PGSessionStore{db: db}
}

// Touch upserts the session row. first_seen is written once; last_seen on
// every request carrying the session.
func (s *PGSessionStore) Touch(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, first_seen, last_seen)
		 VALUES ($1, $2, $2)
		 ON CONFLICT (id) DO UPDATE SET last_seen = $2`,
		id, now,
	)
	return err
}

func (s *PGSessionStore) CountActiveSince(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE last_seen >= $1`, cutoff,
	).Scan(&n)
	return n, err
}
