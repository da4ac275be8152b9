package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/sentrahq/sentra/internal/store"
)

// PGModerationSettingStore implements store.ModerationSettingStore.
type PGModerationSettingStore struct {
	db *sql.DB
}

func NewPGModerationSettingStore(db *sql.DB) *PGModerationSettingStore {
	return &PGModerationSettingStore{db: db}
}

func (s *PGModerationSettingStore) List(ctx context.Context) ([]store.ModerationSetting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, enabled, threshold, action, updated_at
		 FROM moderation_settings ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []store.ModerationSetting
	for rows.Next() {
		var m store.ModerationSetting
		if err := rows.Scan(&m.Category, &m.Enabled, &m.Threshold, &m.Action, &m.UpdatedAt); err != nil {
			return nil, err
		}
		settings = append(settings, m)
	}
	return settings, rows.Err()
}

func (s *PGModerationSettingStore) Get(ctx context.Context, category string) (*store.ModerationSetting, error) {
	var m store.ModerationSetting
	err := s.db.QueryRowContext(ctx,
		`SELECT category, enabled, threshold, action, updated_at
		 FROM moderation_settings WHERE category = $1`, category,
	).Scan(&m.Category, &m.Enabled, &m.Threshold, &m.Action, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PGModerationSettingStore) Upsert(ctx context.Context, m *store.ModerationSetting) error {
	m.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO moderation_settings (category, enabled, threshold, action, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (category) DO UPDATE
		 SET enabled = $2, threshold = $3, action = $4, updated_at = $5`,
		m.Category, m.Enabled, m.Threshold, m.Action, m.UpdatedAt,
	)
	return err
}

// PGEscalationSettingStore implements store.EscalationSettingStore.
type PGEscalationSettingStore struct {
	db *sql.DB
}

func NewPGEscalationSettingStore(db *sql.DB) *PGEscalationSettingStore {
	return &PGEscalationSettingStore{db: db}
}

func (s *PGEscalationSettingStore) List(ctx context.Context) ([]store.EscalationSetting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, enabled, keywords, response_template, priority, updated_at
		 FROM escalation_settings
		 ORDER BY priority DESC, category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []store.EscalationSetting
	for rows.Next() {
		e, err := scanEscalationSetting(rows)
		if err != nil {
			return nil, err
		}
		settings = append(settings, *e)
	}
	return settings, rows.Err()
}

func (s *PGEscalationSettingStore) Get(ctx context.Context, category string) (*store.EscalationSetting, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT category, enabled, keywords, response_template, priority, updated_at
		 FROM escalation_settings WHERE category = $1`, category)
	e, err := scanEscalationSetting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return e, err
}

func (s *PGEscalationSettingStore) Upsert(ctx context.Context, e *store.EscalationSetting) error {
	e.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalation_settings (category, enabled, keywords, response_template, priority, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (category) DO UPDATE
		 SET enabled = $2, keywords = $3, response_template = $4, priority = $5, updated_at = $6`,
		e.Category, e.Enabled, pq.Array(e.Keywords), e.ResponseTemplate, e.Priority, e.UpdatedAt,
	)
	return err
}

func scanEscalationSetting(r scanner) (*store.EscalationSetting, error) {
	var e store.EscalationSetting
	if err := r.Scan(&e.Category, &e.Enabled, pq.Array(&e.Keywords),
		&e.ResponseTemplate, &e.Priority, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// PGSystemSettingStore implements store.SystemSettingStore.
type PGSystemSettingStore struct {
	db *sql.DB
}

func NewPGSystemSettingStore(db *sql.DB) *PGSystemSettingStore {
	return &PGSystemSettingStore{db: db}
}

func (s *PGSystemSettingStore) List(ctx context.Context) ([]store.SystemSetting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, description, updated_at FROM system_settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []store.SystemSetting
	for rows.Next() {
		var st store.SystemSetting
		var value []byte
		if err := rows.Scan(&st.Key, &value, &st.Description, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.Value = value
		settings = append(settings, st)
	}
	return settings, rows.Err()
}

func (s *PGSystemSettingStore) Get(ctx context.Context, key string) (*store.SystemSetting, error) {
	var st store.SystemSetting
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, description, updated_at FROM system_settings WHERE key = $1`, key,
	).Scan(&st.Key, &value, &st.Description, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.Value = value
	return &st, nil
}

func (s *PGSystemSettingStore) Upsert(ctx context.Context, st *store.SystemSetting) error {
	st.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_settings (key, value, description, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE
		 SET value = $2, description = COALESCE(NULLIF($3, ''), system_settings.description), updated_at = $4`,
		st.Key, []byte(st.Value), st.Description, st.UpdatedAt,
	)
	return err
}
