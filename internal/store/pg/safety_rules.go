package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sentrahq/sentra/internal/store"
)

// PGSafetyRuleStore implements store.SafetyRuleStore backed by Postgres.
type PGSafetyRuleStore struct {
	db *sql.DB
}

func NewPGSafetyRuleStore(db *sql.DB) *PGSafetyRuleStore {
	return &PGSafetyRuleStore{db: db}
}

const safetyRuleColumns = `id, rule_type, category, value, action, priority, enabled, description, created_at, updated_at`

func (s *PGSafetyRuleStore) List(ctx context.Context) ([]store.SafetyRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+safetyRuleColumns+` FROM safety_rules
		 ORDER BY priority DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []store.SafetyRule
	for rows.Next() {
		r, err := scanSafetyRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

func (s *PGSafetyRuleStore) Get(ctx context.Context, id uuid.UUID) (*store.SafetyRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+safetyRuleColumns+` FROM safety_rules WHERE id = $1`, id)
	r, err := scanSafetyRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return r, err
}

func (s *PGSafetyRuleStore) Create(ctx context.Context, r *store.SafetyRule) error {
	if r.ID == uuid.Nil {
		r.ID = store.GenNewID()
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO safety_rules (id, rule_type, category, value, action, priority, enabled, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.RuleType, r.Category, r.Value, r.Action, r.Priority, r.Enabled, r.Description, now, now,
	)
	return err
}

func (s *PGSafetyRuleStore) Update(ctx context.Context, r *store.SafetyRule) error {
	r.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE safety_rules
		 SET rule_type = $2, category = $3, value = $4, action = $5, priority = $6, enabled = $7, description = $8, updated_at = $9
		 WHERE id = $1`,
		r.ID, r.RuleType, r.Category, r.Value, r.Action, r.Priority, r.Enabled, r.Description, r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGSafetyRuleStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM safety_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// requireRow converts a zero-row mutation into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanSafetyRule(r scanner) (*store.SafetyRule, error) {
	var rule store.SafetyRule
	if err := r.Scan(&rule.ID, &rule.RuleType, &rule.Category, &rule.Value, &rule.Action,
		&rule.Priority, &rule.Enabled, &rule.Description, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return nil, err
	}
	return &rule, nil
}
