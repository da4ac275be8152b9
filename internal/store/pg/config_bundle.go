package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sentrahq/sentra/internal/store"
)

// PGConfigStore loads the full configuration bundle for snapshot refreshes.
type PGConfigStore struct {
	db *sql.DB
}

func NewPGConfigStore(db *sql.DB) *PGConfigStore {
	return &PGConfigStore{db: db}
}

// LoadBundle reads all configuration sets inside one read-only repeatable-read
// transaction so the returned bundle is internally consistent.
func (s *PGConfigStore) LoadBundle(ctx context.Context) (*store.ConfigBundle, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
		ReadOnly:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	bundle := &store.ConfigBundle{LoadedAt: time.Now()}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+safetyRuleColumns+` FROM safety_rules ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	for rows.Next() {
		r, err := scanSafetyRule(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		bundle.Rules = append(bundle.Rules, *r)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = tx.QueryContext(ctx,
		`SELECT category, enabled, threshold, action, updated_at
		 FROM moderation_settings ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("load moderation settings: %w", err)
	}
	for rows.Next() {
		var m store.ModerationSetting
		if err := rows.Scan(&m.Category, &m.Enabled, &m.Threshold, &m.Action, &m.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan moderation setting: %w", err)
		}
		bundle.Moderation = append(bundle.Moderation, m)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = tx.QueryContext(ctx,
		`SELECT category, enabled, keywords, response_template, priority, updated_at
		 FROM escalation_settings ORDER BY priority DESC, category`)
	if err != nil {
		return nil, fmt.Errorf("load escalation settings: %w", err)
	}
	for rows.Next() {
		e, err := scanEscalationSetting(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan escalation setting: %w", err)
		}
		bundle.Escalation = append(bundle.Escalation, *e)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = tx.QueryContext(ctx,
		`SELECT key, value, description, updated_at FROM system_settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("load system settings: %w", err)
	}
	for rows.Next() {
		var st store.SystemSetting
		var value []byte
		if err := rows.Scan(&st.Key, &value, &st.Description, &st.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan system setting: %w", err)
		}
		st.Value = value
		bundle.System = append(bundle.System, st)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = tx.QueryContext(ctx,
		`SELECT `+knowledgeColumns+` FROM knowledge_documents ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("load knowledge: %w", err)
	}
	for rows.Next() {
		d, err := scanKnowledgeDoc(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan knowledge doc: %w", err)
		}
		bundle.Knowledge = append(bundle.Knowledge, *d)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	return bundle, tx.Commit()
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}
