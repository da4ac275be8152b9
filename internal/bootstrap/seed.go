// Package bootstrap writes first-run defaults into an empty database so a
// fresh deployment enforces a sane safety policy before any admin tuning.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sentrahq/sentra/internal/settings"
	"github.com/sentrahq/sentra/internal/store"
)

// Seed inserts the default safety rules, moderation thresholds, escalation
// routes, and system settings where they are missing. Existing rows are
// never overwritten, so admin edits survive restarts.
func Seed(ctx context.Context, stores *store.Stores, log *slog.Logger) error {
	created := 0

	// Safety rules carry generated IDs, so presence is judged by the table
	// being empty rather than per-row.
	existing, err := stores.SafetyRules.List(ctx)
	if err != nil {
		return fmt.Errorf("list safety rules: %w", err)
	}
	if len(existing) == 0 {
		for _, rule := range settings.DefaultRules() {
			rule := rule
			if err := stores.SafetyRules.Create(ctx, &rule); err != nil {
				return fmt.Errorf("seed safety rule %s: %w", rule.Category, err)
			}
			created++
		}
	}

	for _, m := range settings.DefaultModeration() {
		m := m
		ok, err := seedMissing(ctx, func() error {
			_, err := stores.ModerationSettings.Get(ctx, m.Category)
			return err
		}, func() error {
			return stores.ModerationSettings.Upsert(ctx, &m)
		})
		if err != nil {
			return fmt.Errorf("seed moderation setting %s: %w", m.Category, err)
		}
		if ok {
			created++
		}
	}

	for _, e := range settings.DefaultEscalation() {
		e := e
		ok, err := seedMissing(ctx, func() error {
			_, err := stores.EscalationSettings.Get(ctx, e.Category)
			return err
		}, func() error {
			return stores.EscalationSettings.Upsert(ctx, &e)
		})
		if err != nil {
			return fmt.Errorf("seed escalation setting %s: %w", e.Category, err)
		}
		if ok {
			created++
		}
	}

	for _, s := range settings.DefaultSystemSettings() {
		value, err := json.Marshal(s.Value)
		if err != nil {
			return fmt.Errorf("encode system setting %s: %w", s.Key, err)
		}
		row := store.SystemSetting{Key: s.Key, Value: value, Description: s.Description}
		ok, err := seedMissing(ctx, func() error {
			_, err := stores.SystemSettings.Get(ctx, s.Key)
			return err
		}, func() error {
			return stores.SystemSettings.Upsert(ctx, &row)
		})
		if err != nil {
			return fmt.Errorf("seed system setting %s: %w", s.Key, err)
		}
		if ok {
			created++
		}
	}

	if created > 0 {
		log.Info("bootstrap.seeded", "rows", created)
	}
	return nil
}

// seedMissing runs insert only when lookup reports ErrNotFound. Returns
// whether a row was written.
func seedMissing(_ context.Context, lookup func() error, insert func() error) (bool, error) {
	err := lookup()
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, store.ErrNotFound):
		return true, insert()
	default:
		return false, err
	}
}
