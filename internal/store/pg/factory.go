package pg

import (
	"database/sql"
	"fmt"

	"github.com/sentrahq/sentra/internal/store"
)

// NewPGStores opens the database once and wires every store against it.
// The *sql.DB is returned so the caller owns its lifecycle.
func NewPGStores(databaseURL string) (*store.Stores, *sql.DB, error) {
	db, err := OpenDB(databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}

	return &store.Stores{
		Sessions:           NewPGSessionStore(db),
		Conversations:      NewPGConversationStore(db),
		Messages:           NewPGMessageStore(db),
		ModerationLogs:     NewPGModerationLogStore(db),
		SafetyRules:        NewPGSafetyRuleStore(db),
		ModerationSettings: NewPGModerationSettingStore(db),
		EscalationSettings: NewPGEscalationSettingStore(db),
		SystemSettings:     NewPGSystemSettingStore(db),
		Knowledge:          NewPGKnowledgeStore(db),
		Config:             NewPGConfigStore(db),
		Stats:              NewPGStatsStore(db),
	}, db, nil
}
