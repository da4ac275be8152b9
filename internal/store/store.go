package store

import (
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by store lookups when the requested row does not
// exist or is not visible to the caller.
var ErrNotFound = errors.New("not found")

// GenNewID returns a new time-ordered UUID (v7) for entity primary keys.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Sessions           SessionStore
	Conversations      ConversationStore
	Messages           MessageStore
	ModerationLogs     ModerationLogStore
	SafetyRules        SafetyRuleStore
	ModerationSettings ModerationSettingStore
	EscalationSettings EscalationSettingStore
	SystemSettings     SystemSettingStore
	Knowledge          KnowledgeStore
	Config             ConfigStore
	Stats              StatsStore
}
