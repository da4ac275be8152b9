package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RuleType classifies how a safety rule's value is interpreted.
type RuleType string

const (
	RuleTypeRegex             RuleType = "regex_pattern"
	RuleTypeBlockedKeyword    RuleType = "blocked_keyword"
	RuleTypeEscalationKeyword RuleType = "escalation_keyword"
	RuleTypeAllowedTopic      RuleType = "allowed_topic"
)

// RuleAction is the outcome a matching rule or moderation category demands.
type RuleAction string

const (
	ActionBlock    RuleAction = "block"
	ActionEscalate RuleAction = "escalate"
	ActionFlag     RuleAction = "flag"
	ActionWarn     RuleAction = "warn"
)

// ValidRuleType reports whether t is a known rule type.
func ValidRuleType(t RuleType) bool {
	switch t {
	case RuleTypeRegex, RuleTypeBlockedKeyword, RuleTypeEscalationKeyword, RuleTypeAllowedTopic:
		return true
	}
	return false
}

// ValidRuleAction reports whether a is a known action.
func ValidRuleAction(a RuleAction) bool {
	switch a {
	case ActionBlock, ActionEscalate, ActionFlag, ActionWarn:
		return true
	}
	return false
}

// SafetyRule is one admin-managed matching rule. Higher priority wins when
// several rules match the same text.
type SafetyRule struct {
	ID          uuid.UUID  `json:"id"`
	RuleType    RuleType   `json:"ruleType"`
	Category    string     `json:"category"`
	Value       string     `json:"value"`
	Action      RuleAction `json:"action"`
	Priority    int        `json:"priority"`
	Enabled     bool       `json:"enabled"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// ModerationSetting maps one moderation category to a local threshold and
// the action taken when a score reaches it.
type ModerationSetting struct {
	Category  string     `json:"category"`
	Enabled   bool       `json:"enabled"`
	Threshold float64    `json:"threshold"`
	Action    RuleAction `json:"action"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// EscalationSetting defines one human-handoff category: the keywords that
// trigger it and the canned reply sent instead of a completion.
type EscalationSetting struct {
	Category         string    `json:"category"`
	Enabled          bool      `json:"enabled"`
	Keywords         []string  `json:"keywords"`
	ResponseTemplate string    `json:"responseTemplate"`
	Priority         int       `json:"priority"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// SystemSetting is a key → JSON value pair; the value schema is fixed per key.
type SystemSetting struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Description string          `json:"description,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ConfigBundle is everything the settings cache loads in one refresh.
type ConfigBundle struct {
	Rules      []SafetyRule
	Moderation []ModerationSetting
	Escalation []EscalationSetting
	System     []SystemSetting
	Knowledge  []KnowledgeDoc
	LoadedAt   time.Time
}

// SafetyRuleStore is the admin CRUD surface for safety rules.
type SafetyRuleStore interface {
	List(ctx context.Context) ([]SafetyRule, error)
	Get(ctx context.Context, id uuid.UUID) (*SafetyRule, error)
	Create(ctx context.Context, r *SafetyRule) error
	Update(ctx context.Context, r *SafetyRule) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// ModerationSettingStore manages per-category moderation thresholds.
type ModerationSettingStore interface {
	List(ctx context.Context) ([]ModerationSetting, error)
	Get(ctx context.Context, category string) (*ModerationSetting, error)
	Upsert(ctx context.Context, s *ModerationSetting) error
}

// EscalationSettingStore manages escalation categories.
type EscalationSettingStore interface {
	List(ctx context.Context) ([]EscalationSetting, error)
	Get(ctx context.Context, category string) (*EscalationSetting, error)
	Upsert(ctx context.Context, s *EscalationSetting) error
}

// SystemSettingStore manages free-form keyed settings.
type SystemSettingStore interface {
	List(ctx context.Context) ([]SystemSetting, error)
	Get(ctx context.Context, key string) (*SystemSetting, error)
	Upsert(ctx context.Context, s *SystemSetting) error
}

// ConfigStore loads the full configuration bundle for snapshot refreshes.
// Implementations read all sets inside one transaction so the bundle is
// internally consistent.
type ConfigStore interface {
	LoadBundle(ctx context.Context) (*ConfigBundle, error)
}
