// Package safety implements the pre- and post-generation safety stages:
// input sanitization, rule matching, hosted moderation policy, escalation
// detection, and the decision resolution that combines them.
package safety

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/sentrahq/sentra/internal/store"
)

// Kind is the dominant action of a Decision.
type Kind string

const (
	KindAllow    Kind = "allow"
	KindWarn     Kind = "warn"
	KindFlag     Kind = "flag"
	KindEscalate Kind = "escalate"
	KindBlock    Kind = "block"
)

// Urgency ranks how quickly a human should pick up an escalated conversation.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyNormal   Urgency = "normal"
)

// UrgencyFor maps an escalation category to its urgency.
func UrgencyFor(category string) Urgency {
	switch {
	case category == "crisis":
		return UrgencyCritical
	case category == "legal":
		return UrgencyHigh
	case category == "complaint":
		return UrgencyMedium
	case strings.Contains(category, "sentiment"):
		return UrgencyMedium
	default:
		return UrgencyNormal
	}
}

// Reason is one contributing signal in a Decision. Decisions keep every
// reason for the audit log even though only the dominant action controls
// behavior.
type Reason struct {
	Source   string          `json:"source"` // "rule", "moderation", "escalation"
	Category string          `json:"category"`
	Action   store.RuleAction `json:"action"`
	Detail   string          `json:"detail,omitempty"`
	RuleID   *uuid.UUID      `json:"ruleId,omitempty"`
}

// String renders the reason for the moderation_logs reasons column.
func (r Reason) String() string {
	if r.Detail == "" {
		return fmt.Sprintf("%s:%s:%s", r.Source, r.Category, r.Action)
	}
	return fmt.Sprintf("%s:%s:%s (%s)", r.Source, r.Category, r.Action, r.Detail)
}

// Decision is the resolved outcome for one piece of text.
type Decision struct {
	Kind     Kind
	Category string // block or escalation category

	// Escalation payload.
	Urgency  Urgency
	Template string
	Triggers []string

	Reasons []Reason

	// Moderation audit payload, copied onto the ModerationLog.
	ModerationCategories map[string]bool
	ModerationScores     map[string]float64
	ModerationSkipped    bool
}

// Allowed reports whether the turn may proceed to generation.
func (d Decision) Allowed() bool {
	return d.Kind != KindBlock && d.Kind != KindEscalate
}

// Flagged reports whether the message should be stored flagged.
func (d Decision) Flagged() bool {
	return d.Kind == KindFlag || d.Kind == KindBlock
}

// ReasonStrings renders all reasons for persistence.
func (d Decision) ReasonStrings() []string {
	if len(d.Reasons) == 0 {
		return nil
	}
	out := make([]string, len(d.Reasons))
	for i, r := range d.Reasons {
		out[i] = r.String()
	}
	return out
}

// Log builds the audit record for this decision against a message.
// Provider categories carry their scores; rule and escalation hits have no
// score and contribute their category as a true flag.
func (d Decision) Log(messageID uuid.UUID) *store.ModerationLog {
	categories := make(map[string]bool, len(d.ModerationCategories)+len(d.Reasons))
	for cat, f := range d.ModerationCategories {
		categories[cat] = f
	}
	for _, r := range d.Reasons {
		if r.Source != "moderation" && r.Category != "" {
			categories[r.Category] = true
		}
	}
	flagged := false
	for _, f := range categories {
		if f {
			flagged = true
			break
		}
	}
	return &store.ModerationLog{
		MessageID:  messageID,
		Categories: categories,
		Scores:     d.ModerationScores,
		Flagged:    flagged,
		Decision:   string(d.Kind),
		Reasons:    d.ReasonStrings(),
		Skipped:    d.ModerationSkipped,
	}
}
