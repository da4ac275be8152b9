package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sentrahq/sentra/internal/settings"
	"github.com/sentrahq/sentra/internal/store"
)

// moderationTimeout bounds one call to the hosted moderation endpoint.
const moderationTimeout = 5 * time.Second

// engineTimeout bounds rule and escalation evaluation. Moderation network
// time is excluded; it runs first under its own budget.
const engineTimeout = 1 * time.Second

// DefaultEscalationTemplate answers rule-driven escalations when no route
// of the same category carries a template.
const DefaultEscalationTemplate = "I've escalated this conversation to our support team. " +
	"A person will review it and follow up with you shortly."

// ModerationResult is the raw verdict from the hosted moderation endpoint:
// the provider's own flagged bit and score per category. The category set
// is open; unknown categories pass through to the audit log untouched.
type ModerationResult struct {
	Categories map[string]bool
	Scores     map[string]float64
}

// ModerationClient is the narrow adapter the engine calls. Implementations
// must honor the context deadline.
type ModerationClient interface {
	Moderate(ctx context.Context, text string) (*ModerationResult, error)
}

// Engine composes pattern matching, hosted moderation, and escalation
// detection into one Decision. Apart from the moderation call it is pure:
// the same text and snapshot always yield the same Decision.
type Engine struct {
	matcher    *Matcher
	moderation ModerationClient // nil disables the stage
	log        *slog.Logger
}

// NewEngine wires an Engine. Pass a nil ModerationClient to run without
// hosted moderation; every turn is then audited as skipped.
func NewEngine(matcher *Matcher, moderation ModerationClient, log *slog.Logger) *Engine {
	return &Engine{matcher: matcher, moderation: moderation, log: log}
}

// Evaluate resolves text against the snapshot.
//
// Resolution order, first satisfied wins:
//
//  1. pattern match with action block
//  2. moderation category over threshold with action block
//  3. escalation route keyword hit
//  4. pattern match or moderation hit with action escalate
//  5. any match with action warn
//  6. any match with action flag
//  7. allow
//
// The Decision carries every contributing reason regardless of which step
// won, so the audit trail is complete.
func (e *Engine) Evaluate(ctx context.Context, text string, snap *settings.Snapshot) (Decision, error) {
	modRes, skipped := e.moderate(ctx, text)

	ruleCtx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	enabled := snap.EnabledRules()
	matches, err := e.matcher.Match(ruleCtx, text, enabled)
	if err != nil {
		return Decision{}, fmt.Errorf("rule evaluation: %w", err)
	}
	matches = append(matches, KeywordMatches(text, enabled)...)
	sortMatches(matches)

	esc := DetectEscalation(text, snap.Escalation)

	return resolve(matches, modRes, skipped, esc, snap), nil
}

func (e *Engine) moderate(ctx context.Context, text string) (*ModerationResult, bool) {
	if e.moderation == nil {
		return nil, true
	}
	mctx, cancel := context.WithTimeout(ctx, moderationTimeout)
	defer cancel()

	res, err := e.moderation.Moderate(mctx, text)
	if err != nil {
		e.log.Warn("safety.moderation_skipped", "error", err)
		return nil, true
	}
	return res, false
}

// moderationHit is one category at or over its local threshold.
type moderationHit struct {
	Category string
	Score    float64
	Action   store.RuleAction
}

func resolve(matches []Match, mod *ModerationResult, skipped bool, esc *Escalation, snap *settings.Snapshot) Decision {
	d := Decision{Kind: KindAllow, ModerationSkipped: skipped}

	hits := thresholdHits(mod, snap)
	d.ModerationCategories, d.ModerationScores = auditModeration(mod, snap)

	for _, m := range matches {
		id := m.Rule.ID
		d.Reasons = append(d.Reasons, Reason{
			Source:   "rule",
			Category: m.Rule.Category,
			Action:   m.Rule.Action,
			Detail:   fmt.Sprintf("matched %q at %d", m.MatchedText, m.Offset),
			RuleID:   &id,
		})
	}
	for _, h := range hits {
		d.Reasons = append(d.Reasons, Reason{
			Source:   "moderation",
			Category: h.Category,
			Action:   h.Action,
			Detail:   fmt.Sprintf("score %.3f", h.Score),
		})
	}
	if esc != nil {
		d.Reasons = append(d.Reasons, Reason{
			Source:   "escalation",
			Category: esc.Category,
			Action:   store.ActionEscalate,
			Detail:   "keywords: " + strings.Join(esc.Triggers, ", "),
		})
	}

	// 1. Pattern block.
	for _, m := range matches {
		if m.Rule.Action == store.ActionBlock {
			d.Kind = KindBlock
			d.Category = m.Rule.Category
			return d
		}
	}
	// 2. Moderation block.
	for _, h := range hits {
		if h.Action == store.ActionBlock {
			d.Kind = KindBlock
			d.Category = h.Category
			return d
		}
	}
	// 3. Escalation route.
	if esc != nil {
		d.Kind = KindEscalate
		d.Category = esc.Category
		d.Urgency = esc.Urgency
		d.Template = esc.Template
		d.Triggers = esc.Triggers
		return d
	}
	// 4. Rule- or moderation-driven escalation.
	for _, m := range matches {
		if m.Rule.Action == store.ActionEscalate {
			d.Kind = KindEscalate
			d.Category = m.Rule.Category
			d.Urgency = UrgencyNormal
			d.Template = templateFor(m.Rule.Category, snap)
			return d
		}
	}
	for _, h := range hits {
		if h.Action == store.ActionEscalate {
			d.Kind = KindEscalate
			d.Category = h.Category
			d.Urgency = UrgencyFor(h.Category)
			d.Template = templateFor(h.Category, snap)
			return d
		}
	}
	// 5. Warn, 6. Flag.
	for _, kind := range []struct {
		action store.RuleAction
		kind   Kind
	}{{store.ActionWarn, KindWarn}, {store.ActionFlag, KindFlag}} {
		for _, m := range matches {
			if m.Rule.Action == kind.action {
				d.Kind = kind.kind
				return d
			}
		}
		for _, h := range hits {
			if h.Action == kind.action {
				d.Kind = kind.kind
				return d
			}
		}
	}
	// 7. Allow.
	return d
}

// thresholdHits applies the snapshot thresholds to the provider scores.
// Hits come out ordered by score descending, category ascending, so audit
// reasons and step-2 resolution are deterministic.
func thresholdHits(mod *ModerationResult, snap *settings.Snapshot) []moderationHit {
	if mod == nil {
		return nil
	}
	var hits []moderationHit
	for cat, setting := range snap.Moderation {
		if !setting.Enabled {
			continue
		}
		score, ok := mod.Scores[cat]
		if !ok {
			continue
		}
		if score >= setting.Threshold {
			hits = append(hits, moderationHit{Category: cat, Score: score, Action: setting.Action})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Category < hits[j].Category
	})
	return hits
}

// auditModeration builds the per-category audit view. Categories with an
// enabled setting report the locally thresholded bit; categories the
// snapshot does not manage keep the provider's own flagged bit; disabled
// categories report false.
func auditModeration(mod *ModerationResult, snap *settings.Snapshot) (map[string]bool, map[string]float64) {
	if mod == nil {
		return nil, nil
	}
	categories := make(map[string]bool, len(mod.Scores))
	for cat, providerFlagged := range mod.Categories {
		setting, ok := snap.Moderation[cat]
		switch {
		case !ok:
			categories[cat] = providerFlagged
		case !setting.Enabled:
			categories[cat] = false
		default:
			categories[cat] = mod.Scores[cat] >= setting.Threshold
		}
	}
	return categories, mod.Scores
}

// templateFor prefers the matching route's template for rule-driven
// escalations so admins can maintain one canned reply per category.
func templateFor(category string, snap *settings.Snapshot) string {
	for _, route := range snap.Escalation {
		if route.Category == category && route.ResponseTemplate != "" {
			return route.ResponseTemplate
		}
	}
	return DefaultEscalationTemplate
}
