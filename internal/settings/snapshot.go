// Package settings serves the runtime configuration snapshot: safety rules,
// moderation thresholds, escalation routes, system settings, and knowledge
// documents. All five sets are loaded from the store in one transaction and
// cached behind a TTL so the request path never blocks on per-key lookups.
package settings

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/spf13/cast"

	"github.com/sentrahq/sentra/internal/store"
)

// System setting keys understood by the gateway. Unknown keys are kept in
// the snapshot and served verbatim through the admin API.
const (
	KeyCacheTTL              = "cache_ttl"
	KeyMaxInputChars         = "max_input_chars"
	KeyRateLimitMax          = "rate_limit_max"
	KeyRateLimitWindowSec    = "rate_limit_window_seconds"
	KeyRAGTopK               = "rag_top_k"
	KeyRAGTokenBudget        = "rag_token_budget"
	KeyContextWindowMessages = "context_window_messages"
	KeySystemPrompt          = "system_prompt"
	KeyRefusalMessage        = "refusal_message"
	KeyPostCheckMode         = "post_check_mode"
	KeyFallbackToDefaults    = "fallback_to_defaults"
)

// Snapshot is an immutable view of the runtime configuration. It is shared
// across goroutines; nothing may mutate it after New returns.
type Snapshot struct {
	Rules      []store.SafetyRule
	Moderation map[string]store.ModerationSetting
	Escalation []store.EscalationSetting
	Knowledge  []store.KnowledgeDoc

	system   map[string]any
	LoadedAt time.Time
}

// New builds a Snapshot from a loaded bundle. Rules are ordered by priority
// descending, escalation routes likewise; system setting values are decoded
// from their JSONB form once so reads are allocation-free.
func New(b *store.ConfigBundle) *Snapshot {
	s := &Snapshot{
		Rules:      append([]store.SafetyRule(nil), b.Rules...),
		Moderation: make(map[string]store.ModerationSetting, len(b.Moderation)),
		Escalation: append([]store.EscalationSetting(nil), b.Escalation...),
		Knowledge:  append([]store.KnowledgeDoc(nil), b.Knowledge...),
		system:     make(map[string]any, len(b.System)),
		LoadedAt:   b.LoadedAt,
	}
	if s.LoadedAt.IsZero() {
		s.LoadedAt = time.Now()
	}

	sort.SliceStable(s.Rules, func(i, j int) bool {
		if s.Rules[i].Priority != s.Rules[j].Priority {
			return s.Rules[i].Priority > s.Rules[j].Priority
		}
		return s.Rules[i].ID.String() < s.Rules[j].ID.String()
	})
	sort.SliceStable(s.Escalation, func(i, j int) bool {
		if s.Escalation[i].Priority != s.Escalation[j].Priority {
			return s.Escalation[i].Priority > s.Escalation[j].Priority
		}
		return s.Escalation[i].Category < s.Escalation[j].Category
	})

	for _, m := range b.Moderation {
		s.Moderation[m.Category] = m
	}
	for _, st := range b.System {
		var v any
		if err := json.Unmarshal(st.Value, &v); err != nil {
			continue
		}
		s.system[st.Key] = v
	}
	return s
}

// EnabledRules returns the enabled safety rules in evaluation order.
func (s *Snapshot) EnabledRules() []store.SafetyRule {
	out := make([]store.SafetyRule, 0, len(s.Rules))
	for _, r := range s.Rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// Int returns the system setting under key coerced to int, or def when the
// key is absent or not coercible.
func (s *Snapshot) Int(key string, def int) int {
	v, ok := s.system[key]
	if !ok {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return n
}

// String returns the system setting under key coerced to string.
func (s *Snapshot) String(key, def string) string {
	v, ok := s.system[key]
	if !ok {
		return def
	}
	str, err := cast.ToStringE(v)
	if err != nil || str == "" {
		return def
	}
	return str
}

// Bool returns the system setting under key coerced to bool.
func (s *Snapshot) Bool(key string, def bool) bool {
	v, ok := s.system[key]
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// CacheTTL returns how long this snapshot stays fresh.
func (s *Snapshot) CacheTTL() time.Duration {
	return time.Duration(s.Int(KeyCacheTTL, 300)) * time.Second
}

// MaxInputChars returns the sanitizer length ceiling.
func (s *Snapshot) MaxInputChars() int {
	return s.Int(KeyMaxInputChars, 2000)
}

// RateLimit returns the per-session message budget and its rolling window.
func (s *Snapshot) RateLimit() (max int, window time.Duration) {
	max = s.Int(KeyRateLimitMax, 10)
	window = time.Duration(s.Int(KeyRateLimitWindowSec, 60)) * time.Second
	return max, window
}

// RAGTopK returns how many knowledge documents retrieval may select.
func (s *Snapshot) RAGTopK() int {
	return s.Int(KeyRAGTopK, 5)
}

// RAGTokenBudget returns the retrieval context budget in tokens.
func (s *Snapshot) RAGTokenBudget() int {
	return s.Int(KeyRAGTokenBudget, 1500)
}

// ContextWindowMessages returns how many prior messages join the prompt.
func (s *Snapshot) ContextWindowMessages() int {
	return s.Int(KeyContextWindowMessages, 20)
}

// SystemPrompt returns the assistant system prompt.
func (s *Snapshot) SystemPrompt() string {
	return s.String(KeySystemPrompt, DefaultSystemPrompt)
}

// RefusalMessage returns the canned text sent for blocked turns.
func (s *Snapshot) RefusalMessage() string {
	return s.String(KeyRefusalMessage, DefaultRefusalMessage)
}

// PostCheckMode returns "stream" or "buffer".
func (s *Snapshot) PostCheckMode() string {
	mode := s.String(KeyPostCheckMode, "stream")
	if mode != "buffer" {
		mode = "stream"
	}
	return mode
}

// FallbackToDefaults reports whether turns may run on compiled-in defaults
// when the settings store is unreachable past the stale grace.
func (s *Snapshot) FallbackToDefaults() bool {
	return s.Bool(KeyFallbackToDefaults, true)
}

// SystemValue returns the raw decoded value for an arbitrary key.
func (s *Snapshot) SystemValue(key string) (any, bool) {
	v, ok := s.system[key]
	return v, ok
}
