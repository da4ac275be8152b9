package safety

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentrahq/sentra/internal/store"
)

// ruleTimeout aborts a single rule evaluation and disables the rule for the
// rest of the process lifetime.
const ruleTimeout = 50 * time.Millisecond

// maxCompiledPatterns bounds the compiled-regex cache. Exceeding it drops
// the whole cache; live rules recompile on their next evaluation.
const maxCompiledPatterns = 512

// Match is one rule hit against a piece of text.
type Match struct {
	Rule        store.SafetyRule
	MatchedText string
	Offset      int
}

// Matcher evaluates regex rules with a shared compiled-pattern cache.
// Patterns are keyed by rule ID plus a hash of the pattern text, so editing
// a rule recompiles it while unchanged rules keep their compiled form
// across snapshot refreshes.
type Matcher struct {
	log *slog.Logger

	mu       sync.Mutex
	cache    map[string]*regexp.Regexp
	disabled map[uuid.UUID]struct{}
	warned   map[string]struct{}
}

// NewMatcher returns an empty Matcher.
func NewMatcher(log *slog.Logger) *Matcher {
	return &Matcher{
		log:      log,
		cache:    make(map[string]*regexp.Regexp),
		disabled: make(map[uuid.UUID]struct{}),
		warned:   make(map[string]struct{}),
	}
}

// Match evaluates every enabled regex rule against text, case-insensitively.
// Rules that fail to compile are skipped with a one-shot warning; rules
// whose evaluation exceeds ruleTimeout are disabled for the process
// lifetime. The context bounds the whole sweep.
func (m *Matcher) Match(ctx context.Context, text string, rules []store.SafetyRule) ([]Match, error) {
	var out []Match
	for _, r := range rules {
		if r.RuleType != store.RuleTypeRegex || !r.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m.isDisabled(r.ID) {
			continue
		}
		re := m.regexFor(r)
		if re == nil {
			continue
		}
		loc, completed := findWithTimeout(re, text)
		if !completed {
			m.disable(r)
			continue
		}
		if loc == nil {
			continue
		}
		out = append(out, Match{Rule: r, MatchedText: text[loc[0]:loc[1]], Offset: loc[0]})
	}
	sortMatches(out)
	return out, nil
}

// KeywordMatches evaluates blocked_keyword and escalation_keyword rules as
// case-insensitive substrings. Offsets refer to the lowercased text.
func KeywordMatches(text string, rules []store.SafetyRule) []Match {
	lower := strings.ToLower(text)
	var out []Match
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if r.RuleType != store.RuleTypeBlockedKeyword && r.RuleType != store.RuleTypeEscalationKeyword {
			continue
		}
		needle := strings.ToLower(strings.TrimSpace(r.Value))
		if needle == "" {
			continue
		}
		if idx := strings.Index(lower, needle); idx >= 0 {
			out = append(out, Match{Rule: r, MatchedText: needle, Offset: idx})
		}
	}
	sortMatches(out)
	return out
}

// sortMatches orders by rule priority descending, rule ID ascending.
func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Rule.Priority != matches[j].Rule.Priority {
			return matches[i].Rule.Priority > matches[j].Rule.Priority
		}
		return matches[i].Rule.ID.String() < matches[j].Rule.ID.String()
	})
}

func (m *Matcher) isDisabled(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.disabled[id]
	return ok
}

func (m *Matcher) disable(r store.SafetyRule) {
	m.mu.Lock()
	m.disabled[r.ID] = struct{}{}
	m.mu.Unlock()
	m.log.Warn("safety.rule_disabled", "rule_id", r.ID, "category", r.Category, "reason", "evaluation exceeded 50ms")
}

func (m *Matcher) regexFor(r store.SafetyRule) *regexp.Regexp {
	key := r.ID.String() + ":" + hashPattern(r.Value)

	m.mu.Lock()
	defer m.mu.Unlock()
	if re, ok := m.cache[key]; ok {
		return re
	}
	if _, bad := m.warned[key]; bad {
		return nil
	}

	re, err := regexp.Compile("(?i)" + r.Value)
	if err != nil {
		m.warned[key] = struct{}{}
		m.log.Warn("safety.rule_compile_failed", "rule_id", r.ID, "category", r.Category, "error", err)
		return nil
	}
	if len(m.cache) >= maxCompiledPatterns {
		m.cache = make(map[string]*regexp.Regexp)
	}
	m.cache[key] = re
	return re
}

func hashPattern(value string) string {
	h := fnv.New64a()
	h.Write([]byte(value))
	return fmt.Sprintf("%x", h.Sum64())
}

// findWithTimeout runs the regex on its own goroutine so a pathological
// pattern cannot stall the turn past ruleTimeout. The abandoned goroutine
// finishes on its own; Go's RE2 engine guarantees linear time, so this is
// a backstop rather than an expected path.
func findWithTimeout(re *regexp.Regexp, text string) (loc []int, completed bool) {
	done := make(chan []int, 1)
	go func() { done <- re.FindStringIndex(text) }()

	timer := time.NewTimer(ruleTimeout)
	defer timer.Stop()
	select {
	case loc = <-done:
		return loc, true
	case <-timer.C:
		return nil, false
	}
}
