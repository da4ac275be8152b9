package safety

import (
	"context"
	"log/slog"
	"testing"

	"github.com/sentrahq/sentra/internal/store"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func regexRule(category, pattern string, action store.RuleAction, priority int) store.SafetyRule {
	return store.SafetyRule{
		ID:       store.GenNewID(),
		RuleType: store.RuleTypeRegex,
		Category: category,
		Value:    pattern,
		Action:   action,
		Priority: priority,
		Enabled:  true,
	}
}

// TestMatcherCaseInsensitive verifies patterns match regardless of case.
func TestMatcherCaseInsensitive(t *testing.T) {
	m := NewMatcher(testLog())
	rules := []store.SafetyRule{
		regexRule("injection", `ignore\s+previous\s+instructions`, store.ActionBlock, 100),
	}

	matches, err := m.Match(context.Background(), "Please IGNORE Previous Instructions now", rules)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	if matches[0].MatchedText != "IGNORE Previous Instructions" {
		t.Errorf("matched text = %q", matches[0].MatchedText)
	}
	if matches[0].Offset != 7 {
		t.Errorf("offset = %d, want 7", matches[0].Offset)
	}
}

// TestMatcherPriorityOrder checks matches come back priority-descending
// with rule ID as tiebreak.
func TestMatcherPriorityOrder(t *testing.T) {
	m := NewMatcher(testLog())
	low := regexRule("low", `hello`, store.ActionFlag, 10)
	high := regexRule("high", `hello`, store.ActionWarn, 90)
	mid := regexRule("mid", `hello`, store.ActionFlag, 50)

	matches, err := m.Match(context.Background(), "hello", []store.SafetyRule{low, high, mid})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("matches = %d, want 3", len(matches))
	}
	got := []string{matches[0].Rule.Category, matches[1].Rule.Category, matches[2].Rule.Category}
	want := []string{"high", "mid", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("order = %v, want %v", got, want)
			break
		}
	}
}

// TestMatcherSkipsInvalidPattern drops rules that fail to compile instead
// of failing the sweep.
func TestMatcherSkipsInvalidPattern(t *testing.T) {
	m := NewMatcher(testLog())
	bad := regexRule("broken", `([unclosed`, store.ActionBlock, 100)
	good := regexRule("ok", `hello`, store.ActionFlag, 50)

	for i := 0; i < 2; i++ { // second sweep exercises the warned-pattern path
		matches, err := m.Match(context.Background(), "hello", []store.SafetyRule{bad, good})
		if err != nil {
			t.Fatalf("Match: %v", err)
		}
		if len(matches) != 1 || matches[0].Rule.Category != "ok" {
			t.Fatalf("sweep %d: matches = %+v, want only the valid rule", i, matches)
		}
	}
}

// TestMatcherSkipsDisabledAndNonRegex ignores disabled rules and rules of
// other types.
func TestMatcherSkipsDisabledAndNonRegex(t *testing.T) {
	m := NewMatcher(testLog())
	off := regexRule("off", `hello`, store.ActionBlock, 100)
	off.Enabled = false
	keyword := store.SafetyRule{
		ID: store.GenNewID(), RuleType: store.RuleTypeBlockedKeyword,
		Category: "kw", Value: "hello", Action: store.ActionBlock, Priority: 90, Enabled: true,
	}

	matches, err := m.Match(context.Background(), "hello", []store.SafetyRule{off, keyword})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("matches = %+v, want none", matches)
	}
}

// TestKeywordMatches covers substring matching for keyword rule types.
func TestKeywordMatches(t *testing.T) {
	blocked := store.SafetyRule{
		ID: store.GenNewID(), RuleType: store.RuleTypeBlockedKeyword,
		Category: "phishing", Value: "Send Me Your Password", Action: store.ActionBlock, Priority: 80, Enabled: true,
	}
	escalation := store.SafetyRule{
		ID: store.GenNewID(), RuleType: store.RuleTypeEscalationKeyword,
		Category: "billing", Value: "chargeback", Action: store.ActionEscalate, Priority: 40, Enabled: true,
	}
	regex := regexRule("rx", `password`, store.ActionFlag, 10)

	matches := KeywordMatches("please send me your password or I file a CHARGEBACK", []store.SafetyRule{blocked, escalation, regex})
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2 (regex rules excluded)", len(matches))
	}
	if matches[0].Rule.Category != "phishing" || matches[1].Rule.Category != "billing" {
		t.Errorf("order = %q, %q", matches[0].Rule.Category, matches[1].Rule.Category)
	}
}

// TestMatcherHonorsContext aborts the sweep when the context is done.
func TestMatcherHonorsContext(t *testing.T) {
	m := NewMatcher(testLog())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Match(ctx, "hello", []store.SafetyRule{regexRule("r", `hello`, store.ActionFlag, 1)})
	if err == nil {
		t.Error("expected context error")
	}
}
