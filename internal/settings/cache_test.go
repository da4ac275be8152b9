package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sentrahq/sentra/internal/store"
)

type fakeLoader struct {
	mu     sync.Mutex
	bundle *store.ConfigBundle
	err    error
	delay  time.Duration
	calls  atomic.Int64
}

func (f *fakeLoader) LoadBundle(ctx context.Context) (*store.ConfigBundle, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	b := *f.bundle
	b.LoadedAt = time.Now()
	return &b, nil
}

func (f *fakeLoader) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func sysSetting(t *testing.T, key string, v any) store.SystemSetting {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return store.SystemSetting{Key: key, Value: raw}
}

func testBundle(t *testing.T, extra ...store.SystemSetting) *store.ConfigBundle {
	t.Helper()
	return &store.ConfigBundle{
		Rules: []store.SafetyRule{
			{ID: store.GenNewID(), Category: "low", RuleType: store.RuleTypeRegex, Value: "b", Action: store.ActionFlag, Priority: 10, Enabled: true},
			{ID: store.GenNewID(), Category: "high", RuleType: store.RuleTypeRegex, Value: "a", Action: store.ActionBlock, Priority: 90, Enabled: true},
			{ID: store.GenNewID(), Category: "off", RuleType: store.RuleTypeRegex, Value: "c", Action: store.ActionBlock, Priority: 50, Enabled: false},
		},
		Escalation: []store.EscalationSetting{
			{Category: "complaint", Enabled: true, Priority: 60},
			{Category: "crisis", Enabled: true, Priority: 100},
		},
		System:   extra,
		LoadedAt: time.Now(),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// TestSnapshotOrdering verifies rules and escalation routes come out in
// priority order regardless of store order.
func TestSnapshotOrdering(t *testing.T) {
	s := New(testBundle(t))

	if s.Rules[0].Category != "high" {
		t.Errorf("first rule = %q, want high", s.Rules[0].Category)
	}
	if s.Escalation[0].Category != "crisis" {
		t.Errorf("first escalation = %q, want crisis", s.Escalation[0].Category)
	}

	enabled := s.EnabledRules()
	if len(enabled) != 2 {
		t.Fatalf("enabled rules = %d, want 2", len(enabled))
	}
	for _, r := range enabled {
		if r.Category == "off" {
			t.Error("disabled rule leaked into EnabledRules")
		}
	}
}

// TestSnapshotTypedGetters covers coercion of JSONB values, including
// numbers stored as strings.
func TestSnapshotTypedGetters(t *testing.T) {
	s := New(testBundle(t,
		sysSetting(t, KeyCacheTTL, "120"),
		sysSetting(t, KeyMaxInputChars, 4000),
		sysSetting(t, KeyFallbackToDefaults, false),
		sysSetting(t, KeySystemPrompt, "be terse"),
		sysSetting(t, KeyPostCheckMode, "nonsense"),
	))

	if got := s.CacheTTL(); got != 120*time.Second {
		t.Errorf("CacheTTL = %v, want 2m", got)
	}
	if got := s.MaxInputChars(); got != 4000 {
		t.Errorf("MaxInputChars = %d, want 4000", got)
	}
	if s.FallbackToDefaults() {
		t.Error("FallbackToDefaults = true, want false")
	}
	if got := s.SystemPrompt(); got != "be terse" {
		t.Errorf("SystemPrompt = %q", got)
	}
	if got := s.PostCheckMode(); got != "stream" {
		t.Errorf("unknown post_check_mode should fall back to stream, got %q", got)
	}
}

// TestSnapshotMissingKeys verifies defaults apply when keys are absent.
func TestSnapshotMissingKeys(t *testing.T) {
	s := New(testBundle(t))

	if got := s.CacheTTL(); got != 300*time.Second {
		t.Errorf("CacheTTL = %v, want 5m", got)
	}
	max, window := s.RateLimit()
	if max != 10 || window != time.Minute {
		t.Errorf("RateLimit = %d/%v, want 10/1m", max, window)
	}
	if s.RAGTopK() != 5 || s.RAGTokenBudget() != 1500 {
		t.Errorf("RAG defaults = %d/%d, want 5/1500", s.RAGTopK(), s.RAGTokenBudget())
	}
	if !s.FallbackToDefaults() {
		t.Error("FallbackToDefaults default should be true")
	}
}

// TestCacheSingleLoadWhileFresh ensures repeated Gets within the TTL hit
// the cached snapshot.
func TestCacheSingleLoadWhileFresh(t *testing.T) {
	loader := &fakeLoader{bundle: testBundle(t)}
	c := NewCache(loader, time.Minute, testLogger())

	for i := 0; i < 5; i++ {
		if _, err := c.Get(context.Background()); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if n := loader.calls.Load(); n != 1 {
		t.Errorf("loader calls = %d, want 1", n)
	}
}

// TestCacheInvalidate forces a reload before the TTL expires.
func TestCacheInvalidate(t *testing.T) {
	loader := &fakeLoader{bundle: testBundle(t)}
	c := NewCache(loader, time.Minute, testLogger())

	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	c.Invalidate()
	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if n := loader.calls.Load(); n != 2 {
		t.Errorf("loader calls = %d, want 2", n)
	}
}

// TestCacheCoalescesConcurrentRefresh verifies stampeding callers share one
// load.
func TestCacheCoalescesConcurrentRefresh(t *testing.T) {
	loader := &fakeLoader{bundle: testBundle(t), delay: 50 * time.Millisecond}
	c := NewCache(loader, time.Minute, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background()); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := loader.calls.Load(); n != 1 {
		t.Errorf("loader calls = %d, want 1", n)
	}
}

// TestCacheStaleGraceThenFallback walks a snapshot through fresh, stale
// grace, and fallback as refreshes keep failing.
func TestCacheStaleGraceThenFallback(t *testing.T) {
	const ttl = 100 * time.Millisecond
	loader := &fakeLoader{bundle: testBundle(t)}
	c := NewCache(loader, ttl, testLogger())

	first, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	loader.fail(errors.New("db down"))

	// Past TTL but inside the one-extra-TTL grace: stale snapshot served.
	time.Sleep(ttl + ttl/2)
	got, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get within grace: %v", err)
	}
	if got != first {
		t.Error("expected the stale snapshot inside the grace window")
	}

	// Past the grace: compiled-in defaults (fallback_to_defaults is true).
	time.Sleep(ttl)
	got, err = c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get past grace: %v", err)
	}
	if got == first {
		t.Error("expected fallback defaults past the grace window")
	}
	if got.PostCheckMode() != "stream" {
		t.Errorf("fallback snapshot PostCheckMode = %q", got.PostCheckMode())
	}
}

// TestCacheUnavailableWhenFallbackDisabled returns ErrUnavailable once the
// grace is exhausted and fallback_to_defaults is false.
func TestCacheUnavailableWhenFallbackDisabled(t *testing.T) {
	const ttl = 50 * time.Millisecond
	loader := &fakeLoader{bundle: testBundle(t, sysSetting(t, KeyFallbackToDefaults, false))}
	c := NewCache(loader, ttl, testLogger())

	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	loader.fail(fmt.Errorf("connection refused"))

	time.Sleep(3 * ttl)
	_, err := c.Get(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

// TestDefaultSnapshot sanity-checks the compiled-in configuration.
func TestDefaultSnapshot(t *testing.T) {
	s := DefaultSnapshot()

	if len(s.EnabledRules()) == 0 {
		t.Error("default snapshot has no enabled rules")
	}
	if _, ok := s.Moderation["self-harm/intent"]; !ok {
		t.Error("default moderation missing self-harm/intent")
	}
	if len(s.Escalation) == 0 || s.Escalation[0].Category != "crisis" {
		t.Error("crisis must be the highest-priority escalation route")
	}
	if s.RefusalMessage() == "" || s.SystemPrompt() == "" {
		t.Error("default prompts must be non-empty")
	}
}
