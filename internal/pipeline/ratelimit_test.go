package pipeline

import (
	"testing"
	"time"
)

// TestSlidingWindowAllowsUpToMax admits exactly max events per window and
// rejects the next one.
func TestSlidingWindowAllowsUpToMax(t *testing.T) {
	l := NewSlidingWindow()
	for i := 0; i < 10; i++ {
		if ok, _ := l.Allow("s1", 10, time.Minute); !ok {
			t.Fatalf("call %d rejected, want allowed", i+1)
		}
	}
	ok, retryAfter := l.Allow("s1", 10, time.Minute)
	if ok {
		t.Fatal("call 11 allowed, want rejected")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Errorf("retryAfter = %v, want within (0, window]", retryAfter)
	}
}

// TestSlidingWindowSlides frees budget as old events age past the window
// instead of resetting at a fixed boundary.
func TestSlidingWindowSlides(t *testing.T) {
	now := time.Now()
	l := NewSlidingWindow()
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("s1", 3, time.Minute); !ok {
			t.Fatalf("warmup call %d rejected", i+1)
		}
		now = now.Add(10 * time.Second)
	}
	if ok, _ := l.Allow("s1", 3, time.Minute); ok {
		t.Fatal("4th call within window allowed")
	}

	// 61s after the first event, one slot is free again.
	now = now.Add(32 * time.Second)
	if ok, _ := l.Allow("s1", 3, time.Minute); !ok {
		t.Fatal("call after oldest aged out rejected")
	}
}

// TestSlidingWindowKeysIndependent keeps budgets per key.
func TestSlidingWindowKeysIndependent(t *testing.T) {
	l := NewSlidingWindow()
	if ok, _ := l.Allow("a", 1, time.Minute); !ok {
		t.Fatal("first a rejected")
	}
	if ok, _ := l.Allow("a", 1, time.Minute); ok {
		t.Fatal("second a allowed")
	}
	if ok, _ := l.Allow("b", 1, time.Minute); !ok {
		t.Fatal("b rejected, want independent budget")
	}
}

// TestSlidingWindowDisabled treats non-positive limits as unlimited.
func TestSlidingWindowDisabled(t *testing.T) {
	l := NewSlidingWindow()
	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow("s1", 0, time.Minute); !ok {
			t.Fatal("zero max should disable limiting")
		}
	}
}
