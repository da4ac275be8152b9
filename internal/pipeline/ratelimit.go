package pipeline

import (
	"sync"
	"time"
)

// maxTrackedSessions caps the number of tracked rate-limit keys so rotating
// session IDs cannot exhaust memory.
const maxTrackedSessions = 4096

// SlidingWindow counts events per key over a rolling window. Unlike a
// fixed-window counter, a burst at a window edge cannot double the budget:
// every recorded timestamp stays countable until it ages past the window.
// Safe for concurrent use.
type SlidingWindow struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	now     func() time.Time // swapped in tests
}

// NewSlidingWindow creates an empty limiter.
func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records one event for key and reports whether it fits within max
// events per window. When denied, retryAfter is how long until the oldest
// counted event ages out.
func (l *SlidingWindow) Allow(key string, max int, window time.Duration) (ok bool, retryAfter time.Duration) {
	if max <= 0 || window <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)

	if len(l.entries) >= maxTrackedSessions {
		l.evictLocked(cutoff)
	}

	times := l.entries[key]
	kept := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= max {
		l.entries[key] = kept
		return false, kept[0].Sub(cutoff)
	}

	l.entries[key] = append(kept, now)
	return true, 0
}

// evictLocked drops fully aged keys, then falls back to arbitrary eviction
// if the cap is still exceeded.
func (l *SlidingWindow) evictLocked(cutoff time.Time) {
	for k, times := range l.entries {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(l.entries, k)
		}
	}
	for len(l.entries) >= maxTrackedSessions {
		for k := range l.entries {
			delete(l.entries, k)
			break
		}
	}
}
