package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sentrahq/sentra/internal/store"
)

// ErrUnavailable is returned when no snapshot can be served: the store is
// unreachable, the cached snapshot is past its stale grace, and fallback to
// compiled-in defaults is disabled.
var ErrUnavailable = errors.New("settings unavailable")

// refreshTimeout bounds a single snapshot load. The load runs detached from
// the triggering request so one canceled caller cannot fail the shared
// refresh for everyone coalesced onto it.
const refreshTimeout = 5 * time.Second

// Cache serves Snapshots with TTL-based refresh. Concurrent callers that
// find the snapshot stale coalesce onto a single load. When a refresh fails
// the previous snapshot is served for up to one extra TTL; past that, turns
// either run on compiled-in defaults or fail, per fallback_to_defaults.
type Cache struct {
	loader  store.ConfigStore
	log     *slog.Logger
	bootTTL time.Duration

	current       atomic.Pointer[Snapshot]
	invalidatedAt atomic.Int64
	group         singleflight.Group
}

// NewCache builds a Cache. bootTTL applies until a loaded snapshot carries
// its own cache_ttl system setting.
func NewCache(loader store.ConfigStore, bootTTL time.Duration, log *slog.Logger) *Cache {
	if bootTTL <= 0 {
		bootTTL = 300 * time.Second
	}
	return &Cache{loader: loader, log: log, bootTTL: bootTTL}
}

// Get returns the current snapshot, refreshing it when stale.
func (c *Cache) Get(ctx context.Context) (*Snapshot, error) {
	snap := c.current.Load()
	if snap != nil && c.fresh(snap, time.Now()) {
		return snap, nil
	}

	v, err, _ := c.group.Do("snapshot", func() (any, error) {
		if s := c.current.Load(); s != nil && c.fresh(s, time.Now()) {
			return s, nil
		}
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		bundle, err := c.loader.LoadBundle(loadCtx)
		if err != nil {
			return nil, err
		}
		s := New(bundle)
		c.current.Store(s)
		return s, nil
	})
	if err == nil {
		return v.(*Snapshot), nil
	}

	now := time.Now()
	if snap != nil && c.withinGrace(snap, now) {
		c.log.Warn("settings.refresh_failed", "error", err, "age", now.Sub(snap.LoadedAt).Round(time.Second))
		return snap, nil
	}
	if c.fallbackAllowed(snap) {
		c.log.Error("settings.unavailable", "error", err, "fallback", "defaults")
		return DefaultSnapshot(), nil
	}
	c.log.Error("settings.unavailable", "error", err, "fallback", "none")
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// Prime loads the first snapshot. A failure is logged, not fatal; the
// gateway starts and turns follow the fallback policy until the store
// becomes reachable.
func (c *Cache) Prime(ctx context.Context) {
	if _, err := c.Get(ctx); err != nil {
		c.log.Warn("settings.prime_failed", "error", err)
	}
}

// Invalidate marks the current snapshot stale so the next Get reloads.
// Admin write handlers call this to make changes visible immediately
// instead of waiting out the TTL.
func (c *Cache) Invalidate() {
	c.invalidatedAt.Store(time.Now().UnixNano())
}

// Current returns the cached snapshot without refreshing. May be nil.
func (c *Cache) Current() *Snapshot {
	return c.current.Load()
}

func (c *Cache) ttlFor(s *Snapshot) time.Duration {
	if _, ok := s.SystemValue(KeyCacheTTL); ok {
		return s.CacheTTL()
	}
	return c.bootTTL
}

func (c *Cache) fresh(s *Snapshot, now time.Time) bool {
	if s.LoadedAt.UnixNano() <= c.invalidatedAt.Load() {
		return false
	}
	return now.Sub(s.LoadedAt) < c.ttlFor(s)
}

// withinGrace allows serving a stale snapshot for one extra TTL after
// freshness ends.
func (c *Cache) withinGrace(s *Snapshot, now time.Time) bool {
	return now.Sub(s.LoadedAt) < 2*c.ttlFor(s)
}

func (c *Cache) fallbackAllowed(s *Snapshot) bool {
	if s != nil {
		return s.FallbackToDefaults()
	}
	return DefaultSnapshot().FallbackToDefaults()
}
