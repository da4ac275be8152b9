package http

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sentrahq/sentra/internal/safety"
	"github.com/sentrahq/sentra/internal/settings"
	"github.com/sentrahq/sentra/internal/store"
)

const adminHeader = "X-Admin-Key"

// AdminHandler serves the admin API: stats, escalations, moderation logs,
// and the configuration CRUD surfaces in the admin_*.go files. Writes to
// configuration invalidate the settings cache so the next turn sees them.
type AdminHandler struct {
	stores     *store.Stores
	cache      *settings.Cache
	matcher    *safety.Matcher
	moderation safety.ModerationClient // nil when unconfigured
	log        *slog.Logger

	key      string
	failures *failureThrottle
}

func NewAdminHandler(stores *store.Stores, cache *settings.Cache, matcher *safety.Matcher, moderation safety.ModerationClient, key string, failuresPerMinute int, log *slog.Logger) *AdminHandler {
	return &AdminHandler{
		stores:     stores,
		cache:      cache,
		matcher:    matcher,
		moderation: moderation,
		log:        log,
		key:        key,
		failures:   newFailureThrottle(failuresPerMinute),
	}
}

func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/admin/stats", h.auth(h.handleStats))
	mux.HandleFunc("GET /api/admin/escalations", h.auth(h.handleListEscalations))
	mux.HandleFunc("GET /api/admin/escalations/{id}", h.auth(h.handleGetEscalation))
	mux.HandleFunc("GET /api/admin/moderation-logs", h.auth(h.handleModerationLogs))
	h.registerRuleRoutes(mux)
	h.registerSettingRoutes(mux)
	h.registerKnowledgeRoutes(mux)
}

// auth rejects requests whose X-Admin-Key does not match. Hosts that keep
// presenting bad keys are throttled before the comparison runs, so the
// constant-time check cannot be brute-forced at line rate.
func (h *AdminHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host := remoteHost(r)
		if !h.failures.allowed(host) {
			writeError(w, http.StatusTooManyRequests, "admin_throttled", "too many failed attempts")
			return
		}
		presented := r.Header.Get(adminHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.key)) != 1 {
			h.failures.record(host)
			h.log.Warn("admin.auth_failed", "host", host)
			writeError(w, http.StatusForbidden, "forbidden", "invalid admin key")
			return
		}
		next(w, r)
	}
}

func (h *AdminHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stores.Stats.Overview(r.Context())
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	result, err := h.stores.Conversations.ListEscalated(r.Context(), limit, offset)
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AdminHandler) handleGetEscalation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid conversation ID")
		return
	}
	conv, err := h.stores.Conversations.Get(r.Context(), id)
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	if !conv.Escalated {
		writeError(w, http.StatusNotFound, "not_found", "conversation is not escalated")
		return
	}
	msgs, err := h.stores.Messages.ListByConversation(r.Context(), id)
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	conv.Messages = msgs
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (h *AdminHandler) handleModerationLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	result, err := h.stores.ModerationLogs.List(r.Context(), limit, offset)
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// failureThrottle budgets rejected auth attempts per remote host with a
// token bucket. Successful requests never consume tokens.
type failureThrottle struct {
	perMinute int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newFailureThrottle(perMinute int) *failureThrottle {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &failureThrottle{
		perMinute: perMinute,
		buckets:   make(map[string]*rate.Limiter),
	}
}

// allowed reports whether the host still has failure budget. It does not
// consume a token; record does, on each actual failure.
func (t *failureThrottle) allowed(host string) bool {
	return t.bucket(host).Tokens() >= 1
}

func (t *failureThrottle) record(host string) {
	t.bucket(host).Allow()
}

func (t *failureThrottle) bucket(host string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := t.buckets[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(t.perMinute)/60.0), t.perMinute)
		t.buckets[host] = lim
	}
	return lim
}
