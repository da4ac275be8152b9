package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sentrahq/sentra/internal/safety"
	"github.com/sentrahq/sentra/internal/store"
)

func (h *AdminHandler) registerSettingRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/admin/settings/moderation", h.auth(h.handleListModeration))
	mux.HandleFunc("GET /api/admin/settings/moderation/{category}", h.auth(h.handleGetModeration))
	mux.HandleFunc("PUT /api/admin/settings/moderation/{category}", h.auth(h.handleUpsertModeration))
	mux.HandleFunc("POST /api/admin/settings/moderation/test", h.auth(h.handleTestModeration))

	mux.HandleFunc("GET /api/admin/settings/escalation", h.auth(h.handleListEscalationSettings))
	mux.HandleFunc("GET /api/admin/settings/escalation/{category}", h.auth(h.handleGetEscalationSetting))
	mux.HandleFunc("PUT /api/admin/settings/escalation/{category}", h.auth(h.handleUpsertEscalationSetting))
	mux.HandleFunc("POST /api/admin/settings/escalation/test", h.auth(h.handleTestEscalation))

	mux.HandleFunc("GET /api/admin/settings/system", h.auth(h.handleListSystem))
	mux.HandleFunc("GET /api/admin/settings/system/{key}", h.auth(h.handleGetSystem))
	mux.HandleFunc("PUT /api/admin/settings/system/{key}", h.auth(h.handleUpsertSystem))
}

// --- moderation settings ---

func (h *AdminHandler) handleListModeration(w http.ResponseWriter, r *http.Request) {
	list, err := h.stores.ModerationSettings.List(r.Context())
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": list})
}

func (h *AdminHandler) handleGetModeration(w http.ResponseWriter, r *http.Request) {
	setting, err := h.stores.ModerationSettings.Get(r.Context(), r.PathValue("category"))
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

func (h *AdminHandler) handleUpsertModeration(w http.ResponseWriter, r *http.Request) {
	var setting store.ModerationSetting
	if err := json.NewDecoder(r.Body).Decode(&setting); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON: "+err.Error())
		return
	}
	setting.Category = r.PathValue("category")
	if setting.Threshold < 0 || setting.Threshold > 1 {
		writeError(w, http.StatusBadRequest, "bad_setting", "threshold must be within [0, 1]")
		return
	}
	if !store.ValidRuleAction(setting.Action) {
		writeError(w, http.StatusBadRequest, "bad_setting", "unknown action")
		return
	}
	if err := h.stores.ModerationSettings.Upsert(r.Context(), &setting); err != nil {
		handleError(w, h.log, err)
		return
	}
	h.cache.Invalidate()
	writeJSON(w, http.StatusOK, setting)
}

// handleTestModeration sends sample text to the hosted moderation endpoint
// and reports the provider scores next to the local per-category verdicts,
// so threshold changes can be dry-run before saving.
func (h *AdminHandler) handleTestModeration(w http.ResponseWriter, r *http.Request) {
	if h.moderation == nil {
		writeError(w, http.StatusServiceUnavailable, "moderation_unconfigured", "no moderation provider configured")
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	result, err := h.moderation.Moderate(ctx, req.Text)
	if err != nil {
		writeError(w, http.StatusBadGateway, "moderation_unavailable", "moderation provider unreachable")
		return
	}

	snap, err := h.cache.Get(r.Context())
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	type verdict struct {
		Score     float64          `json:"score"`
		Threshold float64          `json:"threshold"`
		Flagged   bool             `json:"flagged"`
		Action    store.RuleAction `json:"action,omitempty"`
	}
	verdicts := make(map[string]verdict, len(result.Scores))
	for cat, score := range result.Scores {
		v := verdict{Score: score}
		if setting, ok := snap.Moderation[cat]; ok && setting.Enabled {
			v.Threshold = setting.Threshold
			v.Flagged = score >= setting.Threshold
			v.Action = setting.Action
		} else {
			v.Flagged = result.Categories[cat]
		}
		verdicts[cat] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"verdicts": verdicts})
}

// --- escalation settings ---

func (h *AdminHandler) handleListEscalationSettings(w http.ResponseWriter, r *http.Request) {
	list, err := h.stores.EscalationSettings.List(r.Context())
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": list})
}

func (h *AdminHandler) handleGetEscalationSetting(w http.ResponseWriter, r *http.Request) {
	setting, err := h.stores.EscalationSettings.Get(r.Context(), r.PathValue("category"))
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

func (h *AdminHandler) handleUpsertEscalationSetting(w http.ResponseWriter, r *http.Request) {
	var setting store.EscalationSetting
	if err := json.NewDecoder(r.Body).Decode(&setting); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON: "+err.Error())
		return
	}
	setting.Category = r.PathValue("category")
	if len(setting.Keywords) == 0 {
		writeError(w, http.StatusBadRequest, "bad_setting", "keywords are required")
		return
	}
	if err := h.stores.EscalationSettings.Upsert(r.Context(), &setting); err != nil {
		handleError(w, h.log, err)
		return
	}
	h.cache.Invalidate()
	writeJSON(w, http.StatusOK, setting)
}

// handleTestEscalation runs sample text through the current escalation
// routes and reports the winning category, if any.
func (h *AdminHandler) handleTestEscalation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON: "+err.Error())
		return
	}
	snap, err := h.cache.Get(r.Context())
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	if esc := safety.DetectEscalation(req.Text, snap.Escalation); esc != nil {
		writeJSON(w, http.StatusOK, map[string]any{"escalated": true, "escalation": esc})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalated": false})
}

// --- system settings ---

func (h *AdminHandler) handleListSystem(w http.ResponseWriter, r *http.Request) {
	list, err := h.stores.SystemSettings.List(r.Context())
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": list})
}

func (h *AdminHandler) handleGetSystem(w http.ResponseWriter, r *http.Request) {
	setting, err := h.stores.SystemSettings.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

func (h *AdminHandler) handleUpsertSystem(w http.ResponseWriter, r *http.Request) {
	var setting store.SystemSetting
	if err := json.NewDecoder(r.Body).Decode(&setting); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON: "+err.Error())
		return
	}
	setting.Key = r.PathValue("key")
	if !json.Valid(setting.Value) {
		writeError(w, http.StatusBadRequest, "bad_setting", "value must be valid JSON")
		return
	}
	if err := h.stores.SystemSettings.Upsert(r.Context(), &setting); err != nil {
		handleError(w, h.log, err)
		return
	}
	h.cache.Invalidate()
	writeJSON(w, http.StatusOK, setting)
}
