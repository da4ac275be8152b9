package http

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/sentrahq/sentra/internal/safety"
	"github.com/sentrahq/sentra/internal/store"
)

func (h *AdminHandler) registerRuleRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/admin/rules", h.auth(h.handleListRules))
	mux.HandleFunc("POST /api/admin/rules", h.auth(h.handleCreateRule))
	mux.HandleFunc("GET /api/admin/rules/{id}", h.auth(h.handleGetRule))
	mux.HandleFunc("PUT /api/admin/rules/{id}", h.auth(h.handleUpdateRule))
	mux.HandleFunc("DELETE /api/admin/rules/{id}", h.auth(h.handleDeleteRule))
	mux.HandleFunc("POST /api/admin/rules/test", h.auth(h.handleTestRule))
	mux.HandleFunc("POST /api/admin/rules/test-all", h.auth(h.handleTestAllRules))
}

func (h *AdminHandler) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.stores.SafetyRules.List(r.Context())
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (h *AdminHandler) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid rule ID")
		return
	}
	rule, err := h.stores.SafetyRules.Get(r.Context(), id)
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *AdminHandler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule store.SafetyRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON: "+err.Error())
		return
	}
	if msg := validateRule(&rule); msg != "" {
		writeError(w, http.StatusBadRequest, "bad_rule", msg)
		return
	}
	rule.ID = uuid.Nil
	if err := h.stores.SafetyRules.Create(r.Context(), &rule); err != nil {
		handleError(w, h.log, err)
		return
	}
	h.cache.Invalidate()
	writeJSON(w, http.StatusCreated, rule)
}

func (h *AdminHandler) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid rule ID")
		return
	}
	var rule store.SafetyRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON: "+err.Error())
		return
	}
	rule.ID = id
	if msg := validateRule(&rule); msg != "" {
		writeError(w, http.StatusBadRequest, "bad_rule", msg)
		return
	}
	if err := h.stores.SafetyRules.Update(r.Context(), &rule); err != nil {
		handleError(w, h.log, err)
		return
	}
	h.cache.Invalidate()
	writeJSON(w, http.StatusOK, rule)
}

func (h *AdminHandler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid rule ID")
		return
	}
	if err := h.stores.SafetyRules.Delete(r.Context(), id); err != nil {
		handleError(w, h.log, err)
		return
	}
	h.cache.Invalidate()
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// ruleTestResult reports whether one candidate rule matches a sample text.
type ruleTestResult struct {
	Matched     bool   `json:"matched"`
	MatchedText string `json:"matchedText,omitempty"`
	Offset      int    `json:"offset,omitempty"`
	Error       string `json:"error,omitempty"`
}

// handleTestRule evaluates an unsaved rule against sample text, so admins
// can verify a pattern before enabling it.
func (h *AdminHandler) handleTestRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RuleType store.RuleType `json:"ruleType"`
		Value    string         `json:"value"`
		Text     string         `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON: "+err.Error())
		return
	}
	if req.RuleType == "" {
		req.RuleType = store.RuleTypeRegex
	}
	if !store.ValidRuleType(req.RuleType) {
		writeError(w, http.StatusBadRequest, "bad_rule", "unknown rule type")
		return
	}

	// The matcher skips uncompilable patterns; compile here so the admin
	// sees the error instead of a silent non-match.
	if req.RuleType == store.RuleTypeRegex {
		if _, err := regexp.Compile("(?i)" + req.Value); err != nil {
			writeJSON(w, http.StatusOK, ruleTestResult{Error: err.Error()})
			return
		}
	}

	// A throwaway ID keeps the shared matcher cache and its disable list
	// clear of test patterns.
	candidate := store.SafetyRule{
		ID:       store.GenNewID(),
		RuleType: req.RuleType,
		Value:    req.Value,
		Action:   store.ActionFlag,
		Enabled:  true,
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	matches, err := h.testMatches(ctx, req.Text, []store.SafetyRule{candidate})
	if err != nil {
		writeJSON(w, http.StatusOK, ruleTestResult{Error: err.Error()})
		return
	}
	res := ruleTestResult{}
	if len(matches) > 0 {
		res.Matched = true
		res.MatchedText = matches[0].MatchedText
		res.Offset = matches[0].Offset
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTestAllRules runs the sample text through every stored rule and the
// escalation routes, returning the full match list and the dominant action.
func (h *AdminHandler) handleTestAllRules(w http.ResponseWriter, r *http.Request) {
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

	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	matches, err := h.testMatches(ctx, req.Text, snap.EnabledRules())
	if err != nil {
		handleError(w, h.log, err)
		return
	}

	type matchView struct {
		RuleID      uuid.UUID        `json:"ruleId"`
		Category    string           `json:"category"`
		Action      store.RuleAction `json:"action"`
		MatchedText string           `json:"matchedText"`
		Offset      int              `json:"offset"`
	}
	views := make([]matchView, 0, len(matches))
	for _, m := range matches {
		views = append(views, matchView{
			RuleID:      m.Rule.ID,
			Category:    m.Rule.Category,
			Action:      m.Rule.Action,
			MatchedText: m.MatchedText,
			Offset:      m.Offset,
		})
	}

	resp := map[string]any{"matches": views}
	if esc := safety.DetectEscalation(req.Text, snap.Escalation); esc != nil {
		resp["escalation"] = esc
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) testMatches(ctx context.Context, text string, rules []store.SafetyRule) ([]safety.Match, error) {
	matches, err := h.matcher.Match(ctx, text, rules)
	if err != nil {
		return nil, err
	}
	return append(matches, safety.KeywordMatches(text, rules)...), nil
}

func validateRule(r *store.SafetyRule) string {
	if !store.ValidRuleType(r.RuleType) {
		return "unknown rule type"
	}
	if !store.ValidRuleAction(r.Action) {
		return "unknown action"
	}
	if r.Value == "" {
		return "value is required"
	}
	if r.Category == "" {
		return "category is required"
	}
	return ""
}
