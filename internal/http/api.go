// Package http implements the gateway's HTTP/SSE surface: the public chat
// endpoints and the admin configuration API. Handlers are thin; turn
// semantics live in the pipeline and persistence in the stores.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/sentrahq/sentra/internal/pipeline"
	"github.com/sentrahq/sentra/internal/safety"
	"github.com/sentrahq/sentra/internal/settings"
	"github.com/sentrahq/sentra/internal/store"
)

// sessionHeader carries the client-chosen session UUID. The server never
// mints session IDs.
const sessionHeader = "X-Session-Id"

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// apiError is the uniform error body.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: message, Code: code})
}

// errorStatus maps pipeline and store errors to a status, code, and
// user-visible message. Unrecognized errors come back as an opaque 500;
// the caller logs the detail server-side.
func errorStatus(err error) (status int, code, message string) {
	var rl *pipeline.RateLimitError
	switch {
	case errors.Is(err, safety.ErrInputEmpty):
		return http.StatusBadRequest, "input_empty", "message is empty"
	case errors.Is(err, safety.ErrInputTooLong):
		return http.StatusBadRequest, "input_too_long", "message exceeds the maximum length"
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, "rate_limited", rl.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, settings.ErrUnavailable):
		return http.StatusServiceUnavailable, "config_unavailable", "service configuration temporarily unavailable"
	case errors.Is(err, pipeline.ErrLLMTimeout):
		return http.StatusGatewayTimeout, "llm_timeout", "the assistant took too long to respond"
	case errors.Is(err, pipeline.ErrLLMUnavailable):
		return http.StatusBadGateway, "llm_unavailable", "the assistant is temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}

// handleError writes the mapped response and logs 5xx detail server-side.
func handleError(w http.ResponseWriter, log *slog.Logger, err error) {
	status, code, message := errorStatus(err)
	if status >= 500 {
		log.Error("http.request_failed", "status", status, "code", code, "error", err)
	}
	writeError(w, status, code, message)
}

// sessionID extracts and validates the session header.
func sessionID(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get(sessionHeader)
	if raw == "" {
		return uuid.Nil, errors.New("missing " + sessionHeader + " header")
	}
	return uuid.Parse(raw)
}

// pageParams converts ?page=&limit= into limit and offset. Pages are
// 1-based; limit defaults to 20 and caps at 100.
func pageParams(r *http.Request) (limit, offset int) {
	limit = 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > 100 {
		limit = 100
	}
	page := 1
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	return limit, (page - 1) * limit
}
