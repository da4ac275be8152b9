package http

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/sentrahq/sentra/internal/store"
)

// ConversationsHandler serves conversation creation and reads. All routes
// are scoped to the caller's session; a conversation owned by another
// session reads as 404.
type ConversationsHandler struct {
	stores *store.Stores
	log    *slog.Logger
}

func NewConversationsHandler(stores *store.Stores, log *slog.Logger) *ConversationsHandler {
	return &ConversationsHandler{stores: stores, log: log}
}

func (h *ConversationsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/conversations", h.handleCreate)
	mux.HandleFunc("GET /api/conversations", h.handleList)
	mux.HandleFunc("GET /api/conversations/{id}", h.handleGet)
}

func (h *ConversationsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_session", err.Error())
		return
	}
	if err := h.stores.Sessions.Touch(r.Context(), sess); err != nil {
		handleError(w, h.log, err)
		return
	}

	conv, err := h.stores.Conversations.Create(r.Context(), sess)
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conversation": conv})
}

func (h *ConversationsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_session", err.Error())
		return
	}

	limit, offset := pageParams(r)
	result, err := h.stores.Conversations.ListBySession(r.Context(), sess, limit, offset)
	if err != nil {
		handleError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *ConversationsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_session", err.Error())
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid conversation ID")
		return
	}

	conv, err := h.stores.Conversations.GetForSession(r.Context(), id, sess)
	if err != nil {
		handleError(w, h.log, err)
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
