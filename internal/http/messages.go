package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/sentrahq/sentra/internal/pipeline"
	"github.com/sentrahq/sentra/internal/store"
)

// MessagesHandler serves the non-streaming chat turn.
type MessagesHandler struct {
	orch   *pipeline.Orchestrator
	stores *store.Stores
	log    *slog.Logger
}

func NewMessagesHandler(orch *pipeline.Orchestrator, stores *store.Stores, log *slog.Logger) *MessagesHandler {
	return &MessagesHandler{orch: orch, stores: stores, log: log}
}

func (h *MessagesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/messages", h.handlePost)
}

// turnResponse is the body of a completed non-streaming turn. Blocked and
// escalated turns are normal responses, not errors.
type turnResponse struct {
	UserMessage       *store.Message `json:"userMessage"`
	AssistantMessage  *store.Message `json:"assistantMessage,omitempty"`
	Blocked           bool           `json:"blocked,omitempty"`
	BlockReason       string         `json:"blockReason,omitempty"`
	Escalated         bool           `json:"escalated,omitempty"`
	EscalationReason  string         `json:"escalationReason,omitempty"`
	ModerationSkipped bool           `json:"moderationSkipped,omitempty"`
}

func (h *MessagesHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_session", err.Error())
		return
	}

	var req struct {
		ConversationID uuid.UUID `json:"conversationId"`
		Content        string    `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON: "+err.Error())
		return
	}
	if req.ConversationID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "bad_id", "conversationId is required")
		return
	}

	if err := h.stores.Sessions.Touch(r.Context(), sess); err != nil {
		handleError(w, h.log, err)
		return
	}

	res, err := h.orch.Run(r.Context(), pipeline.TurnRequest{
		SessionID:      sess,
		ConversationID: req.ConversationID,
		Content:        req.Content,
	}, nil)
	if err != nil {
		handleError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, turnResponse{
		UserMessage:       res.UserMessage,
		AssistantMessage:  res.AssistantMessage,
		Blocked:           res.Blocked,
		BlockReason:       res.BlockReason,
		Escalated:         res.Escalated,
		EscalationReason:  res.EscalationReason,
		ModerationSkipped: res.ModerationSkipped,
	})
}
