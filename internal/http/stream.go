package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sentrahq/sentra/internal/pipeline"
	"github.com/sentrahq/sentra/internal/store"
)

// StreamHandler serves the SSE chat turn. Every stream ends with exactly
// one done or one error frame; content frames precede it as chunks arrive.
type StreamHandler struct {
	orch   *pipeline.Orchestrator
	stores *store.Stores
	log    *slog.Logger
}

func NewStreamHandler(orch *pipeline.Orchestrator, stores *store.Stores, log *slog.Logger) *StreamHandler {
	return &StreamHandler{orch: orch, stores: stores, log: log}
}

func (h *StreamHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/messages/stream/{conversationID}", h.handleStream)
}

// sseFrame is one event on the wire. Type is "content", "done", or "error".
type sseFrame struct {
	Type             string      `json:"type"`
	Content          string      `json:"content,omitempty"`
	AssistantMessage *sseMessage `json:"assistantMessage,omitempty"`
	Blocked          bool        `json:"blocked,omitempty"`
	Escalated        bool        `json:"escalated,omitempty"`
	Message          string      `json:"message,omitempty"`
	Code             string      `json:"code,omitempty"`
}

type sseMessage struct {
	ID        uuid.UUID `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

func (h *StreamHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	sess, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_session", err.Error())
		return
	}
	convID, err := uuid.Parse(r.PathValue("conversationID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_id", "invalid conversation ID")
		return
	}
	text := r.URL.Query().Get("message")

	if err := h.stores.Sessions.Touch(r.Context(), sess); err != nil {
		handleError(w, h.log, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	res, err := h.orch.Run(r.Context(), pipeline.TurnRequest{
		SessionID:      sess,
		ConversationID: convID,
		Content:        text,
	}, func(chunk string) {
		writeFrame(w, flusher, sseFrame{Type: "content", Content: chunk})
	})
	if err != nil {
		_, code, message := errorStatus(err)
		if code == "internal" {
			h.log.Error("http.stream_failed", "conversation_id", convID, "error", err)
		}
		writeFrame(w, flusher, sseFrame{Type: "error", Message: message, Code: code})
		return
	}

	switch res.State {
	case pipeline.StateCanceled:
		// Client is gone; nothing left to deliver.
		return
	case pipeline.StateBlockedPost:
		// The streamed text was retracted; the stored refusal replaces it.
		writeFrame(w, flusher, sseFrame{
			Type:    "error",
			Message: res.AssistantMessage.Content,
			Code:    "response_blocked",
		})
		return
	}

	done := sseFrame{Type: "done", Blocked: res.Blocked, Escalated: res.Escalated}
	if res.AssistantMessage != nil {
		done.AssistantMessage = &sseMessage{
			ID:        res.AssistantMessage.ID,
			Content:   res.AssistantMessage.Content,
			CreatedAt: res.AssistantMessage.CreatedAt,
		}
	}
	writeFrame(w, flusher, done)
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, f sseFrame) {
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
	flusher.Flush()
}
