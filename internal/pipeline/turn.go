package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentrahq/sentra/internal/store"
)

// State is the lifecycle position of one chat turn.
type State string

const (
	StateReceived   State = "received"
	StateSanitized  State = "sanitized"
	StatePreChecked State = "pre_checked"
	StateGenerating State = "generating"
	StateStreaming  State = "streaming"

	// Terminal states.
	StateDelivered     State = "delivered"
	StateBlocked       State = "blocked"
	StateEscalated     State = "escalated"
	StateBlockedPost   State = "blocked_post"
	StateEscalatedPost State = "escalated_post"
	StateFailed        State = "failed"
	StateCanceled      State = "canceled"
)

// Terminal reports whether the turn has reached a final state.
func (s State) Terminal() bool {
	switch s {
	case StateDelivered, StateBlocked, StateEscalated,
		StateBlockedPost, StateEscalatedPost, StateFailed, StateCanceled:
		return true
	}
	return false
}

// LLM failure classes. The HTTP layer maps them to 502/504 or an SSE
// error frame.
var (
	ErrLLMTimeout     = errors.New("llm timed out")
	ErrLLMUnavailable = errors.New("llm unavailable")
)

// RateLimitError rejects a turn that exceeds the per-session window.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter.Round(time.Second))
}

// TurnRequest is one user message bound to a conversation.
type TurnRequest struct {
	SessionID      uuid.UUID
	ConversationID uuid.UUID
	Content        string
}

// TurnResult is the outcome of one completed turn. AssistantMessage holds
// the text actually persisted, which for blocked or escalated turns is the
// refusal or the escalation template rather than model output.
type TurnResult struct {
	State             State
	UserMessage       *store.Message
	AssistantMessage  *store.Message
	Blocked           bool
	BlockReason       string
	Escalated         bool
	EscalationReason  string
	ModerationSkipped bool
}
