// Package pipeline drives one chat turn end to end: rate limiting,
// sanitization, the pre-generation safety check, retrieval, streaming
// generation, the post-generation safety check, and persistence of the
// messages and their audit records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentrahq/sentra/internal/providers"
	"github.com/sentrahq/sentra/internal/rag"
	"github.com/sentrahq/sentra/internal/safety"
	"github.com/sentrahq/sentra/internal/settings"
	"github.com/sentrahq/sentra/internal/store"
	"github.com/sentrahq/sentra/internal/tracing"
)

const (
	// ragTimeout bounds retrieval; on expiry the turn proceeds with
	// whatever context was assembled.
	ragTimeout = 100 * time.Millisecond

	// llmTimeout bounds the whole generation, first byte to last.
	llmTimeout = 120 * time.Second
)

// Orchestrator owns the turn lifecycle. Turns for the same conversation
// are serialized on a per-conversation mutex so message order is total;
// different conversations run in parallel.
type Orchestrator struct {
	stores   *store.Stores
	cache    *settings.Cache
	engine   *safety.Engine
	provider providers.CompletionProvider
	limiter  *SlidingWindow
	log      *slog.Logger

	locks sync.Map // conversation ID → *sync.Mutex
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(stores *store.Stores, cache *settings.Cache, engine *safety.Engine, provider providers.CompletionProvider, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		stores:   stores,
		cache:    cache,
		engine:   engine,
		provider: provider,
		limiter:  NewSlidingWindow(),
		log:      log,
	}
}

// Run executes one turn. When onChunk is non-nil and the snapshot's
// post-check mode is "stream", generated content is relayed to it as it
// arrives; in "buffer" mode the vetted text is delivered as one chunk
// after the post-generation check passes. The user message is persisted
// before any LLM I/O; the assistant message ID is assigned before the
// first chunk is relayed.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest, onChunk func(content string)) (*TurnResult, error) {
	snap, err := o.cache.Get(ctx)
	if err != nil {
		return nil, err
	}

	maxMsgs, window := snap.RateLimit()
	if ok, retryAfter := o.limiter.Allow(req.SessionID.String(), maxMsgs, window); !ok {
		return nil, &RateLimitError{RetryAfter: retryAfter}
	}

	mu := o.lockFor(req.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := o.stores.Conversations.GetForSession(ctx, req.ConversationID, req.SessionID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.Start(ctx, "pipeline.turn")
	defer span.End()

	started := time.Now()
	res := &TurnResult{State: StateReceived}

	text, err := safety.Sanitize(req.Content, snap.MaxInputChars())
	if err != nil {
		return nil, err
	}
	res.State = StateSanitized

	userMsg := &store.Message{ConversationID: conv.ID, Role: store.RoleUser, Content: text}
	if err := o.stores.Messages.Insert(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	res.UserMessage = userMsg

	decision, err := o.engine.Evaluate(ctx, text, snap)
	if err != nil {
		res.State = StateFailed
		return nil, fmt.Errorf("pre-generation check: %w", err)
	}
	res.State = StatePreChecked
	res.ModerationSkipped = decision.ModerationSkipped

	switch decision.Kind {
	case safety.KindBlock:
		return o.finishPreBlocked(ctx, res, conv, userMsg, decision, snap)
	case safety.KindEscalate:
		return o.finishPreEscalated(ctx, res, conv, userMsg, decision)
	}

	if err := o.stores.Messages.SetVerdict(ctx, userMsg.ID, decision.Flagged(), decision.Log(userMsg.ID)); err != nil {
		return nil, fmt.Errorf("record user verdict: %w", err)
	}
	userMsg.Flagged = decision.Flagged()

	contextBlock := o.retrieve(ctx, text, snap)
	prompt, err := o.buildPrompt(ctx, conv.ID, snap, contextBlock)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	// The assistant message ID exists before the first chunk goes out so
	// the turn is resumable by ID.
	assistantID := store.GenNewID()
	res.State = StateGenerating

	emit := onChunk
	buffered := snap.PostCheckMode() == "buffer"
	if buffered {
		emit = nil
	}

	llmCtx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	genCtx, genSpan := tracing.Start(llmCtx, "pipeline.llm_stream")
	var partial strings.Builder
	completion, err := o.provider.Stream(genCtx, prompt, func(c providers.Chunk) {
		res.State = StateStreaming
		partial.WriteString(c.Content)
		if emit != nil {
			emit(c.Content)
		}
	})
	genSpan.End()

	elapsedMs := int(time.Since(started).Milliseconds())
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return o.finishCanceled(conv, res, assistantID, partial.String(), elapsedMs)
		}
		res.State = StateFailed
		if errors.Is(llmCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrLLMTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}

	tokens := tokenCount(completion)
	asst := &store.Message{
		ID:             assistantID,
		ConversationID: conv.ID,
		Role:           store.RoleAssistant,
		Content:        completion.Content,
		ResponseTimeMs: &elapsedMs,
		TokenCount:     &tokens,
	}
	if err := o.stores.Messages.Insert(ctx, asst); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	res.AssistantMessage = asst

	return o.postCheck(ctx, res, conv, asst, snap, buffered, onChunk)
}

// postCheck runs the rule engine over the final assistant text and repairs
// persistence when the verdict demands it.
func (o *Orchestrator) postCheck(ctx context.Context, res *TurnResult, conv *store.Conversation, asst *store.Message, snap *settings.Snapshot, buffered bool, onChunk func(string)) (*TurnResult, error) {
	decision, err := o.engine.Evaluate(ctx, asst.Content, snap)
	if err != nil {
		res.State = StateFailed
		return nil, fmt.Errorf("post-generation check: %w", err)
	}

	switch decision.Kind {
	case safety.KindBlock:
		refusal := snap.RefusalMessage()
		if err := o.stores.Messages.Rewrite(ctx, asst.ID, refusal, true, decision.Log(asst.ID), nil); err != nil {
			return nil, fmt.Errorf("rewrite blocked response: %w", err)
		}
		asst.Content = refusal
		asst.Flagged = true
		res.State = StateBlockedPost
		res.Blocked = true
		res.BlockReason = decision.Category
		o.log.Warn("safety.response_blocked", "conversation_id", conv.ID, "category", decision.Category)

	case safety.KindEscalate:
		template := decision.Template
		if template == "" {
			template = safety.DefaultEscalationTemplate
		}
		if err := o.stores.Messages.Rewrite(ctx, asst.ID, template, false, decision.Log(asst.ID), &decision.Category); err != nil {
			return nil, fmt.Errorf("rewrite escalated response: %w", err)
		}
		asst.Content = template
		res.State = StateEscalatedPost
		res.Escalated = true
		res.EscalationReason = decision.Category
		o.log.Warn("safety.response_escalated",
			"conversation_id", conv.ID, "category", decision.Category, "urgency", decision.Urgency)

	default:
		flagged := decision.Kind == safety.KindFlag
		if err := o.stores.Messages.SetVerdict(ctx, asst.ID, flagged, decision.Log(asst.ID)); err != nil {
			return nil, fmt.Errorf("record assistant verdict: %w", err)
		}
		asst.Flagged = flagged
		res.State = StateDelivered
		if buffered && onChunk != nil {
			onChunk(asst.Content)
		}
	}

	if err := o.stores.Conversations.Touch(ctx, conv.ID); err != nil {
		o.log.Warn("pipeline.touch_failed", "conversation_id", conv.ID, "error", err)
	}
	o.log.Debug("pipeline.turn_done", "conversation_id", conv.ID, "state", res.State)
	return res, nil
}

// finishPreBlocked terminates a turn blocked before generation: the user
// message is flagged with its audit log, and a canned refusal is stored as
// the assistant reply. No LLM call happens.
func (o *Orchestrator) finishPreBlocked(ctx context.Context, res *TurnResult, conv *store.Conversation, userMsg *store.Message, decision safety.Decision, snap *settings.Snapshot) (*TurnResult, error) {
	if err := o.stores.Messages.SetVerdict(ctx, userMsg.ID, true, decision.Log(userMsg.ID)); err != nil {
		return nil, fmt.Errorf("record block verdict: %w", err)
	}
	userMsg.Flagged = true

	asst := &store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleAssistant,
		Content:        snap.RefusalMessage(),
		Flagged:        true,
	}
	if err := o.stores.Messages.Insert(ctx, asst); err != nil {
		return nil, fmt.Errorf("persist refusal: %w", err)
	}
	if err := o.stores.Conversations.Touch(ctx, conv.ID); err != nil {
		o.log.Warn("pipeline.touch_failed", "conversation_id", conv.ID, "error", err)
	}

	res.State = StateBlocked
	res.Blocked = true
	res.BlockReason = decision.Category
	res.AssistantMessage = asst
	o.log.Warn("safety.blocked", "conversation_id", conv.ID, "category", decision.Category)
	return res, nil
}

// finishPreEscalated terminates an escalated turn: the conversation latch
// is set, the audit log written, and the category's response template is
// stored as the assistant reply. No LLM call happens.
func (o *Orchestrator) finishPreEscalated(ctx context.Context, res *TurnResult, conv *store.Conversation, userMsg *store.Message, decision safety.Decision) (*TurnResult, error) {
	if err := o.stores.Messages.SetVerdict(ctx, userMsg.ID, false, decision.Log(userMsg.ID)); err != nil {
		return nil, fmt.Errorf("record escalation verdict: %w", err)
	}
	if err := o.stores.Conversations.MarkEscalated(ctx, conv.ID, decision.Category); err != nil {
		return nil, fmt.Errorf("mark escalated: %w", err)
	}

	template := decision.Template
	if template == "" {
		template = safety.DefaultEscalationTemplate
	}
	asst := &store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleAssistant,
		Content:        template,
	}
	if err := o.stores.Messages.Insert(ctx, asst); err != nil {
		return nil, fmt.Errorf("persist escalation reply: %w", err)
	}
	if err := o.stores.Conversations.Touch(ctx, conv.ID); err != nil {
		o.log.Warn("pipeline.touch_failed", "conversation_id", conv.ID, "error", err)
	}

	res.State = StateEscalated
	res.Escalated = true
	res.EscalationReason = decision.Category
	res.AssistantMessage = asst
	o.log.Warn("safety.escalated",
		"conversation_id", conv.ID, "category", decision.Category,
		"urgency", decision.Urgency, "triggers", strings.Join(decision.Triggers, ","))
	return res, nil
}

// finishCanceled persists whatever text was buffered before the client
// disconnected, tagged canceled.
func (o *Orchestrator) finishCanceled(conv *store.Conversation, res *TurnResult, assistantID uuid.UUID, partial string, elapsedMs int) (*TurnResult, error) {
	// The request context is gone; use a short detached context for the
	// final write.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	asst := &store.Message{
		ID:             assistantID,
		ConversationID: conv.ID,
		Role:           store.RoleAssistant,
		Content:        partial,
		Canceled:       true,
		ResponseTimeMs: &elapsedMs,
	}
	if err := o.stores.Messages.Insert(ctx, asst); err != nil {
		o.log.Warn("pipeline.cancel_persist_failed", "conversation_id", conv.ID, "error", err)
	}
	res.AssistantMessage = asst
	res.State = StateCanceled
	o.log.Info("pipeline.turn_canceled", "conversation_id", conv.ID, "buffered_chars", len(partial))
	return res, nil
}

// retrieve runs the RAG pass under its own deadline.
func (o *Orchestrator) retrieve(ctx context.Context, query string, snap *settings.Snapshot) string {
	if len(snap.Knowledge) == 0 {
		return ""
	}
	ragCtx, cancel := context.WithTimeout(ctx, ragTimeout)
	defer cancel()
	ragCtx, span := tracing.Start(ragCtx, "pipeline.rag")
	defer span.End()

	result := rag.Retrieve(ragCtx, query, snap.Knowledge, snap.RAGTopK(), snap.RAGTokenBudget())
	if result.ContextBlock != "" {
		o.log.Debug("rag.context_built", "docs", len(result.Docs), "chars", len(result.ContextBlock))
	}
	return result.ContextBlock
}

// buildPrompt assembles system prompt, optional knowledge context, and the
// recent conversation window. The just-persisted user message arrives via
// the history read, so it is always the final prompt message.
func (o *Orchestrator) buildPrompt(ctx context.Context, conversationID uuid.UUID, snap *settings.Snapshot, contextBlock string) ([]providers.Message, error) {
	history, err := o.stores.Messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if n := snap.ContextWindowMessages(); n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}

	prompt := []providers.Message{{Role: "system", Content: snap.SystemPrompt()}}
	if contextBlock != "" {
		prompt = append(prompt, providers.Message{
			Role:    "system",
			Content: "Relevant knowledge base entries:\n\n" + contextBlock,
		})
	}
	for _, m := range history {
		if m.Role == store.RoleSystem || m.Canceled {
			continue
		}
		prompt = append(prompt, providers.Message{Role: string(m.Role), Content: m.Content})
	}
	return prompt, nil
}

func (o *Orchestrator) lockFor(conversationID uuid.UUID) *sync.Mutex {
	v, _ := o.locks.LoadOrStore(conversationID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// tokenCount prefers provider-reported usage and falls back to the chars/4
// estimate when the provider did not report.
func tokenCount(c *providers.Completion) int {
	if c.Usage != nil && c.Usage.OutputTokens > 0 {
		return c.Usage.OutputTokens
	}
	return len(c.Content) / 4
}
