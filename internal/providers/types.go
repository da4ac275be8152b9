// Package providers holds the narrow adapters to hosted LLM services: the
// streaming completion providers and the moderation client. Adapters speak
// raw HTTP; everything above them works with the types in this file.
package providers

import "context"

// Message is one prompt message sent to a completion provider.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Chunk is one streamed content fragment.
type Chunk struct {
	Content string `json:"content"`
}

// Usage is the provider-reported token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Completion is the final result of one generation.
type Completion struct {
	Content      string `json:"content"`
	FinishReason string `json:"finishReason"` // "stop", "length"
	Usage        *Usage `json:"usage,omitempty"`
}

// CompletionProvider streams assistant completions.
type CompletionProvider interface {
	// Stream sends the prompt and relays content fragments to onChunk as
	// they arrive, returning the assembled completion. A nil onChunk
	// buffers silently. Cancellation of ctx aborts the stream; the partial
	// completion is discarded and ctx.Err() is returned.
	Stream(ctx context.Context, messages []Message, onChunk func(Chunk)) (*Completion, error)

	// Name returns the provider identifier ("anthropic", "openai").
	Name() string

	// DefaultModel returns the model used when none is configured.
	DefaultModel() string
}

// ModerationResult is the raw verdict from the hosted moderation endpoint.
// The category set is open; callers apply their own thresholds and ignore
// categories they do not manage.
type ModerationResult struct {
	Categories map[string]bool    `json:"categories"`
	Scores     map[string]float64 `json:"scores"`
}
