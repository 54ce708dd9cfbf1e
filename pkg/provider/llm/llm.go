// Package llm defines the Provider interface for Large Language Model
// backends. A provider wraps a remote or local model API and exposes a
// uniform completion surface for the AI analyzers and the response
// generator without coupling to any specific SDK.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream
// ends or when the supplied context is cancelled.
package llm

import "context"

// Message is one entry in a conversation history.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name for multi-speaker contexts.
	Name string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to respond.
// Messages must be non-empty.
type CompletionRequest struct {
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]; 0 requests
	// the provider default.
	Temperature float64

	// MaxTokens caps generated tokens; 0 means the provider default.
	MaxTokens int

	// SystemPrompt is an optional instruction injected ahead of the
	// conversation history.
	SystemPrompt string
}

// Chunk is one fragment of a streaming completion. The final chunk
// carries a FinishReason; a FinishReason of "error" signals a mid-stream
// failure with the message in Text.
type Chunk struct {
	Text         string
	FinishReason string
}

// CompletionResponse is the full reply of a non-streaming completion.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamCompletion sends req and returns a channel emitting chunks as
	// they arrive. Callers must drain the channel. The error return is
	// non-nil only for failures that prevent the stream from starting.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Name identifies the backend for logging and fallback ordering.
	Name() string
}
