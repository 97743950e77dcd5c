// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote model API (OpenAI, Azure OpenAI, Anthropic, a local
// OpenAI-compatible server) and exposes a uniform streaming interface so the
// response generator never couples to a specific SDK.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/MrWong99/voxline/pkg/types"
)

// FinishReasonError marks a Chunk that carries a mid-stream failure. Its Text
// holds the error message.
const FinishReasonError = "error"

// CompletionRequest carries everything the LLM needs to produce a response.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is the caller's
	// current input.
	Messages []types.Message

	// SystemPrompt is injected before Messages as a "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero means
	// the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means the provider default.
	MaxTokens int

	// User identifies the end user to the provider for abuse monitoring.
	// Providers that have no such field ignore it.
	User string
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or
	// FinishReasonError. Empty for non-final chunks.
	FinishReason string
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel that emits
	// Chunk values as they arrive. The channel is closed when generation finishes
	// or ctx is cancelled.
	//
	// The error return is non-nil only for failures that prevent the stream from
	// starting. Later failures arrive as a Chunk with FinishReasonError.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
