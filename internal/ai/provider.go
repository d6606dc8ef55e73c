// Package ai provides the streaming model-provider abstraction and token
// accounting for conversation history.
package ai

import (
	"context"
	"errors"
	"iter"
)

// ErrProvider wraps upstream model failures so callers can distinguish them
// from timeouts and local errors.
var ErrProvider = errors.New("model provider error")

// Message is a single entry of the prompt sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the provider-reported token accounting for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Chunk is one element of a streamed completion. Exactly one of Content or
// Usage is set; providers that report usage do so once, after the last
// content delta.
type Chunk struct {
	Content string
	Usage   *Usage
}

// Request describes one completion call.
type Request struct {
	Messages    []Message
	Model       string
	Temperature float64
	MaxTokens   int // 0 = provider default
}

// StreamProvider produces completions as a lazy, finite, cancellable
// sequence of text deltas. Cancelling the context aborts the upstream call;
// the sequence then ends with the context error.
type StreamProvider interface {
	// Stream yields content deltas in arrival order, optionally followed by
	// a usage chunk. A non-nil error ends the sequence.
	Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error]

	// Complete performs a non-streaming completion. Used for background
	// work such as summary generation.
	Complete(ctx context.Context, req Request) (string, Usage, error)
}
