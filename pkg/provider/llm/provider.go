// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a chat-completion API (an OpenAI-compatible server or
// any vendor reachable through any-llm-go) and exposes a uniform streaming
// completion so the call pipeline can speak the reply while it is still being
// generated.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"
)

// Message is one role/content pair of the conversation history.
type Message struct {
	// Role is "system", "user" or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. System instructions are
	// carried as "system" messages at their position in the history.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// leaves the provider default in place.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int
}

// Chunk is a single token or fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty if the
	// chunk only carries a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped: "stop", "length", or "error".
	FinishReason string

	// Err is set together with FinishReason "error" when the stream failed
	// after it was opened.
	Err error
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// When ctx is cancelled a stream must close its channel promptly.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel that
	// emits Chunk values as they arrive. The channel is closed by the
	// implementation after the final chunk or when ctx is cancelled; the end of
	// the channel is the end-of-generation signal.
	//
	// Callers must drain the channel to avoid goroutine leaks. The initial error
	// return is non-nil only for failures that prevent the stream from starting.
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// CountTokens estimates the number of tokens that the given message list would
	// consume in the model's context window. The result need not be exact but
	// should not undercount.
	CountTokens(messages []Message) (int, error)
}

// Collect drains a completion stream into a single string. It returns the
// stream error, if any, together with the text received before it.
func Collect(ch <-chan Chunk) (string, error) {
	var text []byte
	var err error
	for c := range ch {
		text = append(text, c.Text...)
		if c.Err != nil && err == nil {
			err = c.Err
		}
	}
	return string(text), err
}

// EstimateTokens is a provider-independent token estimate of roughly four
// characters per token plus a small per-message overhead.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += 4 + (len(m.Content)+3)/4
	}
	return total
}
