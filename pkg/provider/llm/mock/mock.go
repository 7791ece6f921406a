// Package mock provides a test double for the llm.Provider interface.
//
// Example:
//
//	p := &mock.Provider{
//	    Responses: [][]llm.Chunk{
//	        {{Text: "Hi "}, {Text: "there."}, {FinishReason: "stop"}},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxline/pkg/provider/llm"
)

// StreamCompletionCall records a single invocation of StreamCompletion.
type StreamCompletionCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the request passed to StreamCompletion.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses is consumed one entry per StreamCompletion call. When it runs
	// out, Chunks is used.
	Responses [][]llm.Chunk

	// Chunks is the default stream content.
	Chunks []llm.Chunk

	// StreamErr, if non-nil, is returned from StreamCompletion.
	StreamErr error

	// Hold keeps each stream open after its chunks until the request context
	// is cancelled.
	Hold bool

	// TokenCount is returned by CountTokens. Zero falls back to
	// llm.EstimateTokens.
	TokenCount int

	// Calls records every call to StreamCompletion in order.
	Calls []StreamCompletionCall
}

// StreamCompletion records the call and returns a channel with the next
// scripted response.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, StreamCompletionCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := p.Chunks
	if len(p.Responses) > 0 {
		chunks = p.Responses[0]
		p.Responses = p.Responses[1:]
	}
	chunks = append([]llm.Chunk(nil), chunks...)
	hold := p.Hold
	p.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// CountTokens returns TokenCount or an estimate.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TokenCount > 0 {
		return p.TokenCount, nil
	}
	return llm.EstimateTokens(messages), nil
}

// CallCount returns the number of StreamCompletion calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastRequest returns the most recent request, or the zero value.
func (p *Provider) LastRequest() llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return llm.CompletionRequest{}
	}
	return p.Calls[len(p.Calls)-1].Req
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
