// Package mock provides a test double for the stt.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Transcripts: []stt.Transcript{{Text: "hello", IsFinal: true}}}
//	ch, _ := p.Transcribe(ctx, utterance)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxline/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Utterance is the utterance passed to Transcribe.
	Utterance stt.Utterance
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Transcripts is emitted for every request, in order.
	Transcripts []stt.Transcript

	// TranscribeErr, if non-nil, is returned from Transcribe.
	TranscribeErr error

	// Hold keeps each stream open after its transcripts until the request
	// context is cancelled.
	Hold bool

	// Calls records every call to Transcribe in order.
	Calls []TranscribeCall
}

// Transcribe records the call and returns a channel emitting Transcripts.
func (p *Provider) Transcribe(ctx context.Context, u stt.Utterance) (<-chan stt.Transcript, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Ctx: ctx, Utterance: u})
	if p.TranscribeErr != nil {
		err := p.TranscribeErr
		p.mu.Unlock()
		return nil, err
	}
	results := make([]stt.Transcript, len(p.Transcripts))
	copy(results, p.Transcripts)
	hold := p.Hold
	p.mu.Unlock()

	ch := make(chan stt.Transcript)
	go func() {
		defer close(ch)
		for _, r := range results {
			select {
			case <-ctx.Done():
				return
			case ch <- r:
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// CallCount returns the number of Transcribe calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
