// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify the
// text and voice passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks:    [][]byte{wavHeader, pcm1, pcm2},
//	    Container: tts.ContainerWAV,
//	}
//	resp, _ := p.Synthesize(ctx, tts.Request{Text: "hello"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Chunks is the sequence of body pieces emitted for every request not
	// covered by Responses.
	Chunks [][]byte

	// Responses, when set, gives the body pieces of the n-th request.
	// Requests beyond its length fall back to Chunks.
	Responses [][][]byte

	// Interval is waited before every chunk after the first, pacing the
	// stream like a real-time synthesizer.
	Interval time.Duration

	// Container is reported on every response. Zero value is raw PCM.
	Container tts.Container

	// Format is reported on every response. Defaults to 24 kHz mono.
	Format audio.Format

	// SynthesizeErr, if non-nil, is returned from Synthesize instead of a
	// response.
	SynthesizeErr error

	// StreamErr, if non-nil, is delivered as a final chunk after Chunks.
	StreamErr error

	// Hold keeps each response open after its chunks until the request
	// context is cancelled.
	Hold bool

	// --- Call records ---

	// Calls records every call to Synthesize in order.
	Calls []SynthesizeCall
}

// Synthesize records the call and, if SynthesizeErr is nil, returns a
// response that emits Chunks then closes.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Response, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Ctx: ctx, Req: req})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	src := p.Chunks
	if n := len(p.Calls) - 1; n < len(p.Responses) {
		src = p.Responses[n]
	}
	chunks := make([][]byte, len(src))
	copy(chunks, src)
	streamErr, hold, interval := p.StreamErr, p.Hold, p.Interval
	format := p.Format
	if format.SampleRate == 0 {
		format = audio.Format{SampleRate: 24000, Channels: 1}
	}
	container := p.Container
	p.mu.Unlock()

	ch := make(chan tts.Chunk)
	go func() {
		defer close(ch)
		for i, c := range chunks {
			if i > 0 && interval > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(interval):
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- tts.Chunk{Data: c}:
			}
		}
		if streamErr != nil {
			select {
			case <-ctx.Done():
			case ch <- tts.Chunk{Err: streamErr}:
			}
			return
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return &tts.Response{Format: format, Container: container, Audio: ch}, nil
}

// CallCount returns the number of Synthesize calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Texts returns the text of every request in call order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Req.Text
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
