package resilience

import (
	"context"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// The failover providers below put a [FallbackGroup] behind each service
// interface. A streamed request counts as failed when it cannot be issued or
// when the stream reports an error before its first value; after that the
// caller has already consumed output and a later error is delivered in-band.

// failover holds the group shared by the typed wrappers.
type failover[P any] struct {
	group *FallbackGroup[P]
}

// AddFallback registers another endpoint, tried after those added before it.
func (f failover[P]) AddFallback(name string, p P) { f.group.AddFallback(name, p) }

// Group exposes the underlying group for health reporting.
func (f failover[P]) Group() *FallbackGroup[P] { return f.group }

// openStream runs open against the first healthy endpoint and hands back a
// stream that has produced at least its first value without error.
func openStream[P, V any](ctx context.Context, f failover[P], open func(P) (<-chan V, error), errOf func(V) error) (<-chan V, error) {
	return ExecuteWithResult(ctx, f.group, func(p P) (<-chan V, error) {
		ch, err := open(p)
		if err != nil {
			return nil, err
		}
		return primed(ctx, ch, errOf)
	})
}

// STTFallback is an [stt.Provider] failing over across endpoints.
type STTFallback struct{ failover[stt.Provider] }

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] preferring primary.
func NewSTTFallback(primary stt.Provider, name string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{failover[stt.Provider]{NewFallbackGroup(primary, name, cfg)}}
}

func (f *STTFallback) Transcribe(ctx context.Context, u stt.Utterance) (<-chan stt.Transcript, error) {
	return openStream(ctx, f.failover,
		func(p stt.Provider) (<-chan stt.Transcript, error) { return p.Transcribe(ctx, u) },
		func(t stt.Transcript) error { return t.Err })
}

// LLMFallback is an [llm.Provider] failing over across endpoints.
type LLMFallback struct{ failover[llm.Provider] }

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] preferring primary.
func NewLLMFallback(primary llm.Provider, name string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{failover[llm.Provider]{NewFallbackGroup(primary, name, cfg)}}
}

func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return openStream(ctx, f.failover,
		func(p llm.Provider) (<-chan llm.Chunk, error) { return p.StreamCompletion(ctx, req) },
		func(c llm.Chunk) error { return c.Err })
}

// CountTokens asks the primary. Counting is local and never fails over.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return f.group.endpoints[0].value.CountTokens(messages)
}

// TTSFallback is a [tts.Provider] failing over across endpoints. Each
// response keeps the container and format of the endpoint that produced it.
type TTSFallback struct{ failover[tts.Provider] }

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] preferring primary.
func NewTTSFallback(primary tts.Provider, name string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{failover[tts.Provider]{NewFallbackGroup(primary, name, cfg)}}
}

func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (*tts.Response, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (*tts.Response, error) {
		resp, err := p.Synthesize(ctx, req)
		if err != nil {
			return nil, err
		}
		body, err := primed(ctx, resp.Audio, func(c tts.Chunk) error { return c.Err })
		if err != nil {
			return nil, err
		}
		out := *resp
		out.Audio = body
		return &out, nil
	})
}

// primed waits for the first value of ch. A stream failing before it
// produced anything becomes an error; otherwise the returned channel replays
// the first value followed by the rest of ch.
func primed[V any](ctx context.Context, ch <-chan V, errOf func(V) error) (<-chan V, error) {
	var (
		first V
		ok    bool
	)
	select {
	case first, ok = <-ch:
	case <-ctx.Done():
		go audio.Drain(ch)
		return nil, ctx.Err()
	}
	out := make(chan V)
	if !ok {
		close(out)
		return out, nil
	}
	if err := errOf(first); err != nil {
		go audio.Drain(ch)
		return nil, err
	}

	go func() {
		defer close(out)
		for v := first; ; {
			select {
			case out <- v:
			case <-ctx.Done():
				audio.Drain(ch)
				return
			}
			if v, ok = <-ch; !ok {
				return
			}
		}
	}()
	return out, nil
}
