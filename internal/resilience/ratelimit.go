package resilience

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// NewLimiter returns a token-bucket limiter allowing perSecond requests with
// the given burst, or nil when perSecond is not positive. A nil limiter
// disables pacing in the RateLimited wrappers.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// wait blocks until l admits one request or ctx ends.
func wait(ctx context.Context, l *rate.Limiter, name string) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("resilience: %s rate limit: %w", name, err)
	}
	return nil
}

// RateLimitedSTT paces transcription requests. The limiter is shared by all
// calls using the wrapper, so it expresses an endpoint-wide quota.
type RateLimitedSTT struct {
	stt.Provider
	limiter *rate.Limiter
}

var _ stt.Provider = (*RateLimitedSTT)(nil)

// NewRateLimitedSTT wraps p. A nil limiter passes requests through.
func NewRateLimitedSTT(p stt.Provider, l *rate.Limiter) *RateLimitedSTT {
	return &RateLimitedSTT{Provider: p, limiter: l}
}

// Transcribe waits for the limiter, then delegates.
func (r *RateLimitedSTT) Transcribe(ctx context.Context, u stt.Utterance) (<-chan stt.Transcript, error) {
	if err := wait(ctx, r.limiter, "stt"); err != nil {
		return nil, err
	}
	return r.Provider.Transcribe(ctx, u)
}

// RateLimitedLLM paces completion requests.
type RateLimitedLLM struct {
	llm.Provider
	limiter *rate.Limiter
}

var _ llm.Provider = (*RateLimitedLLM)(nil)

// NewRateLimitedLLM wraps p. A nil limiter passes requests through.
func NewRateLimitedLLM(p llm.Provider, l *rate.Limiter) *RateLimitedLLM {
	return &RateLimitedLLM{Provider: p, limiter: l}
}

// StreamCompletion waits for the limiter, then delegates.
func (r *RateLimitedLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if err := wait(ctx, r.limiter, "llm"); err != nil {
		return nil, err
	}
	return r.Provider.StreamCompletion(ctx, req)
}

// RateLimitedTTS paces synthesis requests.
type RateLimitedTTS struct {
	tts.Provider
	limiter *rate.Limiter
}

var _ tts.Provider = (*RateLimitedTTS)(nil)

// NewRateLimitedTTS wraps p. A nil limiter passes requests through.
func NewRateLimitedTTS(p tts.Provider, l *rate.Limiter) *RateLimitedTTS {
	return &RateLimitedTTS{Provider: p, limiter: l}
}

// Synthesize waits for the limiter, then delegates.
func (r *RateLimitedTTS) Synthesize(ctx context.Context, req tts.Request) (*tts.Response, error) {
	if err := wait(ctx, r.limiter, "tts"); err != nil {
		return nil, err
	}
	return r.Provider.Synthesize(ctx, req)
}
