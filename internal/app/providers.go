package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"github.com/MrWong99/voxline/pkg/provider/vad"
)

// Providers holds the endpoint clients shared by every call.
type Providers struct {
	VAD vad.Engine
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Breakers reports circuit breaker states keyed by provider kind. It is
	// filled by [BuildProviders]; injected providers may leave it nil.
	Breakers map[string]func() map[string]resilience.State
}

// BreakerMetrics returns a fallback config whose breakers count their state
// changes in m.
func BreakerMetrics(m *observe.Metrics) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				m.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	}
}

// BuildProviders instantiates every provider named in cfg through reg. Each
// speech and language endpoint is wrapped in its own rate limiter and put
// behind a fallback group together with its configured fallbacks, so a
// failing primary is bypassed by new requests.
func BuildProviders(cfg *config.Config, reg *config.Registry, fb resilience.FallbackConfig) (*Providers, error) {
	ps := &Providers{Breakers: make(map[string]func() map[string]resilience.State, 3)}

	engine, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, err
	}
	ps.VAD = engine

	sttEntry := cfg.Providers.STT
	primarySTT, err := reg.CreateSTT(sttEntry)
	if err != nil {
		return nil, err
	}
	sttGroup := resilience.NewSTTFallback(limitSTT(primarySTT, sttEntry), sttEntry.Name, fb)
	for _, e := range sttEntry.Fallbacks {
		p, err := reg.CreateSTT(e)
		if err != nil {
			return nil, fmt.Errorf("stt fallback: %w", err)
		}
		sttGroup.AddFallback(e.Name, limitSTT(p, e))
	}
	ps.STT = sttGroup
	ps.Breakers["stt"] = sttGroup.Group().States

	llmEntry := cfg.Providers.LLM
	primaryLLM, err := reg.CreateLLM(llmEntry)
	if err != nil {
		return nil, err
	}
	llmGroup := resilience.NewLLMFallback(limitLLM(primaryLLM, llmEntry), llmEntry.Name, fb)
	for _, e := range llmEntry.Fallbacks {
		p, err := reg.CreateLLM(e)
		if err != nil {
			return nil, fmt.Errorf("llm fallback: %w", err)
		}
		llmGroup.AddFallback(e.Name, limitLLM(p, e))
	}
	ps.LLM = llmGroup
	ps.Breakers["llm"] = llmGroup.Group().States

	ttsEntry := cfg.Providers.TTS
	primaryTTS, err := reg.CreateTTS(ttsEntry)
	if err != nil {
		return nil, err
	}
	ttsGroup := resilience.NewTTSFallback(limitTTS(primaryTTS, ttsEntry), ttsEntry.Name, fb)
	for _, e := range ttsEntry.Fallbacks {
		p, err := reg.CreateTTS(e)
		if err != nil {
			return nil, fmt.Errorf("tts fallback: %w", err)
		}
		ttsGroup.AddFallback(e.Name, limitTTS(p, e))
	}
	ps.TTS = ttsGroup
	ps.Breakers["tts"] = ttsGroup.Group().States

	for kind, e := range map[string]config.ProviderEntry{"stt": sttEntry, "llm": llmEntry, "tts": ttsEntry} {
		slog.Info("provider created", "kind", kind, "name", e.Name, "model", e.Model, "fallbacks", len(e.Fallbacks))
	}
	return ps, nil
}

func limitSTT(p stt.Provider, e config.ProviderEntry) stt.Provider {
	if l := resilience.NewLimiter(e.RateLimit, e.Burst); l != nil {
		return resilience.NewRateLimitedSTT(p, l)
	}
	return p
}

func limitLLM(p llm.Provider, e config.ProviderEntry) llm.Provider {
	if l := resilience.NewLimiter(e.RateLimit, e.Burst); l != nil {
		return resilience.NewRateLimitedLLM(p, l)
	}
	return p
}

func limitTTS(p tts.Provider, e config.ProviderEntry) tts.Provider {
	if l := resilience.NewLimiter(e.RateLimit, e.Burst); l != nil {
		return resilience.NewRateLimitedTTS(p, l)
	}
	return p
}
