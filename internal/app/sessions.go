package app

import (
	"github.com/MrWong99/voxline/internal/audiobuffer"
	"github.com/MrWong99/voxline/internal/call"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/service"
	"github.com/MrWong99/voxline/internal/turn"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"github.com/MrWong99/voxline/pkg/provider/vad"
	"github.com/MrWong99/voxline/pkg/transport"
)

// SessionConfig maps the file configuration onto the settings of one call.
func SessionConfig(cfg *config.Config) call.Config {
	p, a, r := cfg.Pipeline, cfg.Agent, cfg.Recording
	return call.Config{
		SystemPrompt: a.SystemPrompt,
		Kickoff:      a.Kickoff,
		MaxTurns:     a.MaxTurns,

		AllowInterruptions: p.Interruptions(),
		Turn: turn.Config{
			VAD: vad.Config{
				SampleRate:       p.InputSampleRate,
				FrameSizeMs:      p.VAD.FrameSizeMs,
				SpeechThreshold:  p.VAD.SpeechThreshold,
				SilenceThreshold: p.VAD.SilenceThreshold,
				MinSpeechMs:      p.VAD.MinSpeechMs,
				MinSilenceMs:     p.VAD.MinSilenceMs,
			},
			MinInterruption: p.MinInterruption,
		},
		STT: service.STTConfig{Language: p.Language},
		LLM: service.LLMConfig{
			Temperature:   a.Temperature,
			MaxTokens:     a.MaxTokens,
			HistoryTokens: a.HistoryTokens,
		},
		TTS: service.TTSConfig{
			Voice:               tts.VoiceProfile{ID: a.Voice, SpeedFactor: a.SpeedFactor},
			SampleRate:          p.OutputSampleRate,
			SentenceAggregation: p.Sentences(),
		},

		STTTimeout: p.STTTimeout,
		LLMTimeout: p.LLMTimeout,
		TTSTimeout: p.TTSTimeout,

		QueueSize:    p.QueueSize,
		DrainTimeout: p.DrainTimeout,

		Record: r.Enabled,
		Recording: audiobuffer.Config{
			SampleRate: r.SampleRate,
			Channels:   r.Channels,
			BufferSize: r.BufferSize,
		},
	}
}

// newSession is the [call.Factory] of the app. It reads the configuration
// and providers at call time, so a reload affects new calls only.
func (a *App) newSession(id string, conn transport.Conn) (*call.Session, error) {
	cfg := a.config()
	ps := a.currentProviders()
	sc := SessionConfig(cfg)
	if sc.Record && a.recordings == nil {
		// Enabled by a reload; the store is only opened at startup.
		a.log.Warn("recording enabled without a store, restart to record", "session_id", id)
		sc.Record = false
	}
	return call.NewSession(id, conn, sc, call.Deps{
		VAD:         ps.VAD,
		STT:         ps.STT,
		LLM:         ps.LLM,
		TTS:         ps.TTS,
		Recordings:  a.recordings,
		Transcripts: a.transcripts,
		Metrics:     a.metrics,
		Logger:      a.log.With("session_id", id, "conn_id", conn.ID()),
	})
}
