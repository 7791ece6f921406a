package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxline/pkg/provider/llm/mock"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxline/pkg/provider/stt/mock"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxline/pkg/provider/tts/mock"
	"github.com/MrWong99/voxline/pkg/provider/vad"
	vadmock "github.com/MrWong99/voxline/pkg/provider/vad/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  media_path: /twilio/media

providers:
  stt:
    name: openai
    base_url: http://localhost:8000/v1/
    model: Systran/faster-whisper-small
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
    rate_limit: 5
    burst: 2
    fallbacks:
      - name: anthropic
        api_key: ant-test
        model: claude-haiku
  tts:
    name: coqui
    base_url: http://localhost:5002
    options:
      language: en

pipeline:
  allow_interruptions: false
  min_interruption: 300ms
  llm_timeout: 20s
  vad:
    speech_threshold: 0.6
    silence_threshold: 0.3

agent:
  system_prompt: You are a friendly receptionist.
  voice: fernanda
  max_turns: 20
  temperature: 0.7

recording:
  enabled: true
  store: s3
  s3:
    bucket: calls
    region: eu-central-1
  channels: 2

limits:
  max_calls: 4
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// minimalYAML is the smallest valid configuration.
const minimalYAML = `
providers:
  stt: {name: whisper}
  llm: {name: openai}
  tts: {name: coqui}
agent:
  system_prompt: Be brief.
`

// ── loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.MediaPath != "/twilio/media" {
		t.Errorf("media_path: got %q", cfg.Server.MediaPath)
	}
	if cfg.Providers.LLM.Model != "gpt-4o-mini" {
		t.Errorf("llm model: got %q", cfg.Providers.LLM.Model)
	}
	if len(cfg.Providers.LLM.Fallbacks) != 1 || cfg.Providers.LLM.Fallbacks[0].Name != "anthropic" {
		t.Errorf("llm fallbacks: got %+v", cfg.Providers.LLM.Fallbacks)
	}
	if cfg.Providers.LLM.RateLimit != 5 || cfg.Providers.LLM.Burst != 2 {
		t.Errorf("llm rate limit: got %v/%d", cfg.Providers.LLM.RateLimit, cfg.Providers.LLM.Burst)
	}
	if got := cfg.Providers.TTS.Option("language", "de"); got != "en" {
		t.Errorf("tts option language: got %q, want %q", got, "en")
	}
	if cfg.Pipeline.Interruptions() {
		t.Error("allow_interruptions: got true, want false")
	}
	if cfg.Pipeline.MinInterruption != 300*time.Millisecond {
		t.Errorf("min_interruption: got %v", cfg.Pipeline.MinInterruption)
	}
	if cfg.Pipeline.LLMTimeout != 20*time.Second {
		t.Errorf("llm_timeout: got %v", cfg.Pipeline.LLMTimeout)
	}
	if cfg.Pipeline.VAD.SpeechThreshold != 0.6 {
		t.Errorf("speech_threshold: got %v", cfg.Pipeline.VAD.SpeechThreshold)
	}
	if cfg.Recording.Store != config.StoreS3 || cfg.Recording.S3.Bucket != "calls" {
		t.Errorf("recording: got %+v", cfg.Recording)
	}
	if cfg.Limits.MaxCalls != 4 {
		t.Errorf("max_calls: got %d", cfg.Limits.MaxCalls)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, minimalYAML)

	tests := []struct {
		name      string
		got, want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"media_path", cfg.Server.MediaPath, config.DefaultMediaPath},
		{"vad provider", cfg.Providers.VAD.Name, "energy"},
		{"input rate", cfg.Pipeline.InputSampleRate, 16000},
		{"output rate", cfg.Pipeline.OutputSampleRate, 24000},
		{"interruptions", cfg.Pipeline.Interruptions(), true},
		{"sentences", cfg.Pipeline.Sentences(), true},
		{"min_interruption", cfg.Pipeline.MinInterruption, config.DefaultMinInterruption},
		{"drain_timeout", cfg.Pipeline.DrainTimeout, config.DefaultDrainTimeout},
		{"vad frame", cfg.Pipeline.VAD.FrameSizeMs, 20},
		{"recording store", cfg.Recording.Store, config.StoreFile},
		{"recording dir", cfg.Recording.Dir, config.DefaultRecordingDir},
		{"recording channels", cfg.Recording.Channels, 1},
		{"recording rate", cfg.Recording.SampleRate, 16000},
		{"max_calls", cfg.Limits.MaxCalls, config.DefaultMaxCalls},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadFromReader_ExpandsEnv(t *testing.T) {
	t.Setenv("VOXLINE_TEST_LLM_KEY", "sk-from-env")
	cfg := mustLoad(t, `
providers:
  stt: {name: whisper}
  llm: {name: openai, api_key: "${VOXLINE_TEST_LLM_KEY}"}
  tts: {name: coqui, api_key: "${VOXLINE_TEST_UNSET_VAR}"}
`)
	if cfg.Providers.LLM.APIKey != "sk-from-env" {
		t.Errorf("api_key: got %q, want %q", cfg.Providers.LLM.APIKey, "sk-from-env")
	}
	if cfg.Providers.TTS.APIKey != "" {
		t.Errorf("unset variable: got %q, want empty", cfg.Providers.TTS.APIKey)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\ndialplan: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestLoadFromReader_EmptyFailsValidation(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("got %v, want ErrInvalid", err)
	}
	for _, kind := range []string{"stt", "llm", "tts"} {
		if !strings.Contains(err.Error(), "providers."+kind+".name is required") {
			t.Errorf("missing error for %s: %v", kind, err)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/voxline.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// ── validation ───────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"log level", func(c *config.Config) { c.Server.LogLevel = "verbose" }, "server.log_level"},
		{"media path", func(c *config.Config) { c.Server.MediaPath = "media" }, "server.media_path"},
		{"sample ratio", func(c *config.Config) { r := 1.5; c.Server.TraceSampleRatio = &r }, "server.trace_sample_ratio"},
		{"tls half", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c.pem"} }, "server.tls"},
		{"missing stt", func(c *config.Config) { c.Providers.STT.Name = "" }, "providers.stt.name"},
		{"negative rate limit", func(c *config.Config) { c.Providers.LLM.RateLimit = -1 }, "providers.llm.rate_limit"},
		{"unnamed fallback", func(c *config.Config) {
			c.Providers.TTS.Fallbacks = []config.ProviderEntry{{}}
		}, "providers.tts.fallbacks[0].name"},
		{"nested fallback", func(c *config.Config) {
			c.Providers.TTS.Fallbacks = []config.ProviderEntry{{Name: "openai", Fallbacks: []config.ProviderEntry{{Name: "coqui"}}}}
		}, "cannot be nested"},
		{"negative timeout", func(c *config.Config) { c.Pipeline.TTSTimeout = -time.Second }, "pipeline.tts_timeout"},
		{"speech threshold", func(c *config.Config) { c.Pipeline.VAD.SpeechThreshold = 1.5 }, "speech_threshold"},
		{"silence above speech", func(c *config.Config) { c.Pipeline.VAD.SilenceThreshold = 0.9 }, "silence_threshold"},
		{"max turns", func(c *config.Config) { c.Agent.MaxTurns = -1 }, "agent.max_turns"},
		{"temperature", func(c *config.Config) { c.Agent.Temperature = 3 }, "agent.temperature"},
		{"speed factor", func(c *config.Config) { c.Agent.SpeedFactor = 4 }, "agent.speed_factor"},
		{"store kind", func(c *config.Config) { c.Recording.Store = "ftp" }, "recording.store"},
		{"s3 without bucket", func(c *config.Config) {
			c.Recording.Enabled = true
			c.Recording.Store = config.StoreS3
		}, "recording.s3.bucket"},
		{"channels", func(c *config.Config) { c.Recording.Channels = 6 }, "recording.channels"},
		{"max calls", func(c *config.Config) { c.Limits.MaxCalls = -2 }, "limits.max_calls"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := mustLoad(t, minimalYAML)
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if !errors.Is(err, config.ErrInvalid) {
				t.Fatalf("got %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, minimalYAML)
	cfg.Server.LogLevel = "loud"
	cfg.Agent.MaxTurns = -1
	cfg.Limits.MaxCalls = -1

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "agent.max_turns", "limits.max_calls"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error is missing %q: %v", want, err)
		}
	}
}

func TestValidate_UnknownProviderIsAllowed(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, minimalYAML)
	cfg.Providers.STT.Name = "my-custom-stt"
	if err := config.Validate(cfg); err != nil {
		t.Errorf("unknown provider names only warn, got %v", err)
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nope"}

	_, errSTT := reg.CreateSTT(entry)
	_, errLLM := reg.CreateLLM(entry)
	_, errTTS := reg.CreateTTS(entry)
	_, errVAD := reg.CreateVAD(entry)
	for kind, err := range map[string]error{"stt": errSTT, "llm": errLLM, "tts": errTTS, "vad": errVAD} {
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("%s: got %v, want ErrProviderNotRegistered", kind, err)
		}
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return &llmmock.Provider{}, nil
	})
	reg.RegisterSTT("whisper", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	reg.RegisterTTS("coqui", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) { return &vadmock.Engine{}, nil })

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "openai", Model: "gpt-4o"}); err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if gotEntry.Model != "gpt-4o" {
		t.Errorf("factory entry model: got %q", gotEntry.Model)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "whisper"}); err != nil {
		t.Errorf("CreateSTT: %v", err)
	}
	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "coqui"}); err != nil {
		t.Errorf("CreateTTS: %v", err)
	}
	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "energy"}); err != nil {
		t.Errorf("CreateVAD: %v", err)
	}

	reg.RegisterLLM("anthropic", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })
	got := reg.Registered("llm")
	if len(got) != 2 || got[0] != "anthropic" || got[1] != "openai" {
		t.Errorf("Registered(llm) = %v, want [anthropic openai]", got)
	}
	if reg.Registered("s2s") != nil {
		t.Error("Registered of unknown kind should be nil")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	wantErr := errors.New("no api key")
	reg.RegisterTTS("elevenlabs", func(config.ProviderEntry) (tts.Provider, error) { return nil, wantErr })

	_, err := reg.CreateTTS(config.ProviderEntry{Name: "elevenlabs"})
	if !errors.Is(err, wantErr) {
		t.Errorf("got %v, want wrapped %v", err, wantErr)
	}
}
