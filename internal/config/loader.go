package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every error returned from [Validate].
var ErrInvalid = errors.New("config: invalid configuration")

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"openai", "whisper", "deepgram"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"openai", "coqui", "elevenlabs"},
	"vad": {"energy"},
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces every ${VAR} reference in data with the value of the
// environment variable VAR. Unset variables expand to the empty string.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := envRef.FindSubmatch(ref)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands environment references in r, decodes the YAML,
// applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found, each
// wrapping [ErrInvalid].
func Validate(cfg *Config) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		fail("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if r := cfg.Server.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		fail("server.trace_sample_ratio %v must be between 0 and 1", *r)
	}
	if cfg.Server.MediaPath != "" && !strings.HasPrefix(cfg.Server.MediaPath, "/") {
		fail("server.media_path %q must start with /", cfg.Server.MediaPath)
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		fail("server.tls requires both cert_file and key_file")
	}

	// Providers
	for _, p := range []struct {
		kind     string
		entry    ProviderEntry
		required bool
	}{
		{"stt", cfg.Providers.STT, true},
		{"llm", cfg.Providers.LLM, true},
		{"tts", cfg.Providers.TTS, true},
		{"vad", cfg.Providers.VAD, false},
	} {
		if p.entry.Name == "" {
			if p.required {
				fail("providers.%s.name is required", p.kind)
			}
			continue
		}
		errs = append(errs, validateEntry("providers."+p.kind, p.kind, p.entry)...)
	}

	// Pipeline
	pl := cfg.Pipeline
	if pl.InputSampleRate < 0 {
		fail("pipeline.input_sample_rate must be positive, got %d", pl.InputSampleRate)
	}
	if pl.OutputSampleRate < 0 {
		fail("pipeline.output_sample_rate must be positive, got %d", pl.OutputSampleRate)
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"min_interruption", pl.MinInterruption},
		{"drain_timeout", pl.DrainTimeout},
		{"stt_timeout", pl.STTTimeout},
		{"llm_timeout", pl.LLMTimeout},
		{"tts_timeout", pl.TTSTimeout},
	} {
		if d.val < 0 {
			fail("pipeline.%s must not be negative, got %v", d.name, d.val)
		}
	}
	if pl.QueueSize < 0 {
		fail("pipeline.queue_size must not be negative, got %d", pl.QueueSize)
	}
	v := pl.VAD
	if v.FrameSizeMs < 0 {
		fail("pipeline.vad.frame_size_ms must be positive, got %d", v.FrameSizeMs)
	}
	if v.SpeechThreshold < 0 || v.SpeechThreshold > 1 {
		fail("pipeline.vad.speech_threshold %.2f is out of range [0, 1]", v.SpeechThreshold)
	}
	if v.SilenceThreshold < 0 || v.SilenceThreshold > v.SpeechThreshold {
		fail("pipeline.vad.silence_threshold %.2f must be within [0, speech_threshold]", v.SilenceThreshold)
	}
	if v.MinSpeechMs < 0 || v.MinSilenceMs < 0 {
		fail("pipeline.vad minimum durations must not be negative")
	}

	// Agent
	a := cfg.Agent
	if a.MaxTurns < 0 {
		fail("agent.max_turns must not be negative, got %d", a.MaxTurns)
	}
	if a.HistoryTokens < 0 {
		fail("agent.history_tokens must not be negative, got %d", a.HistoryTokens)
	}
	if a.MaxTokens < 0 {
		fail("agent.max_tokens must not be negative, got %d", a.MaxTokens)
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		fail("agent.temperature %.2f is out of range [0, 2]", a.Temperature)
	}
	if a.SpeedFactor != 0 && (a.SpeedFactor < 0.5 || a.SpeedFactor > 2.0) {
		fail("agent.speed_factor %.2f is out of range [0.5, 2.0]", a.SpeedFactor)
	}
	if a.SystemPrompt == "" {
		slog.Warn("agent.system_prompt is empty; the language model receives no instructions")
	}

	// Recording
	r := cfg.Recording
	if r.Store != "" && !r.Store.IsValid() {
		fail("recording.store %q is invalid; valid values: file, s3", r.Store)
	}
	if r.Enabled {
		switch r.Store {
		case StoreFile:
			if r.Dir == "" {
				fail("recording.dir is required for the file store")
			}
		case StoreS3:
			if r.S3.Bucket == "" {
				fail("recording.s3.bucket is required for the s3 store")
			}
		}
	}
	if r.Channels != 0 && r.Channels != 1 && r.Channels != 2 {
		fail("recording.channels must be 1 or 2, got %d", r.Channels)
	}
	if r.BufferSize < 0 {
		fail("recording.buffer_size must not be negative, got %d", r.BufferSize)
	}
	if r.SampleRate < 0 {
		fail("recording.sample_rate must be positive, got %d", r.SampleRate)
	}

	// Transcript
	if cfg.Transcript.PostgresDSN == "" {
		slog.Debug("transcript.postgres_dsn is empty; transcripts are kept in memory only")
	}

	// Limits
	if cfg.Limits.MaxCalls < 0 {
		fail("limits.max_calls must not be negative, got %d", cfg.Limits.MaxCalls)
	}

	return errors.Join(errs...)
}

func validateEntry(prefix, kind string, e ProviderEntry) []error {
	var errs []error
	validateProviderName(kind, e.Name)
	if e.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("%w: %s.rate_limit must not be negative, got %.2f", ErrInvalid, prefix, e.RateLimit))
	}
	if e.Burst < 0 {
		errs = append(errs, fmt.Errorf("%w: %s.burst must not be negative, got %d", ErrInvalid, prefix, e.Burst))
	}
	for i, fb := range e.Fallbacks {
		fp := fmt.Sprintf("%s.fallbacks[%d]", prefix, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%w: %s.name is required", ErrInvalid, fp))
			continue
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%w: %s.fallbacks cannot be nested", ErrInvalid, fp))
		}
		errs = append(errs, validateEntry(fp, kind, fb)...)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not in the
// known list for kind. Unknown names are allowed so that custom providers
// can be registered at runtime.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if !slices.Contains(ValidProviderNames[kind], name) {
		slog.Warn("unknown provider name; it must be registered before use",
			"kind", kind,
			"name", name,
			"known", ValidProviderNames[kind],
		)
	}
}
