// Package config provides the configuration schema, loader, and provider
// registry for the voxline call server.
package config

import "time"

// LogLevel controls log verbosity for the voxline server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StoreKind selects where call recordings are written.
type StoreKind string

const (
	// StoreFile writes WAV files to a local directory.
	StoreFile StoreKind = "file"

	// StoreS3 uploads WAV objects to an S3-compatible bucket.
	StoreS3 StoreKind = "s3"
)

// IsValid reports whether k is a recognised recording store.
func (k StoreKind) IsValid() bool {
	return k == StoreFile || k == StoreS3
}

// Config is the root configuration structure for voxline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Agent      AgentConfig      `yaml:"agent"`
	Recording  RecordingConfig  `yaml:"recording"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Limits     LimitsConfig     `yaml:"limits"`
}

// ServerConfig holds network and logging settings for the voxline server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MediaPath is the HTTP path of the telephony media-stream websocket.
	MediaPath string `yaml:"media_path"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// TraceSampleRatio is the fraction of calls whose traces are sampled,
	// between 0 and 1. Unset samples every call.
	TraceSampleRatio *float64 `yaml:"trace_sample_ratio"`
}

// TLSConfig holds paths to TLS certificate and key files.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares the endpoint behind every pipeline service.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the configuration for a single provider.
type ProviderEntry struct {
	// Name selects the registered factory (e.g., "openai", "whisper").
	Name string `yaml:"name"`

	// APIKey is the credential sent to the endpoint. "${VAR}" references are
	// expanded from the environment when the file is loaded.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the endpoint address. Self-hosted servers that speak
	// the OpenAI API are configured through this field.
	BaseURL string `yaml:"base_url"`

	// Model is the endpoint model identifier.
	Model string `yaml:"model"`

	// Options carries provider-specific settings.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider fails or its circuit
	// breaker is open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// RateLimit caps requests per second to this provider. Zero is unlimited.
	RateLimit float64 `yaml:"rate_limit"`

	// Burst is the number of requests allowed above RateLimit at once.
	// Defaults to 1 when RateLimit is set.
	Burst int `yaml:"burst"`
}

// Option returns the string value of a provider option, or def when it is
// absent or not a string.
func (e ProviderEntry) Option(key, def string) string {
	if v, ok := e.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// PipelineConfig tunes the per-call processing pipeline.
type PipelineConfig struct {
	// InputSampleRate is the rate inbound audio is processed at.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the rate requested from text-to-speech.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// AllowInterruptions lets sustained caller speech cut off agent output.
	// Defaults to true.
	AllowInterruptions *bool `yaml:"allow_interruptions"`

	// MinInterruption is how long the caller must speak before the agent is
	// interrupted.
	MinInterruption time.Duration `yaml:"min_interruption"`

	// DrainTimeout bounds how long a cancelled call waits for stages to stop.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	STTTimeout time.Duration `yaml:"stt_timeout"`
	LLMTimeout time.Duration `yaml:"llm_timeout"`
	TTSTimeout time.Duration `yaml:"tts_timeout"`

	// SentenceAggregation speaks each complete sentence as soon as it is
	// generated. Defaults to true.
	SentenceAggregation *bool `yaml:"sentence_aggregation"`

	// QueueSize is the frame buffer between adjacent stages.
	QueueSize int `yaml:"queue_size"`

	// Language is the transcription hint (BCP-47, e.g. "en").
	Language string `yaml:"language"`

	VAD VADConfig `yaml:"vad"`
}

// Interruptions reports the effective AllowInterruptions value.
func (p PipelineConfig) Interruptions() bool {
	return p.AllowInterruptions == nil || *p.AllowInterruptions
}

// Sentences reports the effective SentenceAggregation value.
func (p PipelineConfig) Sentences() bool {
	return p.SentenceAggregation == nil || *p.SentenceAggregation
}

// VADConfig holds the voice activity detection thresholds.
type VADConfig struct {
	FrameSizeMs      int     `yaml:"frame_size_ms"`
	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
	MinSpeechMs      int     `yaml:"min_speech_ms"`
	MinSilenceMs     int     `yaml:"min_silence_ms"`
}

// AgentConfig describes what the agent says and how.
type AgentConfig struct {
	// SystemPrompt is the instruction that opens every conversation.
	SystemPrompt string `yaml:"system_prompt"`

	// Kickoff is the user instruction that makes the agent speak first.
	Kickoff string `yaml:"kickoff"`

	// Voice is the text-to-speech voice identifier.
	Voice string `yaml:"voice"`

	// SpeedFactor scales speaking speed. Zero is the endpoint default.
	SpeedFactor float64 `yaml:"speed_factor"`

	// MaxTurns caps the history kept per call. Zero keeps every turn.
	MaxTurns int `yaml:"max_turns"`

	// HistoryTokens caps the prompt size sent to the language model.
	HistoryTokens int `yaml:"history_tokens"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// RecordingConfig controls call recording.
type RecordingConfig struct {
	Enabled bool      `yaml:"enabled"`
	Store   StoreKind `yaml:"store"`

	// Dir is the output directory of the file store.
	Dir string `yaml:"dir"`

	S3 S3Config `yaml:"s3"`

	// BufferSize flushes a recording part every time this many bytes are
	// buffered. Zero writes one recording per call.
	BufferSize int `yaml:"buffer_size"`

	// Channels is 1 for a mixed recording or 2 for caller and agent on
	// separate channels.
	Channels int `yaml:"channels"`

	SampleRate int `yaml:"sample_rate"`
}

// S3Config addresses the bucket used by the s3 recording store.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

// TranscriptConfig controls persistence of finished conversations.
type TranscriptConfig struct {
	// PostgresDSN enables the PostgreSQL transcript store. Empty keeps
	// transcripts in memory only.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// LimitsConfig bounds server-wide resource use.
type LimitsConfig struct {
	// MaxCalls is the number of concurrent calls accepted.
	MaxCalls int `yaml:"max_calls"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultMediaPath        = "/media"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultMaxCalls         = 16
	DefaultDrainTimeout     = 2 * time.Second
	DefaultMinInterruption  = 500 * time.Millisecond
	DefaultRecordingDir     = "recordings"
)

// ApplyDefaults fills unset fields of cfg with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MediaPath == "" {
		cfg.Server.MediaPath = DefaultMediaPath
	}
	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}

	p := &cfg.Pipeline
	if p.InputSampleRate == 0 {
		p.InputSampleRate = DefaultInputSampleRate
	}
	if p.OutputSampleRate == 0 {
		p.OutputSampleRate = DefaultOutputSampleRate
	}
	if p.MinInterruption == 0 {
		p.MinInterruption = DefaultMinInterruption
	}
	if p.DrainTimeout == 0 {
		p.DrainTimeout = DefaultDrainTimeout
	}
	if p.VAD.FrameSizeMs == 0 {
		p.VAD.FrameSizeMs = 20
	}
	if p.VAD.SpeechThreshold == 0 {
		p.VAD.SpeechThreshold = 0.5
	}
	if p.VAD.SilenceThreshold == 0 {
		p.VAD.SilenceThreshold = 0.35
	}
	if p.VAD.MinSpeechMs == 0 {
		p.VAD.MinSpeechMs = 60
	}
	if p.VAD.MinSilenceMs == 0 {
		p.VAD.MinSilenceMs = 500
	}

	r := &cfg.Recording
	if r.Store == "" {
		r.Store = StoreFile
	}
	if r.Store == StoreFile && r.Dir == "" {
		r.Dir = DefaultRecordingDir
	}
	if r.Channels == 0 {
		r.Channels = 1
	}
	if r.SampleRate == 0 {
		r.SampleRate = p.InputSampleRate
	}

	if cfg.Limits.MaxCalls == 0 {
		cfg.Limits.MaxCalls = DefaultMaxCalls
	}
}
