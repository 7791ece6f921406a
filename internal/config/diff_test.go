package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)
	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
	if d.RestartRequired() {
		t.Error("identical configs should not require a restart")
	}
}

func TestDiff_Sections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		check   func(config.ConfigDiff) bool
		restart bool
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogWarn },
			check:  func(d config.ConfigDiff) bool { return d.LogLevelChanged && d.NewLogLevel == config.LogWarn && !d.ServerChanged },
		},
		{
			name:    "listen address",
			mutate:  func(c *config.Config) { c.Server.ListenAddr = ":7070" },
			check:   func(d config.ConfigDiff) bool { return d.ServerChanged },
			restart: true,
		},
		{
			name:   "tts provider",
			mutate: func(c *config.Config) { c.Providers.TTS.Name = "elevenlabs" },
			check:  func(d config.ConfigDiff) bool { return slices.Equal(d.ProvidersChanged, []string{"tts"}) },
		},
		{
			name:   "llm fallback",
			mutate: func(c *config.Config) { c.Providers.LLM.Fallbacks = nil },
			check:  func(d config.ConfigDiff) bool { return slices.Equal(d.ProvidersChanged, []string{"llm"}) },
		},
		{
			name:   "pipeline timeout",
			mutate: func(c *config.Config) { c.Pipeline.TTSTimeout = 3 * time.Second },
			check:  func(d config.ConfigDiff) bool { return d.PipelineChanged },
		},
		{
			name:   "system prompt",
			mutate: func(c *config.Config) { c.Agent.SystemPrompt = "You sell insurance." },
			check:  func(d config.ConfigDiff) bool { return d.AgentChanged },
		},
		{
			name:   "recording",
			mutate: func(c *config.Config) { c.Recording.Enabled = false },
			check:  func(d config.ConfigDiff) bool { return d.RecordingChanged },
		},
		{
			name:    "transcript dsn",
			mutate:  func(c *config.Config) { c.Transcript.PostgresDSN = "postgres://localhost/calls" },
			check:   func(d config.ConfigDiff) bool { return d.TranscriptChanged },
			restart: true,
		},
		{
			name:    "max calls",
			mutate:  func(c *config.Config) { c.Limits.MaxCalls = 100 },
			check:   func(d config.ConfigDiff) bool { return d.LimitsChanged },
			restart: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := mustLoad(t, sampleYAML)
			updated := mustLoad(t, sampleYAML)
			tt.mutate(updated)

			d := config.Diff(old, updated)
			if !tt.check(d) {
				t.Errorf("unexpected diff: %+v", d)
			}
			if d.Empty() {
				t.Error("diff should not be empty")
			}
			if got := d.RestartRequired(); got != tt.restart {
				t.Errorf("RestartRequired = %v, want %v", got, tt.restart)
			}
		})
	}
}
