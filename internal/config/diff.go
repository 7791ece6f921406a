package config

import "reflect"

// ConfigDiff describes which sections changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ProvidersChanged lists the provider kinds whose entry changed.
	ProvidersChanged []string

	PipelineChanged   bool
	AgentChanged      bool
	RecordingChanged  bool
	TranscriptChanged bool
	LimitsChanged     bool

	// ServerChanged is set when the listen address, media path or TLS
	// settings differ.
	ServerChanged bool
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.ProvidersChanged) == 0 && !d.PipelineChanged &&
		!d.AgentChanged && !d.RecordingChanged && !d.TranscriptChanged &&
		!d.LimitsChanged && !d.ServerChanged
}

// RestartRequired reports whether a change only takes effect after the
// process restarts. Everything else applies to calls accepted after the
// reload.
func (d ConfigDiff) RestartRequired() bool {
	return d.ServerChanged || d.TranscriptChanged || d.LimitsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	oldSrv, newSrv := old.Server, new.Server
	oldSrv.LogLevel, newSrv.LogLevel = "", ""
	d.ServerChanged = !reflect.DeepEqual(oldSrv, newSrv)

	for _, p := range []struct {
		kind     string
		old, new ProviderEntry
	}{
		{"stt", old.Providers.STT, new.Providers.STT},
		{"llm", old.Providers.LLM, new.Providers.LLM},
		{"tts", old.Providers.TTS, new.Providers.TTS},
		{"vad", old.Providers.VAD, new.Providers.VAD},
	} {
		if !reflect.DeepEqual(p.old, p.new) {
			d.ProvidersChanged = append(d.ProvidersChanged, p.kind)
		}
	}

	d.PipelineChanged = !reflect.DeepEqual(old.Pipeline, new.Pipeline)
	d.AgentChanged = old.Agent != new.Agent
	d.RecordingChanged = old.Recording != new.Recording
	d.TranscriptChanged = old.Transcript != new.Transcript
	d.LimitsChanged = old.Limits != new.Limits
	return d
}
