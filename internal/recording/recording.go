// Package recording persists finished call audio.
//
// A [Saver] receives the recordings produced by the audio buffer, skips
// empty ones and writes the rest to a [Store] as 16-bit PCM WAV files named
// after the session, the time of the save and a per-session part number, so
// periodic flushes never replace each other. Write failures are logged and
// counted; they never end the call.
package recording

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxline/internal/audiobuffer"
	"github.com/MrWong99/voxline/internal/observe"
)

// Artifact is one recording to persist.
type Artifact struct {
	SessionID  string
	Audio      []byte
	SampleRate int
	Channels   int
	At         time.Time
	// Part numbers the artifacts of one session from 1. Zero leaves the
	// part out of the name.
	Part int
	// Final marks the last artifact of the session.
	Final bool
}

// Name returns the file name of the artifact:
// <session>_recording_<YYYYmmdd_HHMMSS>[_partNNN].wav.
func (a Artifact) Name() string {
	ts := a.At.Format("20060102_150405")
	if a.Part > 0 {
		return fmt.Sprintf("%s_recording_%s_part%03d.wav", a.SessionID, ts, a.Part)
	}
	return fmt.Sprintf("%s_recording_%s.wav", a.SessionID, ts)
}

// Store writes artifacts to durable storage.
type Store interface {
	// Save persists a. Callers never pass an empty artifact.
	Save(ctx context.Context, a Artifact) error
	// Kind is a short label for logs and metrics ("file", "s3").
	Kind() string
}

// Saver connects an audio buffer to a store for one session.
type Saver struct {
	store     Store
	sessionID string
	log       *slog.Logger
	metrics   *observe.Metrics
	now       func() time.Time
	parts     atomic.Int32
}

// SaverOption configures a [Saver].
type SaverOption func(*Saver)

// WithLogger sets the saver's logger.
func WithLogger(l *slog.Logger) SaverOption {
	return func(s *Saver) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) SaverOption {
	return func(s *Saver) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock sets the time source used for artifact names.
func WithClock(now func() time.Time) SaverOption {
	return func(s *Saver) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSaver returns a saver writing the recordings of sessionID to store.
func NewSaver(store Store, sessionID string, opts ...SaverOption) *Saver {
	s := &Saver{
		store:     store,
		sessionID: sessionID,
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle is an [audiobuffer.Handler]. It returns once the artifact is
// written or the write failed.
func (s *Saver) Handle(ctx context.Context, r audiobuffer.Recording) {
	if len(r.Audio) == 0 {
		s.log.Info("recording: no audio data to save", "session_id", s.sessionID)
		s.metrics.RecordRecording(ctx, s.store.Kind(), "empty", 0)
		return
	}
	a := Artifact{
		SessionID:  s.sessionID,
		Audio:      r.Audio,
		SampleRate: r.SampleRate,
		Channels:   r.Channels,
		At:         s.now().UTC(),
		Part:       int(s.parts.Add(1)),
		Final:      r.Final,
	}
	if err := s.store.Save(ctx, a); err != nil {
		s.log.Error("recording: save failed", "session_id", s.sessionID, "store", s.store.Kind(), "err", err)
		s.metrics.RecordRecording(ctx, s.store.Kind(), "error", 0)
		return
	}
	s.log.Info("recording: saved", "session_id", s.sessionID, "name", a.Name(), "bytes", len(a.Audio), "final", a.Final)
	s.metrics.RecordRecording(ctx, s.store.Kind(), "ok", len(a.Audio))
}

// samples converts little-endian 16-bit PCM to one int per sample.
func samples(pcm []byte) []int {
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return out
}
