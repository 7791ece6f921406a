// Package energy provides a pure-Go voice activity detector based on frame
// energy.
//
// Each frame is scored by its RMS level mapped onto [0, 1] across a 60 dB
// range below full scale, so a score of 0.5 corresponds to -30 dBFS. Two
// thresholds give hysteresis: a session enters speech only after the score
// stays at or above SpeechThreshold for MinSpeechMs, and leaves it only after
// the score stays below SilenceThreshold for MinSilenceMs. Bursts shorter than
// the minimums never produce a transition, which keeps brief noises from
// flapping the detector.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/vad"
)

// dynamicRange is the span in dB mapped onto scores 0 to 1.
const dynamicRange = 60.0

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

var errClosed = errors.New("energy: session is closed")

// Engine creates energy-based VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an Engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	return &Session{
		cfg:           cfg,
		frameBytes:    cfg.FrameBytes(),
		speechFrames:  framesFor(cfg.MinSpeechMs, cfg.FrameSizeMs),
		silenceFrames: framesFor(cfg.MinSilenceMs, cfg.FrameSizeMs),
	}, nil
}

// framesFor converts a duration in ms to a whole number of frames, at least 1.
func framesFor(ms, frameMs int) int {
	n := (ms + frameMs - 1) / frameMs
	return max(n, 1)
}

// Score maps the RMS energy of a 16-bit PCM frame onto [0, 1].
func Score(frame []byte) float64 {
	rms := audio.RMS(frame)
	if rms < 1 {
		return 0
	}
	db := 20 * math.Log10(rms/math.MaxInt16)
	return math.Min(1, math.Max(0, (db+dynamicRange)/dynamicRange))
}

// Session is a single-stream detector. It is not safe for concurrent use.
type Session struct {
	cfg           vad.Config
	frameBytes    int
	speechFrames  int
	silenceFrames int

	inSpeech     bool
	speechCount  int
	silenceCount int
	closed       bool
}

// ProcessFrame scores one frame and reports the resulting transition.
func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	if s.closed {
		return vad.Event{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	p := Score(frame)
	if s.inSpeech {
		if p < s.cfg.SilenceThreshold {
			s.silenceCount++
			if s.silenceCount >= s.silenceFrames {
				s.inSpeech = false
				s.silenceCount = 0
				s.speechCount = 0
				return vad.Event{Type: vad.SpeechEnd, Probability: p}, nil
			}
		} else {
			s.silenceCount = 0
		}
		return vad.Event{Type: vad.SpeechContinue, Probability: p}, nil
	}

	if p >= s.cfg.SpeechThreshold {
		s.speechCount++
		if s.speechCount >= s.speechFrames {
			s.inSpeech = true
			s.speechCount = 0
			s.silenceCount = 0
			return vad.Event{Type: vad.SpeechStart, Probability: p}, nil
		}
	} else {
		s.speechCount = 0
	}
	return vad.Event{Type: vad.Silence, Probability: p}, nil
}

// InSpeech reports whether the session is inside a speech segment.
func (s *Session) InSpeech() bool { return s.inSpeech }

// Reset returns the session to silence.
func (s *Session) Reset() {
	s.inSpeech = false
	s.speechCount = 0
	s.silenceCount = 0
}

// Close marks the session closed. Safe to call more than once.
func (s *Session) Close() error {
	s.closed = true
	return nil
}
