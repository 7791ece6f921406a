// Package mock provides test doubles for the vad package.
//
// A [Session] answers from a script first. Once the script is spent it either
// repeats EventResult or, with Threshold set, classifies frames by their
// loudness so that tests can drive turns with synthetic audio:
//
//	sess := &mock.Session{Threshold: 0.1}
//	det := turn.New(&mock.Engine{Session: sess}, turn.Config{})
package mock

import (
	"sync"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/vad"
)

// Engine hands out one preset session and records the configs it was asked
// for.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. Nil yields a silent Session.
	Session vad.SessionHandle

	// NewSessionErr fails every NewSession call.
	NewSessionErr error

	configs []vad.Config
}

var _ vad.Engine = (*Engine)(nil)

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{EventResult: vad.Event{Type: vad.Silence}}, nil
}

// Configs returns the configs passed to NewSession, oldest first.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session is a scripted vad.SessionHandle. Set its fields before the first
// ProcessFrame call.
type Session struct {
	mu sync.Mutex

	Script      []vad.Event
	EventResult vad.Event

	// Threshold, when positive, replaces EventResult: frames whose
	// normalised RMS reaches it count as speech.
	Threshold float64

	// ProcessFrameErr fails every ProcessFrame call.
	ProcessFrameErr error
	CloseErr        error

	// Frames holds a copy of every analysed frame.
	Frames [][]byte

	speaking bool
	resets   int
	closes   int
}

var _ vad.SessionHandle = (*Session)(nil)

func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, append([]byte(nil), frame...))
	if s.ProcessFrameErr != nil {
		return vad.Event{}, s.ProcessFrameErr
	}
	if len(s.Script) > 0 {
		ev := s.Script[0]
		s.Script = s.Script[1:]
		return ev, nil
	}
	if s.Threshold <= 0 {
		return s.EventResult, nil
	}
	return s.classify(frame), nil
}

func (s *Session) classify(frame []byte) vad.Event {
	p := min(audio.RMS(frame)/32768, 1)
	loud := p >= s.Threshold
	ev := vad.Event{Probability: p}
	switch {
	case loud && !s.speaking:
		ev.Type = vad.SpeechStart
	case loud:
		ev.Type = vad.SpeechContinue
	case s.speaking:
		ev.Type = vad.SpeechEnd
	default:
		ev.Type = vad.Silence
	}
	s.speaking = loud
	return ev
}

// FrameCount returns the number of frames analysed so far.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.resets++
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.CloseErr
}

// Resets returns how often Reset was called.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closes returns how often Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
