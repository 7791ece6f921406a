package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/pkg/frame"
	"github.com/MrWong99/voxline/pkg/provider/stt"
)

// STTStage collects inbound audio between SpeechStarted and SpeechStopped
// and transcribes each utterance. Final transcripts are emitted as user
// TextDelta frames inside the adapter's Start/Stop bracket. Audio and VAD
// frames are forwarded unchanged.
type STTStage struct {
	provider stt.Provider
	adapter  *Adapter[stt.Utterance]
	cfg      STTConfig

	speaking bool
	utter    []byte
	rate     int
	channels int
	preroll  [][]byte
	prerollN int
}

// STTConfig configures an [STTStage].
type STTConfig struct {
	// Name is the frame Source of the stage. Defaults to "stt".
	Name string
	// Language is passed to the endpoint as a hint.
	Language string
	// PreRoll is how much audio from before SpeechStarted is included so the
	// first syllable is not clipped. Defaults to 300ms.
	PreRoll time.Duration
	// MaxUtterance caps the audio held for one utterance. Longer speech is
	// submitted in pieces. Defaults to 30s.
	MaxUtterance time.Duration
}

var (
	_ pipeline.Stage        = (*STTStage)(nil)
	_ pipeline.SetupStage   = (*STTStage)(nil)
	_ pipeline.CleanupStage = (*STTStage)(nil)
)

// NewSTTStage returns a stage that transcribes utterances with p.
func NewSTTStage(p stt.Provider, cfg STTConfig, opts ...Option) *STTStage {
	if cfg.Name == "" {
		cfg.Name = "stt"
	}
	if cfg.PreRoll <= 0 {
		cfg.PreRoll = 300 * time.Millisecond
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = 30 * time.Second
	}
	s := &STTStage{provider: p, cfg: cfg}
	s.adapter = NewAdapter(cfg.Name, s.transcribe, append([]Option{WithKind("stt")}, opts...)...)
	return s
}

func (s *STTStage) Name() string { return s.cfg.Name }

func (s *STTStage) Setup(ctx context.Context, out pipeline.Emitter) error {
	s.adapter.Attach(ctx, out)
	return nil
}

func (s *STTStage) Cleanup(ctx context.Context) error { return s.adapter.Close(ctx) }

func (s *STTStage) Process(ctx context.Context, f frame.Frame, out pipeline.Emitter) error {
	switch f := f.(type) {
	case frame.AudioRaw:
		if f.Direction == frame.Inbound {
			s.capture(f)
		}
	case frame.SpeechStarted:
		s.speaking = true
		s.utter = s.utter[:0]
		for _, c := range s.preroll {
			s.utter = append(s.utter, c...)
		}
		s.preroll, s.prerollN = nil, 0
	case frame.SpeechStopped:
		s.speaking = false
		s.submit()
	case frame.End:
		s.utter, s.preroll = nil, nil
		return nil
	case frame.Interrupt:
		return nil
	}
	out.Push(ctx, f)
	return nil
}

func (s *STTStage) capture(f frame.AudioRaw) {
	s.rate, s.channels = f.SampleRate, max(f.Channels, 1)
	if s.speaking {
		s.utter = append(s.utter, f.Data...)
		limit := bytesFor(s.cfg.MaxUtterance, f.SampleRate, f.Channels)
		if limit > 0 && len(s.utter) >= limit {
			s.submit()
		}
		return
	}
	s.preroll = append(s.preroll, f.Data)
	s.prerollN += len(f.Data)
	limit := bytesFor(s.cfg.PreRoll, f.SampleRate, f.Channels)
	for len(s.preroll) > 1 && s.prerollN-len(s.preroll[0]) >= limit {
		s.prerollN -= len(s.preroll[0])
		s.preroll = s.preroll[1:]
	}
}

func (s *STTStage) submit() {
	if len(s.utter) == 0 || s.rate <= 0 {
		return
	}
	u := stt.Utterance{
		Audio:      s.utter,
		SampleRate: s.rate,
		Channels:   s.channels,
		Language:   s.cfg.Language,
	}
	s.utter = nil
	// User text belongs to no output generation.
	s.adapter.Submit(u, 0)
}

func (s *STTStage) transcribe(ctx context.Context, u stt.Utterance, meta frame.Meta, emit Emit) error {
	ch, err := s.provider.Transcribe(ctx, u)
	if err != nil {
		return fmt.Errorf("service: stt request: %w", err)
	}
	for t := range ch {
		if t.Err != nil {
			return fmt.Errorf("service: stt stream: %w", t.Err)
		}
		if !t.IsFinal {
			continue
		}
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		emit(frame.TextDelta{Meta: meta, Text: text, Role: frame.RoleUser})
	}
	return nil
}

// bytesFor returns the size of d of 16-bit audio.
func bytesFor(d time.Duration, rate, channels int) int {
	if channels <= 0 {
		channels = 1
	}
	return int(d * time.Duration(rate*channels*2) / time.Second)
}
