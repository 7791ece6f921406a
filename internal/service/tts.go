package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/frame"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// TTSConfig configures a [TTSStage].
type TTSConfig struct {
	// Name is the frame Source of the stage. Defaults to "tts".
	Name string
	// TextSource is the Source of the stage whose assistant text is spoken.
	// Defaults to "llm".
	TextSource string
	// Voice selects the speaker.
	Voice tts.VoiceProfile
	// SampleRate is the rate of the outbound audio frames. Defaults to 24000.
	SampleRate int
	// SentenceAggregation submits every complete sentence as its own request
	// instead of waiting for the whole reply.
	SentenceAggregation bool
}

// TTSStage speaks assistant text. Text of one reply is collected between the
// language model's Start and Stop frames; each request's audio is emitted as
// outbound AudioRaw frames with the container header removed. Text frames are
// forwarded so later stages can observe the reply.
type TTSStage struct {
	provider tts.Provider
	adapter  *Adapter[string]
	cfg      TTSConfig

	buf   strings.Builder
	epoch uint64
}

var (
	_ pipeline.Stage        = (*TTSStage)(nil)
	_ pipeline.SetupStage   = (*TTSStage)(nil)
	_ pipeline.CleanupStage = (*TTSStage)(nil)
	_ pipeline.BusyStage    = (*TTSStage)(nil)
)

// NewTTSStage returns a stage that synthesizes speech with p.
func NewTTSStage(p tts.Provider, cfg TTSConfig, opts ...Option) *TTSStage {
	if cfg.Name == "" {
		cfg.Name = "tts"
	}
	if cfg.TextSource == "" {
		cfg.TextSource = "llm"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	s := &TTSStage{provider: p, cfg: cfg}
	s.adapter = NewAdapter(cfg.Name, s.synthesize, append([]Option{WithKind("tts")}, opts...)...)
	return s
}

func (s *TTSStage) Name() string { return s.cfg.Name }

func (s *TTSStage) Setup(ctx context.Context, out pipeline.Emitter) error {
	s.adapter.Attach(ctx, out)
	return nil
}

func (s *TTSStage) Cleanup(ctx context.Context) error { return s.adapter.Close(ctx) }

// Busy reports whether speech is being synthesized or waiting to be.
func (s *TTSStage) Busy() bool { return s.adapter.Busy() }

func (s *TTSStage) Process(ctx context.Context, f frame.Frame, out pipeline.Emitter) error {
	switch f := f.(type) {
	case frame.TextDelta:
		if f.Role == frame.RoleAssistant && f.Source == s.cfg.TextSource {
			s.collect(f)
		}
	case frame.Stop:
		if f.Source == s.cfg.TextSource && f.Epoch == s.epoch {
			s.flush()
		}
	case frame.Interrupt:
		s.adapter.Interrupt()
		s.buf.Reset()
		return nil
	case frame.End:
		return nil
	}
	out.Push(ctx, f)
	return nil
}

func (s *TTSStage) collect(f frame.TextDelta) {
	if f.Epoch != s.epoch {
		s.buf.Reset()
		s.epoch = f.Epoch
	}
	s.buf.WriteString(f.Text)
	if !s.cfg.SentenceAggregation {
		return
	}
	for {
		text := s.buf.String()
		idx := firstSentenceBoundary(text)
		if idx < 0 {
			return
		}
		s.submit(text[:idx+1])
		s.buf.Reset()
		s.buf.WriteString(strings.TrimLeft(text[idx+1:], " \t\n\r"))
	}
}

func (s *TTSStage) flush() {
	s.submit(s.buf.String())
	s.buf.Reset()
}

func (s *TTSStage) submit(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.adapter.Submit(text, s.epoch)
}

func (s *TTSStage) synthesize(ctx context.Context, text string, meta frame.Meta, emit Emit) error {
	resp, err := s.provider.Synthesize(ctx, tts.Request{
		Text:       text,
		Voice:      s.cfg.Voice,
		SampleRate: s.cfg.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("service: tts request: %w", err)
	}

	target := audio.Format{SampleRate: s.cfg.SampleRate, Channels: 1}
	src := resp.Format
	if src.SampleRate <= 0 {
		src.SampleRate = target.SampleRate
	}
	if src.Channels <= 0 {
		src.Channels = 1
	}
	strip := NewHeaderStripper(resp.Container)
	align := sampleAligner{size: src.Channels * audio.BytesPerSample}

	send := func(b []byte) {
		b = align.next(b)
		if len(b) == 0 {
			return
		}
		emit(frame.AudioRaw{
			Meta:       meta,
			Data:       audio.ConvertPCM(b, src, target),
			SampleRate: target.SampleRate,
			Channels:   target.Channels,
			Direction:  frame.Outbound,
		})
	}

	for c := range resp.Audio {
		if c.Err != nil {
			audio.Drain(resp.Audio)
			return fmt.Errorf("service: tts stream: %w", c.Err)
		}
		send(strip.Write(c.Data))
	}
	send(strip.Flush())
	return nil
}

// sampleAligner holds back a trailing partial sample so every emitted frame
// contains whole samples.
type sampleAligner struct {
	size  int
	carry []byte
}

func (a *sampleAligner) next(b []byte) []byte {
	if len(a.carry) > 0 {
		b = append(a.carry, b...)
		a.carry = nil
	}
	if r := len(b) % a.size; r != 0 {
		a.carry = slices.Clone(b[len(b)-r:])
		b = b[:len(b)-r]
	}
	return b
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// character that is immediately followed by whitespace. Returns -1 if no such
// boundary exists in s.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
