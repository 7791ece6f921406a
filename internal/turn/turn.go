// Package turn turns per-frame voice activity into utterance boundaries.
//
// The [Detector] stage feeds inbound audio through a VAD session in
// fixed-size frames and emits SpeechStarted and SpeechStopped on the
// session's debounced transitions. Once an utterance has lasted the minimum
// interruption duration it also emits one SustainedSpeech, which the task
// uses to interrupt output that is still playing. Shorter bursts never count
// as a barge-in.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/frame"
	"github.com/MrWong99/voxline/pkg/provider/vad"
)

// Config configures a [Detector].
type Config struct {
	// VAD is the session configuration. SampleRate is the rate the detector
	// analyses at; inbound audio at other rates is converted for analysis
	// only.
	VAD vad.Config

	// MinInterruption is how long speech must last before SustainedSpeech
	// is emitted, counted from the onset: the VAD's MinSpeechMs of speech
	// that led to the start is included. Defaults to 500ms.
	MinInterruption time.Duration
}

// DefaultVAD is the VAD configuration used when none is given.
var DefaultVAD = vad.Config{
	SampleRate:       16000,
	FrameSizeMs:      20,
	SpeechThreshold:  0.5,
	SilenceThreshold: 0.35,
	MinSpeechMs:      60,
	MinSilenceMs:     500,
}

// Detector is the VAD integration stage. It forwards every frame it
// receives and inserts boundary frames in front of the audio that caused
// them.
type Detector struct {
	engine vad.Engine
	cfg    Config
	log    *slog.Logger

	sess       vad.SessionHandle
	frameBytes int
	pending    []byte
	speaking   bool
	speechDur  time.Duration
	sustained  bool
}

var (
	_ pipeline.Stage        = (*Detector)(nil)
	_ pipeline.SetupStage   = (*Detector)(nil)
	_ pipeline.CleanupStage = (*Detector)(nil)
)

// New returns a detector that opens a session on engine when the pipeline
// starts.
func New(engine vad.Engine, cfg Config) *Detector {
	if cfg.VAD == (vad.Config{}) {
		cfg.VAD = DefaultVAD
	}
	if cfg.MinInterruption <= 0 {
		cfg.MinInterruption = 500 * time.Millisecond
	}
	return &Detector{engine: engine, cfg: cfg, log: slog.Default()}
}

func (d *Detector) Name() string { return "turn" }

func (d *Detector) Setup(context.Context, pipeline.Emitter) error {
	sess, err := d.engine.NewSession(d.cfg.VAD)
	if err != nil {
		return frame.ConfigurationError(fmt.Errorf("turn: open vad session: %w", err))
	}
	d.sess = sess
	d.frameBytes = d.cfg.VAD.FrameBytes()
	return nil
}

func (d *Detector) Cleanup(context.Context) error {
	if d.sess == nil {
		return nil
	}
	return d.sess.Close()
}

func (d *Detector) Process(ctx context.Context, f frame.Frame, out pipeline.Emitter) error {
	a, ok := f.(frame.AudioRaw)
	if !ok || a.Direction != frame.Inbound {
		out.Push(ctx, f)
		return nil
	}

	err := d.analyse(ctx, a, out)
	out.Push(ctx, a)
	return err
}

func (d *Detector) analyse(ctx context.Context, a frame.AudioRaw, out pipeline.Emitter) error {
	src := audio.Format{SampleRate: a.SampleRate, Channels: max(a.Channels, 1)}
	dst := audio.Format{SampleRate: d.cfg.VAD.SampleRate, Channels: 1}
	d.pending = append(d.pending, audio.ConvertPCM(a.Data, src, dst)...)

	step := time.Duration(d.cfg.VAD.FrameSizeMs) * time.Millisecond
	for len(d.pending) >= d.frameBytes {
		ev, err := d.sess.ProcessFrame(d.pending[:d.frameBytes])
		d.pending = d.pending[d.frameBytes:]
		if err != nil {
			return fmt.Errorf("turn: vad: %w", err)
		}
		d.transition(ctx, ev, step, out)
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return nil
}

// transition acts on one classified frame. Only transitions reported while
// in the matching state produce boundaries, so every SpeechStopped follows
// its SpeechStarted.
func (d *Detector) transition(ctx context.Context, ev vad.Event, step time.Duration, out pipeline.Emitter) {
	switch ev.Type {
	case vad.SpeechStart:
		if d.speaking {
			return
		}
		// The start is reported after MinSpeechMs of speech.
		onset := time.Duration(d.cfg.VAD.MinSpeechMs) * time.Millisecond
		d.speaking, d.speechDur, d.sustained = true, onset, false
		d.log.Debug("turn: speech started", "probability", ev.Probability)
		out.Push(ctx, frame.SpeechStarted{Meta: frame.Meta{Source: d.Name()}})
		d.sustain(ctx, out)
	case vad.SpeechContinue:
		// Hangover frames below the silence threshold are not speech.
		if !d.speaking || ev.Probability < d.cfg.VAD.SilenceThreshold {
			return
		}
		d.speechDur += step
		d.sustain(ctx, out)
	case vad.SpeechEnd:
		if !d.speaking {
			return
		}
		d.speaking = false
		d.log.Debug("turn: speech stopped", "duration", d.speechDur)
		out.Push(ctx, frame.SpeechStopped{Meta: frame.Meta{Source: d.Name()}})
	}
}

// sustain emits SustainedSpeech once per utterance when it has lasted long
// enough.
func (d *Detector) sustain(ctx context.Context, out pipeline.Emitter) {
	if d.sustained || d.speechDur < d.cfg.MinInterruption {
		return
	}
	d.sustained = true
	out.Push(ctx, frame.SustainedSpeech{Meta: frame.Meta{Source: d.Name()}, Duration: d.speechDur})
}
