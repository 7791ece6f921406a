// Package audiobuffer accumulates the audio of a call for recording.
//
// The [Processor] is a pass-through pipeline stage. While recording is armed
// it copies inbound and outbound audio into one track per direction,
// converted to the recording format, and hands the merged audio to its
// handler when the recording is finalized. Finalization happens when
// recording stops (at the latest when the pipeline is cleaned up) and,
// periodically, whenever the buffered audio reaches the configured size.
package audiobuffer

import (
	"context"
	"sync"

	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/frame"
)

// DefaultMaxBytes caps each track at ten minutes of 16 kHz mono audio.
const DefaultMaxBytes = 16000 * audio.BytesPerSample * 600

// Recording is the audio handed to the handler on finalization.
type Recording struct {
	// Audio is the merged recording: both directions mixed for mono, or
	// caller left and agent right for stereo. Empty if nothing was heard.
	Audio      []byte
	SampleRate int
	Channels   int

	// Inbound and Outbound are the per-direction tracks, mono.
	Inbound  []byte
	Outbound []byte

	// Final is false for periodic flushes and true for the last one.
	Final bool
}

// Handler receives finalized recordings. It runs on the calling goroutine.
type Handler func(ctx context.Context, r Recording)

// Config configures a [Processor].
type Config struct {
	// SampleRate of the recording. Defaults to 16000.
	SampleRate int
	// Channels of the merged audio: 1 mixes both directions, 2 keeps them
	// apart. Defaults to 1.
	Channels int
	// BufferSize triggers a periodic flush once the longer track reaches
	// this many bytes. Zero flushes only at the cap.
	BufferSize int
	// MaxBytes caps each track in memory; reaching it flushes. Defaults to
	// DefaultMaxBytes.
	MaxBytes int
}

// Processor buffers call audio. Recording control methods are safe for
// concurrent use with the pipeline.
type Processor struct {
	cfg     Config
	handler Handler

	mu        sync.Mutex
	recording bool
	inbound   []byte
	outbound  []byte
}

var (
	_ pipeline.Stage        = (*Processor)(nil)
	_ pipeline.CleanupStage = (*Processor)(nil)
)

// New returns a processor that reports recordings to h.
func New(cfg Config, h Handler) *Processor {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels != 2 {
		cfg.Channels = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if h == nil {
		h = func(context.Context, Recording) {}
	}
	return &Processor{cfg: cfg, handler: h}
}

func (p *Processor) Name() string { return "audio_buffer" }

// StartRecording arms the processor. Calling it while recording is a no-op.
func (p *Processor) StartRecording() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recording = true
}

// Recording reports whether the processor is armed.
func (p *Processor) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording
}

// StopRecording disarms the processor and finalizes what was buffered. The
// handler is called even when no audio was received. Calling it while not
// recording is a no-op.
func (p *Processor) StopRecording(ctx context.Context) {
	p.mu.Lock()
	if !p.recording {
		p.mu.Unlock()
		return
	}
	p.recording = false
	r := p.take(true)
	p.mu.Unlock()
	p.handler(ctx, r)
}

// Observe adds the payload of a to the track of its direction.
func (p *Processor) Observe(ctx context.Context, a frame.AudioRaw) {
	p.mu.Lock()
	if !p.recording || len(a.Data) == 0 {
		p.mu.Unlock()
		return
	}
	src := audio.Format{SampleRate: a.SampleRate, Channels: max(a.Channels, 1)}
	dst := audio.Format{SampleRate: p.cfg.SampleRate, Channels: 1}
	pcm := audio.ConvertPCM(a.Data, src, dst)

	switch a.Direction {
	case frame.Inbound:
		p.inbound = append(p.inbound, pcm...)
	case frame.Outbound:
		// Agent speech starts where the caller track is now.
		if gap := len(p.inbound) - len(p.outbound); gap > 0 {
			p.outbound = append(p.outbound, audio.Silence(gap)...)
		}
		p.outbound = append(p.outbound, pcm...)
	}

	n := max(len(p.inbound), len(p.outbound))
	if n < p.cfg.MaxBytes && (p.cfg.BufferSize <= 0 || n < p.cfg.BufferSize) {
		p.mu.Unlock()
		return
	}
	r := p.take(false)
	p.mu.Unlock()
	p.handler(ctx, r)
}

// Buffered returns the number of bytes in the longer track.
func (p *Processor) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return max(len(p.inbound), len(p.outbound))
}

// take builds a Recording from the tracks and resets them. Callers hold p.mu.
func (p *Processor) take(final bool) Recording {
	r := Recording{
		SampleRate: p.cfg.SampleRate,
		Channels:   p.cfg.Channels,
		Inbound:    p.inbound,
		Outbound:   p.outbound,
		Final:      final,
	}
	switch {
	case len(p.inbound) == 0 && len(p.outbound) == 0:
	case p.cfg.Channels == 2:
		r.Audio = audio.Interleave16(p.inbound, p.outbound)
	default:
		r.Audio = audio.Mix16(p.inbound, p.outbound)
	}
	p.inbound, p.outbound = nil, nil
	return r
}

func (p *Processor) Process(ctx context.Context, f frame.Frame, out pipeline.Emitter) error {
	if a, ok := f.(frame.AudioRaw); ok {
		p.Observe(ctx, a)
	}
	out.Push(ctx, f)
	return nil
}

// Cleanup finalizes the recording if it is still armed.
func (p *Processor) Cleanup(ctx context.Context) error {
	p.StopRecording(ctx)
	return nil
}
