package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/frame"
	"github.com/MrWong99/voxline/pkg/transport"
)

// marker is implemented by transports that can acknowledge playback points.
type marker interface {
	Mark(ctx context.Context, name string) error
}

// Output plays outbound audio to the caller. It keeps a playout clock so the
// pipeline knows the caller is still hearing a reply after the last frame
// was sent. Every frame is forwarded.
type Output struct {
	conn       transport.Conn
	speechFrom string
	now        func() time.Time

	mu        sync.Mutex
	playUntil time.Time
}

var (
	_ pipeline.Stage     = (*Output)(nil)
	_ pipeline.BusyStage = (*Output)(nil)
)

// NewOutput returns an output stage writing to conn. speechFrom is the
// Source of the stage producing speech; its Stop frames become playback
// marks on transports that support them.
func NewOutput(conn transport.Conn, speechFrom string) *Output {
	return &Output{conn: conn, speechFrom: speechFrom, now: time.Now}
}

func (o *Output) Name() string { return "output" }

// Busy reports whether sent audio is still playing at the caller.
func (o *Output) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now().Before(o.playUntil)
}

func (o *Output) Process(ctx context.Context, f frame.Frame, out pipeline.Emitter) error {
	var err error
	switch f := f.(type) {
	case frame.AudioRaw:
		if f.Direction == frame.Outbound {
			err = o.send(ctx, f)
		}
	case frame.Stop:
		if m, ok := o.conn.(marker); ok && f.Source == o.speechFrom {
			if merr := m.Mark(ctx, fmt.Sprintf("%s-%d", f.Source, f.Epoch)); merr != nil {
				err = frame.TransportError(fmt.Errorf("call: mark: %w", merr))
			}
		}
	case frame.Interrupt:
		o.mu.Lock()
		o.playUntil = time.Time{}
		o.mu.Unlock()
		if cerr := o.conn.Clear(ctx); cerr != nil {
			return frame.TransportError(fmt.Errorf("call: clear: %w", cerr))
		}
		return nil
	case frame.End:
		return nil
	}
	out.Push(ctx, f)
	return err
}

func (o *Output) send(ctx context.Context, a frame.AudioRaw) error {
	af := audio.AudioFrame{Data: a.Data, SampleRate: a.SampleRate, Channels: max(a.Channels, 1)}
	if err := o.conn.Send(ctx, af); err != nil {
		return frame.TransportError(fmt.Errorf("call: send: %w", err))
	}
	o.mu.Lock()
	now := o.now()
	if o.playUntil.Before(now) {
		o.playUntil = now
	}
	o.playUntil = o.playUntil.Add(a.Duration())
	o.mu.Unlock()
	return nil
}
