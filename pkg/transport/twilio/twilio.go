// Package twilio implements [transport.Conn] on top of a Twilio Media Streams
// websocket.
//
// Twilio sends JSON events ("connected", "start", "media", "mark", "stop")
// carrying base64 mu-law audio at 8 kHz. [Accept] consumes the handshake up
// to the "start" event, then a read loop decodes media payloads into 16-bit
// PCM at the configured pipeline rate. Outbound PCM is resampled to 8 kHz,
// mu-law encoded and written as "media" events; [Conn.Clear] sends a "clear"
// event that flushes audio Twilio has buffered.
package twilio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/transport"
)

// WireRate is the sample rate of Twilio media payloads.
const WireRate = 8000

const (
	defaultRate      = 16000
	defaultQueue     = 64
	defaultWriteWait = 5 * time.Second
	handshakeTimeout = 10 * time.Second
)

var _ transport.Conn = (*Conn)(nil)

// Upgrader accepts Twilio websocket connections. Twilio does not send an
// Origin header, so every origin is allowed.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type event struct {
	Event          string  `json:"event"`
	StreamSID      string  `json:"streamSid,omitempty"`
	SequenceNumber string  `json:"sequenceNumber,omitempty"`
	Start          *start  `json:"start,omitempty"`
	Media          *media  `json:"media,omitempty"`
	Mark           *mark   `json:"mark,omitempty"`
	Stop           *stopEv `json:"stop,omitempty"`
}

type start struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type mark struct {
	Name string `json:"name"`
}

type stopEv struct {
	CallSID string `json:"callSid"`
}

// Option configures a [Conn].
type Option func(*Conn)

// WithSampleRate sets the PCM rate of inbound frames. Default 16000.
func WithSampleRate(hz int) Option {
	return func(c *Conn) {
		if hz > 0 {
			c.rate = hz
		}
	}
}

// WithQueueSize sets the capacity of the inbound frame channel.
func WithQueueSize(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.queue = n
		}
	}
}

// WithWriteTimeout bounds every websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.writeWait = d
		}
	}
}

// WithLogger sets the connection's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// Conn is a Twilio media stream.
type Conn struct {
	ws        *websocket.Conn
	rate      int
	queue     int
	writeWait time.Duration
	log       *slog.Logger

	streamSID string
	callSID   string
	params    map[string]string

	inbound chan audio.AudioFrame
	done    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	closed    atomic.Bool
	marks     atomic.Int64
	played    time.Duration
}

// Accept waits for the "start" event on ws and returns the stream. The read
// loop runs until the caller hangs up, the websocket fails or Close is
// called. ws is closed if the handshake fails.
func Accept(ctx context.Context, ws *websocket.Conn, opts ...Option) (*Conn, error) {
	c := &Conn{
		ws:        ws,
		rate:      defaultRate,
		queue:     defaultQueue,
		writeWait: defaultWriteWait,
		log:       slog.Default(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.inbound = make(chan audio.AudioFrame, c.queue)

	if err := c.handshake(ctx); err != nil {
		_ = ws.Close()
		return nil, err
	}
	c.log = c.log.With("stream_sid", c.streamSID, "call_sid", c.callSID)
	go c.readLoop()
	return c, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()

	for {
		var ev event
		if err := c.ws.ReadJSON(&ev); err != nil {
			return fmt.Errorf("twilio: handshake: %w", err)
		}
		switch ev.Event {
		case "connected":
			continue
		case "start":
			if ev.Start == nil {
				return errors.New("twilio: start event without payload")
			}
			if enc := ev.Start.MediaFormat.Encoding; enc != "" && enc != "audio/x-mulaw" {
				return fmt.Errorf("twilio: unsupported media encoding %q", enc)
			}
			c.streamSID = ev.Start.StreamSID
			if c.streamSID == "" {
				c.streamSID = ev.StreamSID
			}
			c.callSID = ev.Start.CallSID
			c.params = ev.Start.CustomParameters
			return nil
		case "stop":
			return fmt.Errorf("twilio: stream stopped before start: %w", transport.ErrClosed)
		default:
			return fmt.Errorf("twilio: unexpected event %q before start", ev.Event)
		}
	}
}

// ID returns the media stream SID.
func (c *Conn) ID() string { return c.streamSID }

// CallSID returns the SID of the phone call carrying the stream.
func (c *Conn) CallSID() string { return c.callSID }

// Parameters returns the custom parameters passed in the TwiML <Stream>.
func (c *Conn) Parameters() map[string]string { return c.params }

// Inbound implements [transport.Conn].
func (c *Conn) Inbound() <-chan audio.AudioFrame { return c.inbound }

// PendingMarks returns the number of marks sent but not yet acknowledged
// by Twilio.
func (c *Conn) PendingMarks() int { return int(c.marks.Load()) }

// Err implements [transport.Conn].
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Conn) readLoop() {
	defer close(c.inbound)
	for {
		var ev event
		if err := c.ws.ReadJSON(&ev); err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.fail(fmt.Errorf("twilio: read: %w", err))
			c.log.Warn("twilio: read failed", "err", err)
			return
		}
		switch ev.Event {
		case "media":
			if ev.Media == nil || ev.Media.Payload == "" {
				continue
			}
			if ev.Media.Track != "" && ev.Media.Track != "inbound" {
				continue
			}
			ulaw, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
			if err != nil {
				c.log.Debug("twilio: bad media payload", "err", err)
				continue
			}
			pcm := audio.ResampleMono16(audio.DecodeUlaw(ulaw), WireRate, c.rate)
			f := audio.AudioFrame{Data: pcm, SampleRate: c.rate, Channels: 1, Timestamp: c.played}
			c.played += audio.Format{SampleRate: c.rate, Channels: 1}.Duration(len(pcm))
			select {
			case c.inbound <- f:
			case <-c.done:
				return
			}
		case "mark":
			if c.marks.Add(-1) < 0 {
				c.marks.Store(0)
			}
		case "stop":
			c.log.Info("twilio: caller hung up")
			return
		}
	}
}

func (c *Conn) write(v any) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := c.ws.WriteJSON(v); err != nil {
		if c.closed.Load() {
			return transport.ErrClosed
		}
		err = fmt.Errorf("twilio: write: %w", err)
		c.fail(err)
		return err
	}
	return nil
}

// Send implements [transport.Conn]. f is converted to 8 kHz mono mu-law.
func (c *Conn) Send(ctx context.Context, f audio.AudioFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(f.Data) == 0 {
		return nil
	}
	pcm := audio.ConvertPCM(f.Data, f.Format(), audio.Format{SampleRate: WireRate, Channels: 1})
	return c.write(event{
		Event:     "media",
		StreamSID: c.streamSID,
		Media:     &media{Payload: base64.StdEncoding.EncodeToString(audio.EncodeUlaw(pcm))},
	})
}

// Mark asks Twilio to acknowledge when playback reaches this point.
func (c *Conn) Mark(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.write(event{Event: "mark", StreamSID: c.streamSID, Mark: &mark{Name: name}}); err != nil {
		return err
	}
	c.marks.Add(1)
	return nil
}

// Clear implements [transport.Conn]. Pending marks are acknowledged by
// Twilio when the buffer is cleared.
func (c *Conn) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(event{Event: "clear", StreamSID: c.streamSID})
}

// Close implements [transport.Conn].
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeWait))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
