// Package mock provides an in-memory [transport.Conn] for tests.
//
// The test feeds caller audio with [Conn.Feed], ends the call with
// [Conn.Hangup] or [Conn.Fail], and inspects what the pipeline played back
// through [Conn.Sent] and [Conn.Clears].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/transport"
)

var _ transport.Conn = (*Conn)(nil)

// Conn is a mock implementation of [transport.Conn].
type Conn struct {
	// SendErr, when set, is returned by every Send.
	SendErr error

	id      string
	inbound chan audio.AudioFrame

	mu     sync.Mutex
	sent   []audio.AudioFrame
	clears int
	closes int
	err    error
	hungUp bool
	onSend func(audio.AudioFrame)
}

// New returns an open connection with the given id and an inbound buffer
// of size buf.
func New(id string, buf int) *Conn {
	return &Conn{id: id, inbound: make(chan audio.AudioFrame, buf)}
}

// ID implements [transport.Conn].
func (c *Conn) ID() string { return c.id }

// Inbound implements [transport.Conn].
func (c *Conn) Inbound() <-chan audio.AudioFrame { return c.inbound }

// OnSend registers fn to be called for every frame passed to Send.
func (c *Conn) OnSend(fn func(audio.AudioFrame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = fn
}

// Send implements [transport.Conn].
func (c *Conn) Send(ctx context.Context, f audio.AudioFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closes > 0 {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if c.SendErr != nil {
		err := c.SendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, f)
	fn := c.onSend
	c.mu.Unlock()
	if fn != nil {
		fn(f)
	}
	return nil
}

// Clear implements [transport.Conn].
func (c *Conn) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closes > 0 {
		return transport.ErrClosed
	}
	c.clears++
	return nil
}

// Close implements [transport.Conn].
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

// Err implements [transport.Conn].
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Feed queues caller audio. It blocks when the inbound buffer is full.
func (c *Conn) Feed(f audio.AudioFrame) {
	c.inbound <- f
}

// Hangup closes the inbound channel as a clean remote hangup.
func (c *Conn) Hangup() { c.end(nil) }

// Fail closes the inbound channel with err as the connection error.
func (c *Conn) Fail(err error) { c.end(err) }

func (c *Conn) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hungUp {
		return
	}
	c.hungUp = true
	c.err = err
	close(c.inbound)
}

// Sent returns a copy of every frame passed to Send.
func (c *Conn) Sent() []audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.AudioFrame, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentBytes returns the total PCM bytes passed to Send.
func (c *Conn) SentBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.sent {
		n += len(f.Data)
	}
	return n
}

// Clears returns how many times Clear was called.
func (c *Conn) Clears() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

// Closes returns how many times Close was called.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}
