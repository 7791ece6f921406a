// Package transport defines the connection between a call pipeline and the
// remote caller.
//
// A [Conn] delivers inbound caller audio as PCM at the rate the pipeline
// asked for and accepts outbound PCM in any format; converting to and from
// the wire encoding is the implementation's concern. Implementations live in
// sub-packages (twilio, mock).
package transport

import (
	"context"
	"errors"

	"github.com/MrWong99/voxline/pkg/audio"
)

// ErrClosed is returned by [Conn.Send] and [Conn.Clear] after the connection
// has been closed by either side.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one live caller connection.
//
// Implementations must be safe for concurrent use: Inbound is consumed by the
// pipeline's input goroutine while Send and Clear are called from its output
// stage.
type Conn interface {
	// ID returns a stable identifier of the connection (e.g. the media
	// stream id).
	ID() string

	// Inbound returns the channel of caller audio. It is closed when the
	// caller hangs up or the connection fails; [Conn.Err] then tells which.
	Inbound() <-chan audio.AudioFrame

	// Send queues f for playback to the caller.
	Send(ctx context.Context, f audio.AudioFrame) error

	// Clear discards outbound audio the remote side has buffered but not
	// yet played.
	Clear(ctx context.Context) error

	// Close ends the connection. It is safe to call more than once.
	Close() error

	// Err returns the error that ended the connection, or nil while it is
	// open and after a clean hangup.
	Err() error
}
