// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns one span of text into a stream of audio bytes. Many
// endpoints answer with a container (a WAV file whose 44-byte header precedes
// the samples) split arbitrarily across network reads; the provider reports
// the container in [Response] and leaves the bytes untouched so that the
// pipeline can strip the header exactly once per response.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"bytes"
	"context"

	"github.com/MrWong99/voxline/pkg/audio"
)

// VoiceProfile selects a voice on the endpoint.
type VoiceProfile struct {
	// ID is the endpoint-specific voice identifier (e.g., "fernanda-v1").
	ID string

	// Name is an optional human-readable label.
	Name string

	// SpeedFactor scales speaking speed; 1.0 or 0 means the endpoint default.
	SpeedFactor float64
}

// Request is one synthesis request.
type Request struct {
	// Text is the span to speak.
	Text string

	// Voice selects the speaker.
	Voice VoiceProfile

	// SampleRate is the requested output sample rate in Hz. Zero means the
	// provider default.
	SampleRate int
}

// Container describes framing that precedes the raw samples of a response.
type Container struct {
	// Name is a short label for logs ("wav", "raw").
	Name string

	// HeaderSize is the number of bytes to discard before the samples.
	HeaderSize int

	// Magic, when non-empty, must open the response for the header to be
	// present. Responses that start with other bytes are raw samples.
	Magic []byte
}

var (
	// ContainerRaw is headerless PCM.
	ContainerRaw = Container{Name: "raw"}

	// ContainerWAV is a canonical RIFF/WAVE file.
	ContainerWAV = Container{Name: "wav", HeaderSize: audio.WAVHeaderSize, Magic: audio.RIFFMagic}
)

// HasHeader reports whether the container carries a header at all.
func (c Container) HasHeader() bool { return c.HeaderSize > 0 }

// Matches reports whether prefix is consistent with this container's magic.
// A prefix shorter than the magic is compared on its available bytes.
func (c Container) Matches(prefix []byte) bool {
	n := min(len(prefix), len(c.Magic))
	return bytes.Equal(prefix[:n], c.Magic[:n])
}

// Chunk is one network-level piece of a synthesis response.
type Chunk struct {
	// Data is a slice of the response body exactly as received.
	Data []byte

	// Err is set on the last value of a stream that failed after it was
	// opened.
	Err error
}

// Response is an open synthesis stream.
type Response struct {
	// Format is the sample format of the payload after the container header.
	Format audio.Format

	// Container describes the framing of the byte stream.
	Container Container

	// Audio delivers the body in order. It is closed at the end of the
	// response or when the request context is cancelled.
	Audio <-chan Chunk
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize issues req and returns the open response stream. A non-success
	// status from the endpoint is returned as an error whose message contains
	// the endpoint's error body text.
	Synthesize(ctx context.Context, req Request) (*Response, error)
}
