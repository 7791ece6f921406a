// Package frame defines the units of data that flow through a call pipeline.
//
// A [Frame] is a closed tagged union: the concrete types declared in this
// package are the only implementations, and stages dispatch on them with a
// type switch. Frames are immutable once constructed. Ownership passes from
// one stage to the next; observer taps receive the same value by reference
// and must not modify any slice it carries.
package frame

import (
	"time"
)

// Direction tells which way an audio frame travels relative to the caller.
type Direction uint8

const (
	// Inbound audio was captured from the remote caller.
	Inbound Direction = iota + 1

	// Outbound audio is on its way to the remote caller.
	Outbound
)

// String returns the human-readable name of the direction.
func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Role attributes text and conversation turns to a participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one attributed entry of the conversation transcript.
type Turn struct {
	Role    Role
	Content string
	At      time.Time
}

// Meta carries the fields shared by every frame.
type Meta struct {
	// Source names the stage that produced the frame. Service adapters use
	// it to mark their Start/Stop brackets.
	Source string

	// Epoch is the output generation the frame belongs to. Zero means the
	// frame is not tied to a generation and is never discarded by an
	// interruption.
	Epoch uint64
}

// Metadata returns m. It makes every type embedding [Meta] a [Frame].
func (m Meta) Metadata() Meta { return m }

// Frame is implemented by every frame type in this package.
type Frame interface {
	Metadata() Meta
	sealed()
}

// AudioRaw carries little-endian 16-bit PCM audio.
type AudioRaw struct {
	Meta
	Data       []byte
	SampleRate int
	Channels   int
	Direction  Direction
}

// Duration returns the playback length of the payload.
func (a AudioRaw) Duration() time.Duration {
	if a.SampleRate <= 0 || a.Channels <= 0 {
		return 0
	}
	samples := len(a.Data) / (2 * a.Channels)
	return time.Duration(samples) * time.Second / time.Duration(a.SampleRate)
}

// TextDelta carries a piece of text: a transcript from speech recognition or
// a token span from the language model.
type TextDelta struct {
	Meta
	Text string
	Role Role
}

// Messages carries an ordered conversation history for the language model.
type Messages struct {
	Meta
	Turns []Turn
}

// Start opens the response of a service adapter. Source names the adapter.
type Start struct{ Meta }

// Stop closes the response of a service adapter. Every Start is followed by
// exactly one Stop with the same Source and Epoch.
type Stop struct{ Meta }

// Interrupt tells stages to abandon in-flight output generation.
type Interrupt struct{ Meta }

// SpeechStarted marks the beginning of a user utterance.
type SpeechStarted struct{ Meta }

// SpeechStopped marks the end of a user utterance.
type SpeechStopped struct{ Meta }

// SustainedSpeech reports that the current utterance has lasted long enough
// to count as a deliberate barge-in. It is emitted at most once per utterance.
type SustainedSpeech struct {
	Meta
	Duration time.Duration
}

// End is the last frame of a pipeline run. Stages forward it after flushing.
type End struct{ Meta }

func (AudioRaw) sealed()        {}
func (TextDelta) sealed()       {}
func (Messages) sealed()        {}
func (Start) sealed()           {}
func (Stop) sealed()            {}
func (Interrupt) sealed()       {}
func (SpeechStarted) sealed()   {}
func (SpeechStopped) sealed()   {}
func (SustainedSpeech) sealed() {}
func (End) sealed()             {}
func (Error) sealed()           {}
