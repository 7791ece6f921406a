// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription endpoint (an OpenAI-compatible
// /v1/audio/transcriptions server such as faster-whisper, a whisper.cpp
// server, or Deepgram) and exposes one uniform operation: transcribe a single
// utterance that voice-activity detection has already delimited. Results are
// streamed so that streaming endpoints can deliver interim text; batch
// endpoints emit a single final transcript.
//
// Implementations must be safe for concurrent use. The HTTP client or
// connection pool inside a Provider is shared by every call session.
package stt

import (
	"context"
	"time"
)

// Utterance is one segment of user speech bounded by voice activity.
type Utterance struct {
	// Audio is 16-bit little-endian PCM.
	Audio []byte

	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels. 1 for mono.
	Channels int

	// Language is the BCP-47 language hint (e.g., "en"). Empty lets the
	// endpoint auto-detect when supported.
	Language string
}

// Duration returns the playback length of the utterance audio.
func (u Utterance) Duration() time.Duration {
	bps := u.SampleRate * u.Channels * 2
	if bps <= 0 {
		return 0
	}
	return time.Duration(len(u.Audio)) * time.Second / time.Duration(bps)
}

// Transcript is one recognition result for an utterance.
type Transcript struct {
	// Text is the recognised text. May be empty for non-speech audio.
	Text string

	// IsFinal is true for authoritative results. Only final transcripts
	// become part of the conversation.
	IsFinal bool

	// Confidence is the recognition confidence in [0, 1] when reported.
	Confidence float64

	// Err is set on the last value of a stream that failed after it was
	// opened. Text is empty in that case.
	Err error
}

// Provider is the abstraction over any speech-to-text endpoint.
type Provider interface {
	// Transcribe submits u and returns a channel of transcripts in the order
	// the endpoint produced them. The channel is closed when the endpoint
	// signals the end of the utterance, when a failure has been delivered as
	// a Transcript with Err set, or when ctx is cancelled.
	//
	// The error return is non-nil only for failures that prevent the request
	// from being issued. The returned channel is never nil when error is nil.
	Transcribe(ctx context.Context, u Utterance) (<-chan Transcript, error)
}
