// Package audio provides PCM audio primitives shared by transports, speech
// providers and the call pipeline: a frame type, format descriptions,
// conversion and mixing of 16-bit PCM, the WAV container, and the G.711
// mu-law telephony codec.
//
// All PCM in this package is signed 16-bit little-endian, interleaved when
// it has more than one channel.
package audio

import "time"

// BytesPerSample is the width of one 16-bit PCM sample.
const BytesPerSample = 2

// AudioFrame is a chunk of PCM audio exchanged with a transport or a speech
// provider.
type AudioFrame struct {
	// PCM audio data.
	Data []byte

	// SampleRate in Hz (e.g., 8000 for telephony, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the PCM data rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * BytesPerSample
}

// Duration returns the playback time of n bytes in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Bytes returns the number of bytes holding d of audio, rounded down to a
// whole sample frame.
func (f Format) Bytes(d time.Duration) int {
	frame := f.Channels * BytesPerSample
	if frame <= 0 {
		return 0
	}
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%frame
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}
