package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the length of the canonical RIFF/WAVE header that
// precedes PCM data in a simple WAV file.
const WAVHeaderSize = 44

// RIFFMagic opens every RIFF container.
var RIFFMagic = []byte("RIFF")

// ErrNotWAV is returned by [ParseWAVHeader] for data that is not a PCM WAV
// header.
var ErrNotWAV = errors.New("audio: not a PCM WAV header")

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * BytesPerSample
	blockAlign := channels * BytesPerSample
	dataSize := len(pcm)

	buf := make([]byte, WAVHeaderSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], RIFFMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 8*BytesPerSample)

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[WAVHeaderSize:], pcm)

	return buf
}

// ParseWAVHeader reads the format of a canonical 44-byte WAV header.
func ParseWAVHeader(h []byte) (Format, error) {
	if len(h) < WAVHeaderSize || !bytes.Equal(h[0:4], RIFFMagic) || string(h[8:12]) != "WAVE" {
		return Format{}, ErrNotWAV
	}
	if tag := binary.LittleEndian.Uint16(h[20:22]); tag != 1 {
		return Format{}, fmt.Errorf("%w: format tag %d", ErrNotWAV, tag)
	}
	if bits := binary.LittleEndian.Uint16(h[34:36]); bits != 16 {
		return Format{}, fmt.Errorf("%w: %d bits per sample", ErrNotWAV, bits)
	}
	return Format{
		Channels:   int(binary.LittleEndian.Uint16(h[22:24])),
		SampleRate: int(binary.LittleEndian.Uint32(h[24:28])),
	}, nil
}

// ErrShortWAV is returned by [ScanWAV] when the prefix ends before the data
// chunk. More bytes may make it parse.
var ErrShortWAV = errors.New("audio: WAV prefix ends before data chunk")

// ScanWAV walks the RIFF chunks of a WAV prefix and returns its format and
// the offset of the first sample. Unlike [ParseWAVHeader] it accepts extra
// chunks (LIST, fact) between fmt and data.
func ScanWAV(prefix []byte) (f Format, dataOffset int, err error) {
	if len(prefix) < 12 {
		return Format{}, 0, ErrShortWAV
	}
	if !bytes.Equal(prefix[0:4], RIFFMagic) || string(prefix[8:12]) != "WAVE" {
		return Format{}, 0, ErrNotWAV
	}
	for off := 12; off+8 <= len(prefix); {
		id, size := string(prefix[off:off+4]), int(binary.LittleEndian.Uint32(prefix[off+4:off+8]))
		body := prefix[off+8:]
		switch {
		case id == "data":
			if f.SampleRate == 0 {
				return Format{}, 0, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			return f, off + 8, nil
		case id == "fmt " && size >= 16 && len(body) >= 16:
			f.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
		}
		// Chunks are word-aligned.
		off += 8 + size + size%2
	}
	return Format{}, 0, ErrShortWAV
}
