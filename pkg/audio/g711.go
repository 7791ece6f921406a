package audio

// G.711 mu-law, the payload encoding of telephony media streams (8 kHz mono).

var ulawTable [256]int16

func init() {
	for i := range 256 {
		ulawTable[i] = decodeUlawSample(byte(i))
	}
}

func decodeUlawSample(b byte) int16 {
	b = ^b
	sign := int16(1)
	if b&0x80 != 0 {
		sign = -1
		b &= 0x7F
	}
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	sample := (mantissa<<3 + 0x84) << exponent
	sample -= 0x84
	return sign * sample
}

const (
	ulawBias = 0x84
	ulawClip = 32635
)

func encodeUlawSample(s int16) byte {
	v := int32(s)
	sign := byte(0)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias

	exponent := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(v>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeUlaw expands mu-law bytes to 16-bit PCM.
func DecodeUlaw(data []byte) []byte {
	out := make([]byte, len(data)*BytesPerSample)
	for i, b := range data {
		putSample(out, i, ulawTable[b])
	}
	return out
}

// EncodeUlaw compresses 16-bit PCM to mu-law bytes.
func EncodeUlaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = encodeUlawSample(sampleAt(pcm, i))
	}
	return out
}
