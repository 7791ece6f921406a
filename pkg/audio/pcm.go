package audio

import (
	"encoding/binary"
	"math"
)

// sampleAt reads the i-th 16-bit sample of pcm.
func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

// putSample writes s as the i-th 16-bit sample of pcm.
func putSample(pcm []byte, i int, s int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
}

// clamp16 saturates v to the int16 range.
func clamp16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// RMS returns the root-mean-square energy of a 16-bit PCM buffer in sample
// units (0 to 32767). Returns 0 for buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(sampleAt(pcm, i))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Silence returns n bytes of zero-valued PCM.
func Silence(n int) []byte {
	if n <= 0 {
		return nil
	}
	return make([]byte, n)
}

// Mix16 sums two 16-bit PCM buffers sample by sample with saturation. The
// shorter input is treated as padded with silence, so the result has the
// length of the longer one.
func Mix16(a, b []byte) []byte {
	if len(a) < len(b) {
		a, b = b, a
	}
	out := make([]byte, len(a)-len(a)%BytesPerSample)
	nb := len(b) / BytesPerSample
	for i := range len(out) / BytesPerSample {
		v := int32(sampleAt(a, i))
		if i < nb {
			v += int32(sampleAt(b, i))
		}
		putSample(out, i, clamp16(v))
	}
	return out
}

// Interleave16 builds stereo PCM from two mono buffers, left then right. The
// shorter input is padded with silence.
func Interleave16(left, right []byte) []byte {
	nl, nr := len(left)/BytesPerSample, len(right)/BytesPerSample
	n := max(nl, nr)
	out := make([]byte, n*2*BytesPerSample)
	for i := range n {
		var l, r int16
		if i < nl {
			l = sampleAt(left, i)
		}
		if i < nr {
			r = sampleAt(right, i)
		}
		putSample(out, 2*i, l)
		putSample(out, 2*i+1, r)
	}
	return out
}
