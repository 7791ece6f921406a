package service

import (
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// HeaderStripper removes a container header from one response body that
// arrives in arbitrary chunks. The header is stripped at most once. When the
// container declares a magic prefix and the body does not start with it, the
// body passes through unchanged.
//
// A HeaderStripper is not safe for concurrent use; create one per response.
type HeaderStripper struct {
	c       tts.Container
	decided bool
	pending []byte
	skip    int
	found   bool
}

// NewHeaderStripper returns a stripper for one response framed by c.
func NewHeaderStripper(c tts.Container) *HeaderStripper {
	h := &HeaderStripper{c: c}
	if !c.HasHeader() {
		h.decided = true
	} else if len(c.Magic) == 0 {
		h.decided, h.found, h.skip = true, true, c.HeaderSize
	}
	return h
}

// Write consumes the next chunk of the body and returns the payload bytes it
// releases. The result may be empty while the stripper still needs bytes to
// recognise the header. The returned slice may alias chunk.
func (h *HeaderStripper) Write(chunk []byte) []byte {
	data := chunk
	if !h.decided {
		h.pending = append(h.pending, chunk...)
		if !h.c.Matches(h.pending) {
			h.decided = true
		} else if len(h.pending) >= len(h.c.Magic) {
			h.decided, h.found, h.skip = true, true, h.c.HeaderSize
		} else {
			return nil
		}
		data, h.pending = h.pending, nil
	}
	if h.skip > 0 {
		n := min(h.skip, len(data))
		data = data[n:]
		h.skip -= n
	}
	return data
}

// Flush returns bytes still held back at the end of the body. These are a
// prefix of the magic that never completed and are treated as payload.
func (h *HeaderStripper) Flush() []byte {
	if h.decided {
		return nil
	}
	h.decided = true
	data := h.pending
	h.pending = nil
	return data
}

// Stripped reports whether a header was recognised.
func (h *HeaderStripper) Stripped() bool { return h.found }
