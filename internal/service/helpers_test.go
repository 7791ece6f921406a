package service_test

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxline/pkg/frame"
)

// recorder is a pipeline.Emitter that keeps every frame it is given.
type recorder struct {
	mu     sync.Mutex
	frames []frame.Frame
	epoch  atomic.Uint64
}

func newRecorder() *recorder {
	r := &recorder{}
	r.epoch.Store(1)
	return r
}

func (r *recorder) Push(ctx context.Context, f frame.Frame) bool {
	if ctx.Err() != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return true
}

func (r *recorder) Epoch() uint64 { return r.epoch.Load() }

func (r *recorder) snapshot() []frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.frames)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

// stops counts Stop frames from source.
func (r *recorder) stops(source string) int {
	n := 0
	for _, f := range r.snapshot() {
		if s, ok := f.(frame.Stop); ok && s.Source == source {
			n++
		}
	}
	return n
}

// kinds renders the frame sequence as short labels for comparison.
func kinds(frames []frame.Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		switch f := f.(type) {
		case frame.Start:
			out = append(out, "start")
		case frame.Stop:
			out = append(out, "stop")
		case frame.Error:
			out = append(out, "error")
		case frame.TextDelta:
			out = append(out, "text:"+f.Text)
		case frame.AudioRaw:
			out = append(out, "audio")
		default:
			out = append(out, "other")
		}
	}
	return out
}

// fataler is satisfied by *testing.T and *rapid.T.
type fataler interface {
	Fatal(args ...any)
}

func eventually(t fataler, cond func() bool) {
	if h, ok := t.(interface{ Helper() }); ok {
		h.Helper()
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
