// Package pipeline composes call-processing stages into an ordered conduit
// and supervises one running instance per call.
//
// A [Pipeline] is an ordered list of [Stage] values. Each stage runs on its
// own goroutine, reads from a bounded queue and hands its output to the next
// stage's queue, so a slow stage applies backpressure upstream without
// blocking unrelated calls. Two frame kinds are routed by the pipeline itself
// rather than by stages:
//
//   - [frame.End] is queued behind pending input when a task is cancelled.
//     Every stage sees it in Process (to flush) and the pipeline forwards it.
//   - [frame.Interrupt] is broadcast to every stage out of band and handled
//     ahead of queued data. Frames stamped with an older generation epoch are
//     discarded wherever they are found afterwards.
//
// A [Task] drives a pipeline through Created → Running → Cancelling → Stopped.
package pipeline

import (
	"context"

	"github.com/MrWong99/voxline/pkg/frame"
)

// Stage is one processing step.
//
// Process is called from the stage's own goroutine, one frame at a time and
// in queue order. A stage forwards frames by pushing them to out; frames it
// does not push are consumed. An error returned from Process is converted to
// a [frame.Error] and sent downstream; the stage keeps running.
type Stage interface {
	Name() string
	Process(ctx context.Context, f frame.Frame, out Emitter) error
}

// Emitter hands frames to the next stage.
type Emitter interface {
	// Push blocks until the next stage accepted f, ctx is done or the pipeline
	// stopped. It reports whether f was delivered. Frames from an abandoned
	// generation, End and Interrupt are dropped.
	Push(ctx context.Context, f frame.Frame) bool

	// Epoch returns the current output generation. Stages stamp frames they
	// produce for the current reply with it.
	Epoch() uint64
}

// SetupStage is implemented by stages that acquire resources when the
// pipeline starts. out remains valid for the life of the run and may be used
// from other goroutines, e.g. a worker relaying endpoint responses.
type SetupStage interface {
	Setup(ctx context.Context, out Emitter) error
}

// CleanupStage is implemented by stages that release resources when the
// pipeline stops. Cleanup runs once, after every stage goroutine has exited,
// in reverse stage order.
type CleanupStage interface {
	Cleanup(ctx context.Context) error
}

// BusyStage is implemented by stages that can be in the middle of producing
// output for the caller. The pipeline is busy while any such stage is.
type BusyStage interface {
	Busy() bool
}

// Observer receives a reference to every frame passing a tap. It must not
// modify the frame or any slice it carries.
type Observer func(ctx context.Context, f frame.Frame)

// Tap returns a pass-through stage that shows every frame to obs, including
// End and Interrupt, without removing it from the stream.
func Tap(name string, obs Observer) Stage {
	return &tap{name: name, obs: obs}
}

type tap struct {
	name string
	obs  Observer
}

func (t *tap) Name() string { return t.name }

func (t *tap) Process(ctx context.Context, f frame.Frame, out Emitter) error {
	t.obs(ctx, f)
	out.Push(ctx, f)
	return nil
}

// routed reports whether f is delivered by the pipeline rather than pushed by
// stages.
func routed(f frame.Frame) bool {
	switch f.(type) {
	case frame.End, frame.Interrupt:
		return true
	}
	return false
}
