package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/frame"
)

// State is the lifecycle state of a [Task].
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCancelling
	StateStopped
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrNotRunning is returned when frames are queued to a task that is not
	// in the Running state.
	ErrNotRunning = errors.New("pipeline: task not running")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("pipeline: task already started")
)

const (
	defaultDrainTimeout   = 2 * time.Second
	defaultCleanupTimeout = 10 * time.Second
)

// TaskOption configures a [Task].
type TaskOption func(*Task)

// WithDrainTimeout bounds how long cancellation waits for End to reach the
// end of the pipeline.
func WithDrainTimeout(d time.Duration) TaskOption {
	return func(t *Task) {
		if d > 0 {
			t.drainTimeout = d
		}
	}
}

// WithCleanupTimeout bounds the total time spent in stage Cleanup calls.
func WithCleanupTimeout(d time.Duration) TaskOption {
	return func(t *Task) {
		if d > 0 {
			t.cleanupTimeout = d
		}
	}
}

// WithAllowInterruptions controls whether sustained user speech interrupts
// output in progress. Enabled by default.
func WithAllowInterruptions(allow bool) TaskOption {
	return func(t *Task) { t.allowInterruptions = allow }
}

// WithTaskLogger sets the task logger.
func WithTaskLogger(l *slog.Logger) TaskOption {
	return func(t *Task) {
		if l != nil {
			t.log = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) TaskOption {
	return func(t *Task) {
		if m != nil {
			t.metrics = m
		}
	}
}

// WithFrameHandler registers fn to receive every frame leaving the last
// stage.
func WithFrameHandler(fn func(frame.Frame)) TaskOption {
	return func(t *Task) { t.onFrame = fn }
}

// WithStateHandler registers fn to be told of every state transition. The
// transition to Stopped is reported exactly once.
func WithStateHandler(fn func(State)) TaskOption {
	return func(t *Task) { t.onState = fn }
}

// Task runs one [Pipeline] and supervises its lifecycle.
//
// State moves only forward: Created → Running → Cancelling → Stopped, or
// Created → Stopped if the task is cancelled before it starts. Cancel is
// idempotent and safe to call from any goroutine, including from inside a
// stage.
type Task struct {
	p *Pipeline

	drainTimeout       time.Duration
	cleanupTimeout     time.Duration
	allowInterruptions bool
	log                *slog.Logger
	metrics            *observe.Metrics
	onFrame            func(frame.Frame)
	onState            func(State)

	// mu serialises Start against teardown.
	mu      sync.Mutex
	state   atomic.Int32
	started bool
	setUp   int

	parent    context.Context
	runCtx    context.Context
	runCancel context.CancelFunc
	stopAfter func() bool
	g         *errgroup.Group

	endSeen    chan struct{}
	endOnce    sync.Once
	cancelOnce sync.Once
	done       chan struct{}
	err        error
}

// NewTask wraps p in a task. The task takes ownership of p.
func NewTask(p *Pipeline, opts ...TaskOption) *Task {
	t := &Task{
		p:                  p,
		drainTimeout:       defaultDrainTimeout,
		cleanupTimeout:     defaultCleanupTimeout,
		allowInterruptions: true,
		log:                slog.Default(),
		metrics:            observe.DefaultMetrics(),
		endSeen:            make(chan struct{}),
		done:               make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	p.watch = t.watch
	p.onDrop = func() {
		t.metrics.RecordDropped(context.Background(), 1)
	}
	return t
}

// Pipeline returns the supervised pipeline.
func (t *Task) Pipeline() *Pipeline { return t.p }

// State returns the current lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// Done is closed once the task reached Stopped.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the cleanup errors of a stopped task, or nil.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task stopped or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start sets up every stage in order, launches the stage goroutines and
// queues seed. If a stage fails to set up, the stages already set up are
// cleaned up in reverse order and the task ends in Stopped.
//
// The task is cancelled when ctx is done.
func (t *Task) Start(ctx context.Context, seed ...frame.Frame) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	if t.State() != StateCreated {
		t.mu.Unlock()
		return ErrNotRunning
	}

	t.parent = ctx
	t.runCtx, t.runCancel = context.WithCancel(ctx)
	n, err := t.p.setup(t.runCtx)
	if err != nil {
		t.log.Error("pipeline: setup failed", "err", err)
		cerr := t.cleanupStages(n)
		t.runCancel()
		t.err = errors.Join(err, cerr)
		t.finish()
		t.mu.Unlock()
		return err
	}
	t.setUp = n

	t.g = new(errgroup.Group)
	t.p.run(t.runCtx, t.g)
	t.g.Go(func() error {
		t.sink(t.runCtx)
		return nil
	})
	t.setState(StateRunning)
	t.stopAfter = context.AfterFunc(ctx, t.Cancel)
	t.mu.Unlock()

	for _, f := range seed {
		if err := t.Queue(f); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the task and blocks until it stopped.
func (t *Task) Run(ctx context.Context, seed ...frame.Frame) error {
	if err := t.Start(ctx, seed...); err != nil {
		return err
	}
	<-t.done
	return t.err
}

// Queue hands f to the first stage. It blocks while the first queue is full.
func (t *Task) Queue(f frame.Frame) error {
	if t.State() != StateRunning {
		return ErrNotRunning
	}
	if routed(f) {
		return nil
	}
	if !t.p.stale(f) {
		t.p.observe(f)
	}
	if !t.p.send(t.runCtx, 0, f) {
		if t.State() != StateRunning {
			return ErrNotRunning
		}
		return t.runCtx.Err()
	}
	return nil
}

// Interrupt abandons any output in progress. Frames of the abandoned
// generation are discarded wherever they are queued.
func (t *Task) Interrupt() {
	if t.State() != StateRunning {
		return
	}
	e := t.p.interrupt("task")
	t.metrics.RecordInterruption(t.runCtx)
	t.log.Info("pipeline: interrupted output", "epoch", e)
}

// Cancel stops the task. It returns immediately; use [Task.Done] or
// [Task.Wait] to observe completion. Calls after the first are no-ops.
func (t *Task) Cancel() {
	t.cancelOnce.Do(func() {
		go t.teardown()
	})
}

func (t *Task) teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.State() {
	case StateStopped:
		return
	case StateCreated:
		t.finish()
		return
	}
	t.setState(StateCancelling)
	if t.stopAfter != nil {
		t.stopAfter()
	}

	drainCtx, cancel := context.WithTimeout(t.runCtx, t.drainTimeout)
	if t.p.send(drainCtx, 0, frame.End{Meta: frame.Meta{Source: "task"}}) {
		select {
		case <-t.endSeen:
		case <-drainCtx.Done():
			if t.runCtx.Err() == nil {
				t.log.Warn("pipeline: drain timed out", "timeout", t.drainTimeout)
			}
		}
	}
	cancel()

	t.runCancel()
	t.p.halt()
	_ = t.g.Wait()

	t.err = t.cleanupStages(t.setUp)
	if t.err != nil {
		t.log.Warn("pipeline: cleanup failed", "err", t.err)
	}
	t.finish()
}

func (t *Task) cleanupStages(n int) error {
	base := context.Background()
	if t.parent != nil {
		base = context.WithoutCancel(t.parent)
	}
	ctx, cancel := context.WithTimeout(base, t.cleanupTimeout)
	defer cancel()
	return t.p.cleanup(ctx, n)
}

// finish moves to Stopped and releases waiters. Callers hold t.mu.
func (t *Task) finish() {
	t.setState(StateStopped)
	close(t.done)
}

func (t *Task) setState(s State) {
	t.state.Store(int32(s))
	if t.onState != nil {
		t.onState(s)
	}
}

// watch runs once per frame, at the hop where the frame enters the pipeline.
func (t *Task) watch(f frame.Frame) {
	if _, ok := f.(frame.SustainedSpeech); !ok {
		return
	}
	if t.allowInterruptions && t.p.Busy() {
		t.Interrupt()
	}
}

// sink consumes the output of the last stage.
func (t *Task) sink(ctx context.Context) {
	in := t.p.links[len(t.p.stages)].data
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-in:
			if t.p.stale(f) {
				t.p.drop()
				continue
			}
			if t.onFrame != nil {
				t.onFrame(f)
			}
			switch f := f.(type) {
			case frame.End:
				t.endOnce.Do(func() { close(t.endSeen) })
			case frame.Error:
				t.handleError(ctx, f)
			}
		}
	}
}

func (t *Task) handleError(ctx context.Context, e frame.Error) {
	t.metrics.RecordServiceError(ctx, e.Source, e.Origin.String())
	if e.Fatal() {
		t.log.Error("pipeline: fatal error, ending call", "source", e.Source, "origin", e.Origin.String(), "err", e.Err)
		t.Cancel()
		return
	}
	t.log.Warn("pipeline: recovered from error", "source", e.Source, "origin", e.Origin.String(), "err", e.Err)
}
