package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/pkg/frame"
)

const defaultQueueSize = 64

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithQueueSize sets the capacity of each inter-stage queue. Values below 1
// are ignored.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithLogger sets the logger used for stage failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// Pipeline is an ordered list of stages connected by bounded queues.
//
// A Pipeline runs at most once; it is driven by a [Task].
type Pipeline struct {
	stages    []Stage
	queueSize int
	log       *slog.Logger

	// links[i] feeds stages[i]; links[len(stages)] feeds the task's sink.
	links []link

	epoch   atomic.Uint64
	dropped atomic.Int64
	stopped chan struct{}

	// watch sees every frame once, where it enters the pipeline: when it is
	// queued by the task or pushed by the stage named in its Source.
	watch func(frame.Frame)
	// onDrop is called for every stale frame discarded.
	onDrop func()
}

type link struct {
	data chan frame.Frame
	ctrl chan frame.Interrupt
}

// New builds a pipeline from stages in processing order. Stage names must be
// unique and non-empty.
func New(stages []Stage, opts ...Option) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, frame.ConfigurationError(errors.New("pipeline: no stages"))
	}
	seen := make(map[string]bool, len(stages))
	for i, s := range stages {
		if s == nil {
			return nil, frame.ConfigurationError(fmt.Errorf("pipeline: stage %d is nil", i))
		}
		name := s.Name()
		if name == "" {
			return nil, frame.ConfigurationError(fmt.Errorf("pipeline: stage %d has no name", i))
		}
		if seen[name] {
			return nil, frame.ConfigurationError(fmt.Errorf("pipeline: duplicate stage name %q", name))
		}
		seen[name] = true
	}

	p := &Pipeline{
		stages:    stages,
		queueSize: defaultQueueSize,
		log:       slog.Default(),
		stopped:   make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.links = make([]link, len(stages)+1)
	for i := range p.links {
		p.links[i] = link{
			data: make(chan frame.Frame, p.queueSize),
			ctrl: make(chan frame.Interrupt, 1),
		}
	}
	p.epoch.Store(1)
	return p, nil
}

// Stages returns the stages in processing order.
func (p *Pipeline) Stages() []Stage { return p.stages }

// Epoch returns the current output generation.
func (p *Pipeline) Epoch() uint64 { return p.epoch.Load() }

// Dropped returns the number of stale frames discarded so far.
func (p *Pipeline) Dropped() int64 { return p.dropped.Load() }

// Busy reports whether any stage is producing output for the caller.
func (p *Pipeline) Busy() bool {
	for _, s := range p.stages {
		if b, ok := s.(BusyStage); ok && b.Busy() {
			return true
		}
	}
	return false
}

// stale reports whether f is data of an abandoned generation. Control
// frames are never stale so Start/Stop brackets stay balanced.
func (p *Pipeline) stale(f frame.Frame) bool {
	switch f.(type) {
	case frame.AudioRaw, frame.TextDelta, frame.Messages:
	default:
		return false
	}
	e := f.Metadata().Epoch
	return e != 0 && e < p.epoch.Load()
}

func (p *Pipeline) drop() {
	p.dropped.Add(1)
	if p.onDrop != nil {
		p.onDrop()
	}
}

// interrupt starts a new generation and notifies every stage ahead of its
// queued data. Pending notifications are coalesced.
func (p *Pipeline) interrupt(source string) uint64 {
	e := p.epoch.Add(1)
	in := frame.Interrupt{Meta: frame.Meta{Source: source, Epoch: e}}
	for i := range p.stages {
		ctrl := p.links[i].ctrl
		select {
		case <-ctrl:
		default:
		}
		select {
		case ctrl <- in:
		default:
		}
	}
	return e
}

// send queues f for the consumer of links[i].
func (p *Pipeline) send(ctx context.Context, i int, f frame.Frame) bool {
	if p.stale(f) {
		p.drop()
		return false
	}
	select {
	case p.links[i].data <- f:
		return true
	case <-ctx.Done():
		return false
	case <-p.stopped:
		return false
	}
}

func (p *Pipeline) observe(f frame.Frame) {
	if p.watch != nil {
		p.watch(f)
	}
}

// setup calls Setup on every stage in order. It returns the number of stages
// that were set up successfully.
func (p *Pipeline) setup(ctx context.Context) (int, error) {
	for i, s := range p.stages {
		ss, ok := s.(SetupStage)
		if !ok {
			continue
		}
		if err := ss.Setup(ctx, &emitter{p: p, next: i + 1}); err != nil {
			return i, fmt.Errorf("pipeline: setup %s: %w", s.Name(), err)
		}
	}
	return len(p.stages), nil
}

// cleanup calls Cleanup on the first n stages in reverse order and joins
// their errors.
func (p *Pipeline) cleanup(ctx context.Context, n int) error {
	var errs []error
	for i := n - 1; i >= 0; i-- {
		cs, ok := p.stages[i].(CleanupStage)
		if !ok {
			continue
		}
		if err := cs.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: cleanup %s: %w", p.stages[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// run starts one goroutine per stage in g.
func (p *Pipeline) run(ctx context.Context, g *errgroup.Group) {
	for i, s := range p.stages {
		g.Go(func() error {
			p.loop(ctx, i, s)
			return nil
		})
	}
}

// halt releases any push still blocked on a full queue.
func (p *Pipeline) halt() {
	select {
	case <-p.stopped:
	default:
		close(p.stopped)
	}
}

func (p *Pipeline) loop(ctx context.Context, i int, s Stage) {
	in := p.links[i]
	out := &emitter{p: p, next: i + 1}
	for {
		// Interrupts overtake queued data.
		select {
		case f := <-in.ctrl:
			p.handle(ctx, i, s, f, out)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case f := <-in.ctrl:
			p.handle(ctx, i, s, f, out)
		case f := <-in.data:
			if p.stale(f) {
				p.drop()
				continue
			}
			p.handle(ctx, i, s, f, out)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, i int, s Stage, f frame.Frame, out *emitter) {
	if err := s.Process(ctx, f, out); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.log.Warn("pipeline: stage failed", "stage", s.Name(), "err", err)
		p.send(ctx, i+1, frame.NewError(frame.Meta{Source: s.Name()}, err))
	}
	if _, ok := f.(frame.End); ok {
		p.send(ctx, i+1, f)
	}
}

// emitter hands frames to links[next].
type emitter struct {
	p    *Pipeline
	next int
}

var _ Emitter = (*emitter)(nil)

func (e *emitter) Push(ctx context.Context, f frame.Frame) bool {
	if f == nil || routed(f) {
		return false
	}
	if e.origin(f) && !e.p.stale(f) {
		e.p.observe(f)
	}
	return e.p.send(ctx, e.next, f)
}

// origin reports whether f was produced by the stage pushing it rather than
// forwarded from upstream.
func (e *emitter) origin(f frame.Frame) bool {
	return e.next > 0 && f.Metadata().Source == e.p.stages[e.next-1].Name()
}

func (e *emitter) Epoch() uint64 { return e.p.epoch.Load() }
