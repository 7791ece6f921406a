// Package service brokers streaming exchanges with external speech and
// language endpoints and exposes them as pipeline stages.
//
// [Adapter] is the shared core. It runs one request at a time on a worker
// goroutine, bounds each exchange with a timeout and brackets every response
// with Start and Stop frames. Endpoint failures become [frame.Error] frames
// inside the bracket and the adapter stays ready for the next request.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/pkg/frame"
)

// errAbandoned is the cancel cause of an exchange dropped by an interruption.
var errAbandoned = errors.New("service: exchange abandoned")

// ErrTimeout is wrapped by errors of exchanges that exceeded their timeout.
var ErrTimeout = errors.New("service: endpoint timed out")

const defaultTimeout = 30 * time.Second

// Emit hands one response frame downstream. It reports false when the frame
// was not delivered, e.g. because the exchange was abandoned.
type Emit func(frame.Frame) bool

// Exchange performs one request against an endpoint. Data frames it emits
// should carry meta. Returning an error ends the response with an Error
// frame.
type Exchange[R any] func(ctx context.Context, req R, meta frame.Meta, emit Emit) error

// Option configures an [Adapter].
type Option func(*options)

type options struct {
	timeout time.Duration
	kind    string
	log     *slog.Logger
	metrics *observe.Metrics
}

// WithTimeout bounds every exchange. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithKind sets the service label used for metrics and spans ("stt", "llm"
// or "tts"). Defaults to the adapter name.
func WithKind(kind string) Option {
	return func(o *options) { o.kind = kind }
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

type job[R any] struct {
	req   R
	epoch uint64
}

// Adapter runs exchanges of request type R one after another.
//
// All methods are safe for concurrent use.
type Adapter[R any] struct {
	name     string
	exchange Exchange[R]
	opts     options

	mu      sync.Mutex
	ctx     context.Context
	stop    context.CancelFunc
	out     pipeline.Emitter
	pending []job[R]
	active  bool
	abandon context.CancelCauseFunc
	wake    chan struct{}
	wg      sync.WaitGroup
}

// NewAdapter returns an adapter named name. The name is the Source of every
// frame the adapter produces.
func NewAdapter[R any](name string, exchange Exchange[R], opts ...Option) *Adapter[R] {
	o := options{
		timeout: defaultTimeout,
		kind:    name,
		log:     slog.Default(),
		metrics: observe.DefaultMetrics(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return &Adapter[R]{
		name:     name,
		exchange: exchange,
		opts:     o,
		wake:     make(chan struct{}, 1),
	}
}

// Name returns the adapter name.
func (a *Adapter[R]) Name() string { return a.name }

// Attach starts the worker. Responses are pushed to out until ctx is done or
// the adapter is closed. Attach may be called once.
func (a *Adapter[R]) Attach(ctx context.Context, out pipeline.Emitter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx != nil {
		return
	}
	a.ctx, a.stop = context.WithCancel(ctx)
	a.out = out
	a.wg.Add(1)
	go a.work()
}

// Submit queues req as the next request. epoch is stamped on every frame of
// the response.
func (a *Adapter[R]) Submit(req R, epoch uint64) {
	a.mu.Lock()
	a.pending = append(a.pending, job[R]{req: req, epoch: epoch})
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Interrupt abandons the exchange in progress and drops queued requests. The
// abandoned response still ends with its Stop frame.
func (a *Adapter[R]) Interrupt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = nil
	if a.abandon != nil {
		a.abandon(errAbandoned)
	}
}

// Busy reports whether an exchange is running or queued.
func (a *Adapter[R]) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active || len(a.pending) > 0
}

// Close stops the worker and waits for it to exit, at most until ctx is
// done. It is safe to call more than once and on an adapter that was never
// attached.
func (a *Adapter[R]) Close(ctx context.Context) error {
	a.mu.Lock()
	stop := a.stop
	a.pending = nil
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("service: close %s: %w", a.name, context.Cause(ctx))
	}
}

func (a *Adapter[R]) work() {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		if len(a.pending) == 0 {
			a.mu.Unlock()
			select {
			case <-a.ctx.Done():
				return
			case <-a.wake:
				continue
			}
		}
		j := a.pending[0]
		a.pending = a.pending[1:]
		a.active = true
		jctx, abandon := context.WithCancelCause(a.ctx)
		a.abandon = abandon
		a.mu.Unlock()

		a.run(jctx, j)

		a.mu.Lock()
		a.active = false
		a.abandon = nil
		a.mu.Unlock()
		abandon(nil)

		if a.ctx.Err() != nil {
			return
		}
	}
}

// run performs one bracketed exchange.
func (a *Adapter[R]) run(jctx context.Context, j job[R]) {
	meta := frame.Meta{Source: a.name, Epoch: j.epoch}
	ctx, cancel := context.WithTimeout(jctx, a.opts.timeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, a.opts.kind+".exchange",
		trace.WithAttributes(
			attribute.String("service", a.name),
			attribute.Int64("epoch", int64(j.epoch)),
		),
	)
	defer span.End()

	a.out.Push(a.ctx, frame.Start{Meta: meta})

	start := time.Now()
	var (
		first  sync.Once
		mu     sync.Mutex
		sealed bool
	)
	emit := func(f frame.Frame) bool {
		mu.Lock()
		defer mu.Unlock()
		if sealed || ctx.Err() != nil {
			return false
		}
		first.Do(func() {
			a.opts.metrics.RecordFirstFrame(ctx, a.opts.kind, time.Since(start))
		})
		return a.out.Push(ctx, f)
	}

	// The response ends when ctx does, even if the endpoint keeps the
	// exchange blocked.
	result := make(chan error, 1)
	go func() { result <- a.exchange(ctx, j.req, meta, emit) }()
	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = ctx.Err()
	}
	mu.Lock()
	sealed = true
	mu.Unlock()

	status := "ok"
	switch {
	case errors.Is(context.Cause(jctx), errAbandoned):
		status = "interrupted"
		err = nil
	case a.ctx.Err() != nil:
		status = "cancelled"
		err = nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w after %s", ErrTimeout, a.opts.timeout)
	}

	if err != nil {
		status = "error"
		kind := "endpoint"
		if errors.Is(err, ErrTimeout) {
			kind = "timeout"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.Logger(ctx).Warn("service: exchange failed",
			"service", a.name, "kind", kind, "err", err)
		a.out.Push(a.ctx, frame.NewError(meta, frame.EndpointError(a.name, err)))
	}

	a.out.Push(a.ctx, frame.Stop{Meta: meta})
	a.opts.metrics.RecordServiceRequest(a.ctx, a.opts.kind, status, time.Since(start))
}
