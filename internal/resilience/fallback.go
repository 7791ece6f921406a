package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxline/internal/observe"
)

// ErrAllFailed is returned when no endpoint of a [FallbackGroup] could serve a
// request.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig is the template for the breaker guarding each endpoint of a
// [FallbackGroup]. Its Name is replaced by the endpoint name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type endpoint[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary endpoint and its fallbacks, each behind its
// own breaker. Requests go to the first endpoint in registration order whose
// breaker admits them.
//
// Endpoints must be added before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	cfg       FallbackConfig
	endpoints []endpoint[T]
}

// NewFallbackGroup returns a group whose primary endpoint is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an endpoint tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cb := fg.cfg.CircuitBreaker
	cb.Name = name
	fg.endpoints = append(fg.endpoints, endpoint[T]{name: name, value: fallback, breaker: NewCircuitBreaker(cb)})
}

// Len returns the number of endpoints, primary included.
func (fg *FallbackGroup[T]) Len() int { return len(fg.endpoints) }

// States returns the breaker state of every endpoint keyed by name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.endpoints))
	for _, e := range fg.endpoints {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Execute runs fn against the endpoints in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult runs fn against the endpoints of fg in order and returns
// the first successful result. Endpoints with an open breaker are skipped.
// Once ctx is done no further endpoint is tried and ctx's error is returned.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var zero R
	log := observe.Logger(ctx)
	errs := make([]error, 0, len(fg.endpoints))
	for i := range fg.endpoints {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		e := &fg.endpoints[i]
		var res R
		err := e.breaker.Execute(func() (err error) {
			res, err = fn(e.value)
			return err
		})
		switch {
		case err == nil:
			if i > 0 {
				log.Info("served by fallback endpoint", "endpoint", e.name, "position", i)
			}
			return res, nil
		case ctx.Err() != nil:
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			log.Debug("endpoint skipped, breaker open", "endpoint", e.name)
		default:
			log.Warn("endpoint failed", "endpoint", e.name, "remaining", len(fg.endpoints)-i-1, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
