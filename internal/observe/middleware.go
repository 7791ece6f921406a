package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// responseWriter records the status a handler answered with and whether it
// took over the connection.
type responseWriter struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to a websocket upgrader.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	w.hijacked = true
	return h.Hijack()
}

func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithQuietPaths logs requests to the given paths at debug level. Probes and
// scrapes hit these every few seconds.
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(mw *middleware) { mw.quiet = append(mw.quiet, paths...) }
}

type middleware struct {
	metrics *Metrics
	quiet   []string
	prop    propagation.TextMapPropagator
}

// Middleware traces, times and logs every request. It continues a W3C trace
// context sent by the caller and echoes the trace id as X-Correlation-ID.
//
// Requests are labelled with the matched route pattern rather than the raw
// path. Websocket upgrades live as long as the call they carry, so they are
// logged when the stream closes and stay out of the latency histogram.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{metrics: m, prop: propagation.TraceContext{}}
	for _, o := range opts {
		o(mw)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mw.serve(next, w, r)
		})
	}
}

func (mw *middleware) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, "HTTP "+r.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()

	cid := CorrelationID(ctx)
	if cid != "" {
		w.Header().Set("X-Correlation-ID", cid)
	}
	mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
	r = r.WithContext(ctx)
	next.ServeHTTP(rw, r)
	elapsed := time.Since(start)

	// The mux fills in the pattern of the handler it dispatched to.
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	span.SetName("HTTP " + route)
	span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(rw.status))

	level, msg := slog.LevelInfo, "request completed"
	switch {
	case rw.hijacked:
		msg = "media stream closed"
	case slices.Contains(mw.quiet, r.URL.Path):
		level = slog.LevelDebug
		fallthrough
	default:
		mw.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(
				attribute.String("route", route),
				attribute.String("status", strconv.Itoa(rw.status)),
			),
		)
	}
	slog.LogAttrs(ctx, level, msg,
		slog.String("trace_id", cid),
		slog.String("method", r.Method),
		slog.String("route", route),
		slog.Int("status", rw.status),
		slog.Duration("duration", elapsed),
	)
}
