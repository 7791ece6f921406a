package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voxline tracer.
const tracerName = "github.com/MrWong99/voxline"

// Span attribute keys shared by call and exchange spans.
const (
	AttrSessionID = attribute.Key("call.session_id")
	AttrConnID    = attribute.Key("call.conn_id")
)

type callKey struct{}

// callInfo identifies the call a context belongs to.
type callInfo struct {
	sessionID string
	connID    string
}

// Tracer returns the voxline tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done. Spans started under a call context
// carry the session attributes.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if c, ok := ctx.Value(callKey{}).(callInfo); ok {
		opts = append(opts, trace.WithAttributes(AttrSessionID.String(c.sessionID), AttrConnID.String(c.connID)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// StartCallSpan marks ctx as belonging to one call and starts the root span
// of that call. Endpoint exchange spans started from the returned context
// become its children.
func StartCallSpan(ctx context.Context, sessionID, connID string) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, callKey{}, callInfo{sessionID: sessionID, connID: connID})
	return StartSpan(ctx, "call", trace.WithSpanKind(trace.SpanKindServer))
}

// SessionID returns the session of the call ctx belongs to, if any.
func SessionID(ctx context.Context) string {
	c, _ := ctx.Value(callKey{}).(callInfo)
	return c.sessionID
}

// CorrelationID extracts the trace ID from the span context in ctx. Without
// a valid trace it falls back to the session id, so log lines of an
// untraced call still correlate.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return SessionID(ctx)
}

// Logger returns the default logger enriched with session_id, trace_id and
// span_id as far as ctx carries them.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if c, ok := ctx.Value(callKey{}).(callInfo); ok {
		l = l.With(slog.String("session_id", c.sessionID))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
