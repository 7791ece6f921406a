// Package observe provides application-wide observability primitives for
// voxline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Setup]
// bridges them into a Prometheus registry so that they can be scraped via
// the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxline metrics.
const meterName = "github.com/MrWong99/voxline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per service adapter ---

	// STTDuration tracks the full speech-to-text exchange for one utterance.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks the full language-model exchange for one prompt.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks the full text-to-speech exchange for one text span.
	TTSDuration metric.Float64Histogram

	// TimeToFirstFrame tracks the delay between issuing a request and the
	// first data frame of its response. Use with attribute:
	//   attribute.String("service", ...)
	TimeToFirstFrame metric.Float64Histogram

	// CallDuration tracks the wall-clock length of finished calls.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// ServiceRequests counts endpoint exchanges. Use with attributes:
	//   attribute.String("service", ...), attribute.String("status", ...)
	ServiceRequests metric.Int64Counter

	// ServiceErrors counts endpoint errors. Use with attributes:
	//   attribute.String("service", ...), attribute.String("kind", ...)
	ServiceErrors metric.Int64Counter

	// Interruptions counts barge-ins that abandoned in-flight output.
	Interruptions metric.Int64Counter

	// FramesDropped counts stale output frames discarded after an interruption.
	FramesDropped metric.Int64Counter

	// Recordings counts recording finalizations. Use with attributes:
	//   attribute.String("store", ...), attribute.String("status", ...)
	Recordings metric.Int64Counter

	// RecordingBytes counts PCM bytes handed to recording stores.
	RecordingBytes metric.Int64Counter

	// BreakerTransitions counts endpoint breaker state changes. Use with
	// attributes:
	//   attribute.String("endpoint", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("route", ...), attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets covers call lengths from a few seconds to half an hour.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("voxline.stt.duration",
		metric.WithDescription("Latency of one speech-to-text exchange."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voxline.llm.duration",
		metric.WithDescription("Latency of one language-model exchange."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voxline.tts.duration",
		metric.WithDescription("Latency of one text-to-speech exchange."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstFrame, err = m.Float64Histogram("voxline.service.time_to_first_frame",
		metric.WithDescription("Delay from request to first response frame by service."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("voxline.call.duration",
		metric.WithDescription("Length of finished calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ServiceRequests, err = m.Int64Counter("voxline.service.requests",
		metric.WithDescription("Total endpoint exchanges by service and status."),
	); err != nil {
		return nil, err
	}
	if met.ServiceErrors, err = m.Int64Counter("voxline.service.errors",
		metric.WithDescription("Total endpoint errors by service and kind."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voxline.interruptions",
		metric.WithDescription("Total user interruptions of agent output."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxline.frames.dropped",
		metric.WithDescription("Total stale output frames discarded after interruptions."),
	); err != nil {
		return nil, err
	}
	if met.Recordings, err = m.Int64Counter("voxline.recordings",
		metric.WithDescription("Total recording finalizations by store and status."),
	); err != nil {
		return nil, err
	}
	if met.RecordingBytes, err = m.Int64Counter("voxline.recording.bytes",
		metric.WithDescription("Total PCM bytes written to recording stores."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("voxline.breaker.transitions",
		metric.WithDescription("Total endpoint circuit breaker state changes."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voxline.active_calls",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxline.http.request.duration",
		metric.WithDescription("HTTP request latency by route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// ServiceDuration returns the latency histogram for the named service kind
// ("stt", "llm" or "tts"). Unknown kinds return nil.
func (m *Metrics) ServiceDuration(kind string) metric.Float64Histogram {
	switch kind {
	case "stt":
		return m.STTDuration
	case "llm":
		return m.LLMDuration
	case "tts":
		return m.TTSDuration
	}
	return nil
}

// RecordServiceRequest records one finished endpoint exchange.
func (m *Metrics) RecordServiceRequest(ctx context.Context, service, status string, elapsed time.Duration) {
	m.ServiceRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("service", service),
			attribute.String("status", status),
		),
	)
	if h := m.ServiceDuration(service); h != nil {
		h.Record(ctx, elapsed.Seconds())
	}
}

// RecordFirstFrame records the time-to-first-frame of an exchange.
func (m *Metrics) RecordFirstFrame(ctx context.Context, service string, elapsed time.Duration) {
	m.TimeToFirstFrame.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("service", service)),
	)
}

// RecordServiceError is a convenience method that records a service error
// counter increment.
func (m *Metrics) RecordServiceError(ctx context.Context, service, kind string) {
	m.ServiceErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("service", service),
			attribute.String("kind", kind),
		),
	)
}

// RecordInterruption counts one interruption.
func (m *Metrics) RecordInterruption(ctx context.Context) {
	m.Interruptions.Add(ctx, 1)
}

// RecordDropped counts frames discarded because they belonged to an
// interrupted generation.
func (m *Metrics) RecordDropped(ctx context.Context, n int64) {
	m.FramesDropped.Add(ctx, n)
}

// RecordRecording records one recording finalization outcome. Bytes are only
// counted for successful saves.
func (m *Metrics) RecordRecording(ctx context.Context, store, status string, bytes int) {
	m.Recordings.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("store", store),
			attribute.String("status", status),
		),
	)
	if status == "ok" {
		m.RecordingBytes.Add(ctx, int64(bytes),
			metric.WithAttributes(attribute.String("store", store)))
	}
}

// RecordBreakerTransition counts one breaker state change of endpoint.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, endpoint, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("to", to),
		),
	)
}
