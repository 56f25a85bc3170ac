// Package observe provides application-wide observability primitives for
// Trunkline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Trunkline metrics.
const meterName = "github.com/trunkline-ai/trunkline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// --- Call lifecycle ---

	// ActiveCalls tracks the number of live calls in the engine.
	ActiveCalls metric.Int64UpDownCounter

	// CallsTotal counts calls accepted since start.
	CallsTotal metric.Int64Counter

	// --- Streaming playback ---

	// StreamingActive tracks the number of live downstream audio streams.
	StreamingActive metric.Int64UpDownCounter

	// StreamingBytes counts audio bytes sent downstream. Labeled call_id.
	StreamingBytes metric.Int64Counter

	// JitterDepth tracks the jitter buffer depth in chunks. Labeled call_id.
	JitterDepth metric.Int64Gauge

	// LastChunkAge tracks seconds since the last TTS chunk arrived. Labeled
	// call_id.
	LastChunkAge metric.Float64Gauge

	// KeepalivesSent counts keepalive ticks on active streams.
	KeepalivesSent metric.Int64Counter

	// KeepaliveTimeouts counts streams torn down because no chunk arrived
	// within the connection timeout.
	KeepaliveTimeouts metric.Int64Counter

	// StreamingFallbacks counts streams that fell back to file playback.
	StreamingFallbacks metric.Int64Counter

	// --- Provider accounting ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("role", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("role", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("trunkline.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("trunkline.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("trunkline.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Call lifecycle.
	if met.ActiveCalls, err = m.Int64UpDownCounter("trunkline.calls.active",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}
	if met.CallsTotal, err = m.Int64Counter("trunkline.calls.total",
		metric.WithDescription("Total calls accepted since start."),
	); err != nil {
		return nil, err
	}

	// Streaming playback.
	if met.StreamingActive, err = m.Int64UpDownCounter("trunkline.streaming.active",
		metric.WithDescription("Number of live downstream audio streams."),
	); err != nil {
		return nil, err
	}
	if met.StreamingBytes, err = m.Int64Counter("trunkline.streaming.bytes",
		metric.WithDescription("Audio bytes sent downstream."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.JitterDepth, err = m.Int64Gauge("trunkline.streaming.jitter_depth",
		metric.WithDescription("Jitter buffer depth in chunks."),
	); err != nil {
		return nil, err
	}
	if met.LastChunkAge, err = m.Float64Gauge("trunkline.streaming.last_chunk_age",
		metric.WithDescription("Seconds since the last TTS chunk arrived."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.KeepalivesSent, err = m.Int64Counter("trunkline.streaming.keepalives",
		metric.WithDescription("Keepalive ticks on active streams."),
	); err != nil {
		return nil, err
	}
	if met.KeepaliveTimeouts, err = m.Int64Counter("trunkline.streaming.keepalive_timeouts",
		metric.WithDescription("Streams torn down after the connection timeout elapsed without a chunk."),
	); err != nil {
		return nil, err
	}
	if met.StreamingFallbacks, err = m.Int64Counter("trunkline.streaming.fallbacks",
		metric.WithDescription("Streams that fell back to file playback."),
	); err != nil {
		return nil, err
	}

	// Provider accounting.
	if met.ProviderRequests, err = m.Int64Counter("trunkline.provider.requests",
		metric.WithDescription("Total provider API requests by provider, role, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("trunkline.provider.errors",
		metric.WithDescription("Total provider errors by provider and role."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("trunkline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, role, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("role", role),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, role string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("role", role),
		),
	)
}
