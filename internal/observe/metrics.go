// Package observe provides application-wide observability for the earshot
// engine: OpenTelemetry metrics with a Prometheus exporter bridge so the
// standard /metrics endpoint keeps working.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/earshot-ai/earshot"

// Metrics holds all OpenTelemetry metric instruments for the engine.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ASRLatency tracks time from audio send to transcript arrival.
	ASRLatency metric.Float64Histogram

	// AnalysisTaskDuration tracks per-task analyzer latency.
	AnalysisTaskDuration metric.Float64Histogram

	// ResponseDuration tracks response generation latency.
	ResponseDuration metric.Float64Histogram

	// --- Counters ---

	// CaptureChunks counts delivered audio chunks. Use with attribute:
	//   attribute.String("channel", ...)
	CaptureChunks metric.Int64Counter

	// RingOverflows counts ring buffer overwrites of unread chunks.
	RingOverflows metric.Int64Counter

	// RingUnderruns counts reads that timed out on an empty ring.
	RingUnderruns metric.Int64Counter

	// TranscriptResults counts transcript events. Use with attribute:
	//   attribute.String("kind", "partial"|"stable")
	TranscriptResults metric.Int64Counter

	// AnalysisTasks counts analysis task completions. Use with attributes:
	//   attribute.String("type", ...), attribute.String("status", ...)
	AnalysisTasks metric.Int64Counter

	// ProviderErrors counts remote provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter

	// AnalysisQueueDepth tracks tasks waiting for a worker.
	AnalysisQueueDepth metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for streaming-pipeline latencies.
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
	if met.ASRLatency, err = m.Float64Histogram("earshot.asr.latency",
		metric.WithDescription("Time from audio send to transcript arrival."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalysisTaskDuration, err = m.Float64Histogram("earshot.analysis.task.duration",
		metric.WithDescription("Per-task analyzer latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseDuration, err = m.Float64Histogram("earshot.response.duration",
		metric.WithDescription("Response generation latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptureChunks, err = m.Int64Counter("earshot.capture.chunks",
		metric.WithDescription("Delivered audio chunks by channel."),
	); err != nil {
		return nil, err
	}
	if met.RingOverflows, err = m.Int64Counter("earshot.ring.overflows",
		metric.WithDescription("Ring buffer overwrites of unread chunks."),
	); err != nil {
		return nil, err
	}
	if met.RingUnderruns, err = m.Int64Counter("earshot.ring.underruns",
		metric.WithDescription("Reads that timed out on an empty ring."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptResults, err = m.Int64Counter("earshot.transcript.results",
		metric.WithDescription("Transcript events by kind."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisTasks, err = m.Int64Counter("earshot.analysis.tasks",
		metric.WithDescription("Analysis task completions by type and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("earshot.provider.errors",
		metric.WithDescription("Remote provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("earshot.active_sessions",
		metric.WithDescription("Number of live transcription sessions."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisQueueDepth, err = m.Int64UpDownCounter("earshot.analysis.queue_depth",
		metric.WithDescription("Analysis tasks waiting for a worker."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordChunk records one delivered capture chunk for a channel.
func (m *Metrics) RecordChunk(ctx context.Context, channel string) {
	m.CaptureChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("channel", channel)),
	)
}

// RecordTranscript records one transcript event, partial or stable.
func (m *Metrics) RecordTranscript(ctx context.Context, partial bool) {
	kind := "stable"
	if partial {
		kind = "partial"
	}
	m.TranscriptResults.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordAnalysisTask records one analysis task completion with its latency.
func (m *Metrics) RecordAnalysisTask(ctx context.Context, analysisType, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("type", analysisType),
		attribute.String("status", status),
	)
	m.AnalysisTasks.Add(ctx, 1, attrs)
	m.AnalysisTaskDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordProviderError records one remote provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
