// Package observe provides application-wide observability primitives for
// Compass: OpenTelemetry metrics, tracing helpers, and HTTP middleware that
// ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. Tests should use [NewMetrics]
// with a custom [metric.MeterProvider] to avoid cross-test pollution.
//
// The gate itself keeps plain diagnostics counters (it is single-threaded
// and dependency-free); the pipeline layer mirrors those events into the
// instruments here.
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Compass metrics.
const meterName = "github.com/compass-agent/compass"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gate counters ---

	// FramesProcessed counts classified frames. Use with attribute:
	//   attribute.String("decision", "speech"|"silence")
	FramesProcessed metric.Int64Counter

	// WakeUps counts speech onsets (IDLE → LISTENING transitions).
	WakeUps metric.Int64Counter

	// SegmentsEmitted counts finalised speech segments.
	SegmentsEmitted metric.Int64Counter

	// Flaps counts protocol violations recovered via forced reset.
	Flaps metric.Int64Counter

	// QueueDrops counts capture chunks dropped because the pipeline's
	// bounded queue was full.
	QueueDrops metric.Int64Counter

	// StoreWrites counts segment metadata writes. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	StoreWrites metric.Int64Counter

	// --- Histograms ---

	// SegmentDuration tracks emitted segment length in seconds of audio time.
	SegmentDuration metric.Float64Histogram

	// ChunkProcessDuration tracks wall-clock time spent in one ProcessPCM call.
	ChunkProcessDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live ingest sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// segmentBuckets defines histogram bucket boundaries (in seconds) for
// emitted segment durations: utterances typically run 0.3–15 s.
var segmentBuckets = []float64{
	0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// per-chunk processing and HTTP handling.
var latencyBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesProcessed, err = m.Int64Counter("compass.gate.frames",
		metric.WithDescription("Total classified audio frames by decision."),
	); err != nil {
		return nil, err
	}
	if met.WakeUps, err = m.Int64Counter("compass.gate.wake_ups",
		metric.WithDescription("Total speech onsets detected."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEmitted, err = m.Int64Counter("compass.gate.segments",
		metric.WithDescription("Total finalised speech segments emitted."),
	); err != nil {
		return nil, err
	}
	if met.Flaps, err = m.Int64Counter("compass.gate.flaps",
		metric.WithDescription("Total forced resets caused by frames delivered during finalisation."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("compass.pipeline.queue_drops",
		metric.WithDescription("Total capture chunks dropped due to a full pipeline queue."),
	); err != nil {
		return nil, err
	}
	if met.StoreWrites, err = m.Int64Counter("compass.store.writes",
		metric.WithDescription("Total segment metadata writes by status."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SegmentDuration, err = m.Float64Histogram("compass.gate.segment_duration",
		metric.WithDescription("Audio-time length of emitted segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunkProcessDuration, err = m.Float64Histogram("compass.pipeline.chunk_duration",
		metric.WithDescription("Wall-clock time spent processing one PCM chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("compass.http.request_duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("compass.ingest.active_sessions",
		metric.WithDescription("Number of live ingest sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}
