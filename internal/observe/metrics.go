// Package observe provides the observability primitives for voxgate:
// OpenTelemetry metrics, tracing, trace-aware structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxgate metrics.
const meterName = "github.com/MrWong99/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// ChunkDuration tracks how long a session needs to analyse one audio
	// chunk.
	ChunkDuration metric.Float64Histogram

	// FramesProcessed counts analysed frames. Use with attribute:
	//   attribute.String("verdict", "speech"|"silence")
	FramesProcessed metric.Int64Counter

	// SpeechEvents counts chunk-level transitions. Use with attribute:
	//   attribute.String("event", "speech_start"|"speech_end")
	SpeechEvents metric.Int64Counter

	// Recalibrations counts forced recalibrations.
	Recalibrations metric.Int64Counter

	// DetectorErrors counts frames the secondary detector could not classify.
	// Use with attributes:
	//   attribute.String("detector", ...), attribute.String("reason", ...)
	DetectorErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("name", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// DecodeErrors counts audio payloads that failed base64 decoding.
	DecodeErrors metric.Int64Counter

	// ActiveSessions tracks the number of live VAD sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionsExpired counts sessions removed by the idle sweep.
	SessionsExpired metric.Int64Counter

	// Messages counts WebSocket messages. Use with attributes:
	//   attribute.String("type", ...), attribute.String("status", ...)
	Messages metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// chunkBuckets defines histogram bucket boundaries (in seconds) for the
// sub-millisecond to tens-of-milliseconds range a chunk takes to analyse.
var chunkBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ChunkDuration, err = m.Float64Histogram("voxgate.chunk.duration",
		metric.WithDescription("Time spent analysing one audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(chunkBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesProcessed, err = m.Int64Counter("voxgate.frames",
		metric.WithDescription("Total analysed frames by ensemble verdict."),
	); err != nil {
		return nil, err
	}
	if met.SpeechEvents, err = m.Int64Counter("voxgate.speech.events",
		metric.WithDescription("Total speech start and end transitions."),
	); err != nil {
		return nil, err
	}
	if met.Recalibrations, err = m.Int64Counter("voxgate.recalibrations",
		metric.WithDescription("Total forced noise-floor recalibrations."),
	); err != nil {
		return nil, err
	}

	if met.DetectorErrors, err = m.Int64Counter("voxgate.detector.errors",
		metric.WithDescription("Frames the secondary detector skipped, by detector and reason."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voxgate.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("voxgate.decode.errors",
		metric.WithDescription("Audio payloads that could not be decoded."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.active_sessions",
		metric.WithDescription("Number of live VAD sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionsExpired, err = m.Int64Counter("voxgate.sessions.expired",
		metric.WithDescription("Sessions removed after exceeding the idle timeout."),
	); err != nil {
		return nil, err
	}

	if met.Messages, err = m.Int64Counter("voxgate.ws.messages",
		metric.WithDescription("WebSocket messages handled by type and status."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrames adds the speech and silence frame counts of one chunk.
func (m *Metrics) RecordFrames(ctx context.Context, speech, silence int) {
	if speech > 0 {
		m.FramesProcessed.Add(ctx, int64(speech), metric.WithAttributes(attribute.String("verdict", "speech")))
	}
	if silence > 0 {
		m.FramesProcessed.Add(ctx, int64(silence), metric.WithAttributes(attribute.String("verdict", "silence")))
	}
}

// RecordSpeechEvent increments the transition counter for event.
func (m *Metrics) RecordSpeechEvent(ctx context.Context, event string) {
	m.SpeechEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordDetectorError increments the detector error counter.
func (m *Metrics) RecordDetectorError(ctx context.Context, detector, reason string) {
	m.DetectorErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("detector", detector),
			attribute.String("reason", reason),
		),
	)
}

// RecordBreakerTransition increments the breaker transition counter.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("to", to),
		),
	)
}

// RecordMessage increments the WebSocket message counter.
func (m *Metrics) RecordMessage(ctx context.Context, msgType, status string) {
	m.Messages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", msgType),
			attribute.String("status", status),
		),
	)
}
