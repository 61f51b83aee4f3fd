// Package observe provides the service's observability primitives:
// OpenTelemetry metrics, tracing helpers, request-scoped logging and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed to
// Prometheus through the exporter bridge set up by [InitProvider]. Tests
// should build their own [Metrics] with [NewMetrics] over a manual reader
// instead of touching [DefaultMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all service metrics.
const meterName = "github.com/MrWong99/pronounce"

// Provider kinds used as the "kind" attribute.
const (
	KindASR        = "asr"
	KindPhonemizer = "phonemizer"
)

// Metrics holds every instrument the service records. The OTel instruments
// handle their own synchronisation.
type Metrics struct {
	// EvaluationDuration is the end-to-end latency of one evaluation.
	// Attribute: status.
	EvaluationDuration metric.Float64Histogram

	// StageDuration is the latency of a single pipeline stage.
	// Attribute: stage (preprocess, transcribe, score, classify).
	StageDuration metric.Float64Histogram

	// Evaluations counts finished evaluations. Attribute: status.
	Evaluations metric.Int64Counter

	// ProviderRequests counts backend calls.
	// Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed backend calls. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// FallbackInvocations counts escalations to the fallback recognizer.
	// Attribute: adopted (true/false).
	FallbackInvocations metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes.
	// Attributes: breaker, to.
	BreakerTransitions metric.Int64Counter

	// InFlight is the number of evaluations currently running.
	InFlight metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP latency.
	// Attributes: method, path, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram bounds in seconds. Recognition on CPU can
// take several seconds, so the upper buckets reach past the 30 s primary
// timeout.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.EvaluationDuration, err = m.Float64Histogram("pronounce.evaluation.duration",
		metric.WithDescription("End-to-end latency of a pronunciation evaluation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("pronounce.stage.duration",
		metric.WithDescription("Latency of a single evaluation stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Evaluations, err = m.Int64Counter("pronounce.evaluations",
		metric.WithDescription("Finished evaluations by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("pronounce.provider.requests",
		metric.WithDescription("Backend requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("pronounce.provider.errors",
		metric.WithDescription("Backend errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.FallbackInvocations, err = m.Int64Counter("pronounce.fallback.invocations",
		metric.WithDescription("Fallback recognizer escalations by whether the result was adopted."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("pronounce.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}
	if met.InFlight, err = m.Int64UpDownCounter("pronounce.evaluations.in_flight",
		metric.WithDescription("Evaluations currently running."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("pronounce.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path, and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] built on the global meter
// provider the first time it is called. It panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records the latency of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("stage", stage)))
}

// RecordEvaluation records a finished evaluation's status and latency.
func (m *Metrics) RecordEvaluation(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(Attr("status", status))
	m.Evaluations.Add(ctx, 1, attrs)
	m.EvaluationDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordProviderRequest counts one backend call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			Attr("provider", provider),
			Attr("kind", kind),
			Attr("status", status),
		),
	)
}

// RecordProviderError counts one failed backend call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			Attr("provider", provider),
			Attr("kind", kind),
		),
	)
}

// RecordFallback counts one escalation to the fallback recognizer.
func (m *Metrics) RecordFallback(ctx context.Context, adopted bool) {
	m.FallbackInvocations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("adopted", adopted)))
}

// RecordBreakerTransition counts one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			Attr("breaker", breaker),
			Attr("to", to),
		),
	)
}
