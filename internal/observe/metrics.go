// Package observe provides the observability primitives shared by hark:
// OpenTelemetry metrics, tracing, trace-aware logging and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider], so the admin server can serve them on
// /metrics. [DefaultMetrics] returns a package-level instance; tests should
// use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all hark metrics.
const meterName = "github.com/MrWong99/hark"

// Barge-in gate stages used as the "stage" attribute of BargeInRejects.
const (
	StageEnergy = "energy"
	StageZCR    = "zcr"
	StageVAD    = "vad"
)

// Metrics holds every instrument the application records. The OTel types do
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks time to the end of a reply generation.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks synthesis latency per chunk.
	TTSDuration metric.Float64Histogram

	// ReplyLatency tracks the time from end of user speech to the first
	// audible reply sample.
	ReplyLatency metric.Float64Histogram

	// UtteranceDuration tracks captured utterance lengths.
	UtteranceDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider calls by provider, kind and status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures by provider and kind.
	ProviderErrors metric.Int64Counter

	// BargeInTriggers counts barge-in interruptions.
	BargeInTriggers metric.Int64Counter

	// BargeInRejects counts frames rejected by a barge-in gate stage.
	BargeInRejects metric.Int64Counter

	// CaptureDrops counts frames evicted from a full capture queue.
	CaptureDrops metric.Int64Counter

	// Turns counts finished turns by outcome.
	Turns metric.Int64Counter

	// StateTransitions counts session state changes by from and to.
	StateTransitions metric.Int64Counter

	// SessionEnds counts ended sessions by reason.
	SessionEnds metric.Int64Counter

	// BreakerTransitions counts provider circuit breaker state changes.
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions is 1 while a conversation session is open.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin HTTP request time by method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds tuned for
// conversational latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// utteranceBuckets cover utterance lengths up to the recording cap.
var utteranceBuckets = []float64{
	0.25, 0.5, 0.7, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string, buckets []float64) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(buckets...),
		)
	}

	if met.STTDuration, err = histogram("hark.stt.duration",
		"Latency of speech-to-text transcription.", latencyBuckets); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = histogram("hark.llm.duration",
		"Latency of reply generation.", latencyBuckets); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = histogram("hark.tts.duration",
		"Latency of text-to-speech synthesis per chunk.", latencyBuckets); err != nil {
		return nil, err
	}
	if met.ReplyLatency, err = histogram("hark.reply.latency",
		"Time from end of user speech to first reply audio.", latencyBuckets); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = histogram("hark.utterance.duration",
		"Length of captured utterances.", utteranceBuckets); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "hark.provider.requests", "Provider requests by provider, kind, and status."},
		{&met.ProviderErrors, "hark.provider.errors", "Provider errors by provider and kind."},
		{&met.BargeInTriggers, "hark.bargein.triggers", "Barge-in interruptions of reply playback."},
		{&met.BargeInRejects, "hark.bargein.rejects", "Frames rejected by a barge-in gate stage."},
		{&met.CaptureDrops, "hark.capture.drops", "Frames dropped from a full capture queue."},
		{&met.Turns, "hark.turns", "Finished turns by outcome."},
		{&met.StateTransitions, "hark.session.transitions", "Session state transitions by from and to state."},
		{&met.SessionEnds, "hark.session.ends", "Ended conversation sessions by reason."},
		{&met.BreakerTransitions, "hark.provider.breaker.transitions", "Provider circuit breaker transitions by kind, provider and new state."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("hark.active_sessions",
		metric.WithDescription("Number of open conversation sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("hark.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method and path."),
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
// first call from [otel.GetMeterProvider]. It panics if instrument creation
// fails.
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

// RecordProviderRequest increments ProviderRequests.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError increments ProviderErrors.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBargeInReject counts one frame rejected at stage.
func (m *Metrics) RecordBargeInReject(ctx context.Context, stage string) {
	m.BargeInRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordTurn counts a finished turn.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordStateTransition counts a session state change.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordSessionEnd counts an ended session and lowers ActiveSessions.
func (m *Metrics) RecordSessionEnd(ctx context.Context, reason string) {
	m.SessionEnds.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.ActiveSessions.Add(ctx, -1)
}

// RecordBreakerTransition counts a circuit breaker entering state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, kind, provider, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("provider", provider),
			attribute.String("to", to),
		),
	)
}
