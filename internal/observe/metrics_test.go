package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point whose attribute key
// equals value. ok is false when the metric or point is missing.
func sumWhere(rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	met := findMetric(rm, name)
	if met == nil {
		return 0, false
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		return 0, false
	}
	for _, dp := range sum.DataPoints {
		if v, found := dp.Attributes.Value(attribute.Key(key)); found && v.AsString() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"hark.stt.duration", m.STTDuration},
		{"hark.llm.duration", m.LLMDuration},
		{"hark.tts.duration", m.TTSDuration},
		{"hark.reply.latency", m.ReplyLatency},
		{"hark.utterance.duration", m.UtteranceDuration},
		{"hark.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "whisper", "stt", "ok")
	m.RecordProviderRequest(ctx, "whisper", "stt", "ok")
	m.RecordProviderRequest(ctx, "whisper", "stt", "error")
	m.RecordProviderError(ctx, "piper", "tts")

	rm := collect(t, reader)
	if got, ok := sumWhere(rm, "hark.provider.requests", "status", "ok"); !ok || got != 2 {
		t.Errorf("requests{status=ok} = %d (found %v), want 2", got, ok)
	}
	if got, ok := sumWhere(rm, "hark.provider.errors", "kind", "tts"); !ok || got != 1 {
		t.Errorf("errors{kind=tts} = %d (found %v), want 1", got, ok)
	}
}

func TestDomainCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBargeInReject(ctx, StageEnergy)
	m.RecordBargeInReject(ctx, StageEnergy)
	m.RecordBargeInReject(ctx, StageZCR)
	m.RecordTurn(ctx, "answered")
	m.RecordStateTransition(ctx, "LISTENING", "THINKING")
	m.ActiveSessions.Add(ctx, 1)
	m.RecordSessionEnd(ctx, "goodbye")

	rm := collect(t, reader)

	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"hark.bargein.rejects", "stage", StageEnergy, 2},
		{"hark.bargein.rejects", "stage", StageZCR, 1},
		{"hark.turns", "outcome", "answered", 1},
		{"hark.session.transitions", "to", "THINKING", 1},
		{"hark.session.ends", "reason", "goodbye", 1},
	}
	for _, tt := range tests {
		t.Run(tt.metric+"/"+tt.value, func(t *testing.T) {
			got, ok := sumWhere(rm, tt.metric, tt.key, tt.value)
			if !ok {
				t.Fatalf("%s{%s=%s} not found", tt.metric, tt.key, tt.value)
			}
			if got != tt.want {
				t.Errorf("value = %d, want %d", got, tt.want)
			}
		})
	}

	met := findMetric(rm, "hark.active_sessions")
	if met == nil {
		t.Fatal("active sessions not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 0 {
		t.Errorf("active sessions = %+v, want 0 after end", sum.DataPoints)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
