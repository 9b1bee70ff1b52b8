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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"spikebot.dialogue.duration", m.DialogueDuration},
		{"spikebot.extract.duration", m.ExtractDuration},
		{"spikebot.transcript.age", m.TranscriptAge},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			got := findMetric(rm, tc.name)
			if got == nil {
				t.Fatalf("metric %s not found", tc.name)
			}
			hist, ok := got.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %s is not a float64 histogram", tc.name)
			}
			if len(hist.DataPoints) != 1 {
				t.Fatalf("expected 1 data point, got %d", len(hist.DataPoints))
			}
			if hist.DataPoints[0].Count != 2 {
				t.Errorf("expected 2 observations, got %d", hist.DataPoints[0].Count)
			}
		})
	}
}

func TestCounterIncrements(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.TranscriptsEnqueued.Add(ctx, 1)
	m.TranscriptsSuperseded.Add(ctx, 3)
	m.TranscriptsStale.Add(ctx, 1)
	m.FieldsLearned.Add(ctx, 2)
	m.ClientsRejected.Add(ctx, 1)

	rm := collect(t, reader)

	counters := []struct {
		name string
		want int64
	}{
		{"spikebot.transcripts.enqueued", 1},
		{"spikebot.transcripts.superseded", 3},
		{"spikebot.transcripts.stale", 1},
		{"spikebot.fields.learned", 2},
		{"spikebot.clients.rejected", 1},
	}
	for _, tc := range counters {
		got := findMetric(rm, tc.name)
		if got == nil {
			t.Fatalf("metric %s not found", tc.name)
		}
		sum, ok := got.Data.(metricdata.Sum[int64])
		if !ok {
			t.Fatalf("metric %s is not an int64 sum", tc.name)
		}
		if sum.DataPoints[0].Value != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, sum.DataPoints[0].Value)
		}
	}
}

func TestRecordTurn_RoleAttribute(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "user")
	m.RecordTurn(ctx, "assistant")
	m.RecordTurn(ctx, "assistant")

	rm := collect(t, reader)
	got := findMetric(rm, "spikebot.turns")
	if got == nil {
		t.Fatal("spikebot.turns not found")
	}
	sum, ok := got.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("spikebot.turns is not an int64 sum")
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("expected 2 attribute sets, got %d", len(sum.DataPoints))
	}
	byRole := map[string]int64{}
	for _, dp := range sum.DataPoints {
		role, _ := dp.Attributes.Value(attribute.Key("role"))
		byRole[role.AsString()] = dp.Value
	}
	if byRole["user"] != 1 || byRole["assistant"] != 2 {
		t.Errorf("unexpected role counts: %v", byRole)
	}
}

func TestRecordBackendError_KindAttribute(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBackendError(ctx, "dialogue")
	m.RecordBackendError(ctx, "extract")

	rm := collect(t, reader)
	got := findMetric(rm, "spikebot.backend.errors")
	if got == nil {
		t.Fatal("spikebot.backend.errors not found")
	}
	sum, ok := got.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("spikebot.backend.errors is not an int64 sum")
	}
	if len(sum.DataPoints) != 2 {
		t.Errorf("expected 2 attribute sets, got %d", len(sum.DataPoints))
	}
}

func TestActiveSessions_UpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.ActiveSessions.Add(ctx, 1)

	rm := collect(t, reader)
	got := findMetric(rm, "spikebot.active_sessions")
	if got == nil {
		t.Fatal("spikebot.active_sessions not found")
	}
	sum, ok := got.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("spikebot.active_sessions is not an int64 sum")
	}
	if sum.DataPoints[0].Value != 1 {
		t.Errorf("expected gauge value 1, got %d", sum.DataPoints[0].Value)
	}
}
