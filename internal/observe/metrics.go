// Package observe provides application-wide observability primitives for
// spikebot: OpenTelemetry metrics and the Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all spikebot metrics.
const meterName = "github.com/spikeclinical/spikebot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// DialogueDuration tracks full dialogue-turn latency, from dispatched
	// transcript to completed reply stream.
	DialogueDuration metric.Float64Histogram

	// ExtractDuration tracks benefit-extraction call latency.
	ExtractDuration metric.Float64Histogram

	// TranscriptAge tracks the age of dispatched transcripts at dispatch time
	// (dispatch tick minus retrieval time).
	TranscriptAge metric.Float64Histogram

	// --- Counters ---

	// TranscriptsEnqueued counts final transcripts accepted by the listener.
	TranscriptsEnqueued metric.Int64Counter

	// TranscriptsSuperseded counts transcripts discarded because a newer one
	// arrived in the same dispatch drain.
	TranscriptsSuperseded metric.Int64Counter

	// TranscriptsStale counts transcripts dropped by the staleness window.
	TranscriptsStale metric.Int64Counter

	// Turns counts conversation turns relayed to the client. Use with
	// attribute: attribute.String("role", "user"|"assistant").
	Turns metric.Int64Counter

	// FieldsLearned counts benefit fields learned by the extractor.
	FieldsLearned metric.Int64Counter

	// ClientsRejected counts client connections refused because a session was
	// already active.
	ClientsRejected metric.Int64Counter

	// --- Error counters ---

	// BackendErrors counts failed dialogue/extraction backend calls. Use with
	// attribute: attribute.String("kind", "dialogue"|"extract").
	BackendErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter
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
	if met.DialogueDuration, err = m.Float64Histogram("spikebot.dialogue.duration",
		metric.WithDescription("Latency of a full dialogue turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExtractDuration, err = m.Float64Histogram("spikebot.extract.duration",
		metric.WithDescription("Latency of benefit extraction calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptAge, err = m.Float64Histogram("spikebot.transcript.age",
		metric.WithDescription("Age of dispatched transcripts at dispatch time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TranscriptsEnqueued, err = m.Int64Counter("spikebot.transcripts.enqueued",
		metric.WithDescription("Final transcripts accepted by the listener loop."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptsSuperseded, err = m.Int64Counter("spikebot.transcripts.superseded",
		metric.WithDescription("Transcripts discarded in favour of a newer one in the same drain."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptsStale, err = m.Int64Counter("spikebot.transcripts.stale",
		metric.WithDescription("Transcripts dropped by the staleness window."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("spikebot.turns",
		metric.WithDescription("Conversation turns relayed to the client by role."),
	); err != nil {
		return nil, err
	}
	if met.FieldsLearned, err = m.Int64Counter("spikebot.fields.learned",
		metric.WithDescription("Benefit fields learned by the extractor."),
	); err != nil {
		return nil, err
	}
	if met.ClientsRejected, err = m.Int64Counter("spikebot.clients.rejected",
		metric.WithDescription("Client connections refused while a session was active."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.BackendErrors, err = m.Int64Counter("spikebot.backend.errors",
		metric.WithDescription("Failed dialogue/extraction backend calls by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("spikebot.active_sessions",
		metric.WithDescription("Number of live call sessions."),
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

// RecordTurn records one relayed conversation turn with the standard role
// attribute.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordBackendError records one failed backend call with the standard kind
// attribute.
func (m *Metrics) RecordBackendError(ctx context.Context, kind string) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
