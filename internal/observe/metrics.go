// Package observe provides application-wide observability primitives for the
// companion: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all companion metrics.
const meterName = "github.com/MrWong99/companion"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks a whole conversation turn. Use with attribute:
	//   attribute.String("outcome", ...)
	TurnDuration metric.Float64Histogram

	// LLMDuration tracks a single completion attempt against the backend.
	LLMDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts classified provider failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BackendRetries counts completion attempts after the first one.
	BackendRetries metric.Int64Counter

	// CacheLookups counts cache lookups. Use with attributes:
	//   attribute.String("tier", ...), attribute.String("result", ...)
	CacheLookups metric.Int64Counter

	// CacheCoalesced counts callers that received a result computed for
	// another in-flight request with the same fingerprint.
	CacheCoalesced metric.Int64Counter

	// CachePersistFailures counts failed writes to the persistent tier.
	CachePersistFailures metric.Int64Counter

	// SessionEvictions counts removed sessions. Use with attribute:
	//   attribute.String("reason", ...)
	SessionEvictions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions held in memory.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks open WebSocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// chat completions, which range from a cached millisecond reply to tens of
// seconds for a slow remote model.
var latencyBuckets = []float64{
	0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("companion.turn.duration",
		metric.WithDescription("Latency of a complete conversation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("companion.llm.duration",
		metric.WithDescription("Latency of a single LLM completion attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("companion.provider.requests",
		metric.WithDescription("Total provider API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("companion.provider.errors",
		metric.WithDescription("Total provider errors by provider and failure kind."),
	); err != nil {
		return nil, err
	}
	if met.BackendRetries, err = m.Int64Counter("companion.backend.retries",
		metric.WithDescription("Completion attempts beyond the first."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("companion.cache.lookups",
		metric.WithDescription("Response cache lookups by tier and result."),
	); err != nil {
		return nil, err
	}
	if met.CacheCoalesced, err = m.Int64Counter("companion.cache.coalesced",
		metric.WithDescription("Callers served by another caller's in-flight backend call."),
	); err != nil {
		return nil, err
	}
	if met.CachePersistFailures, err = m.Int64Counter("companion.cache.persist_failures",
		metric.WithDescription("Failed writes to the persistent cache tier."),
	); err != nil {
		return nil, err
	}
	if met.SessionEvictions, err = m.Int64Counter("companion.session.evictions",
		metric.WithDescription("Sessions removed from memory by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("companion.active_sessions",
		metric.WithDescription("Number of sessions held in memory."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("companion.active_connections",
		metric.WithDescription("Number of open WebSocket connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("companion.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCacheLookup records a cache lookup on tier ("memory", "persistent")
// with result ("hit", "miss", "error").
func (m *Metrics) RecordCacheLookup(ctx context.Context, tier, result string) {
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("result", result),
		),
	)
}

// RecordTurn records the duration of a conversation turn with its outcome
// ("ok", "cached", or an error code).
func (m *Metrics) RecordTurn(ctx context.Context, seconds float64, outcome string) {
	m.TurnDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordSessionEviction records the removal of count sessions for reason
// ("idle", "ended").
func (m *Metrics) RecordSessionEviction(ctx context.Context, reason string, count int) {
	m.SessionEvictions.Add(ctx, int64(count),
		metric.WithAttributes(attribute.String("reason", reason)),
	)
	m.ActiveSessions.Add(ctx, -int64(count))
}
