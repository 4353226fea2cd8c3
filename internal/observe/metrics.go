// Package observe carries voicegate's telemetry: the OpenTelemetry
// instruments in [Metrics], the per-process providers built by [Setup], the
// HTTP [Middleware], and the session-aware [Logger] and [StartSpan], which
// tag every log line and span with the socket, user and provider-session
// ids stored in the context.
//
// Tests should use [NewMetrics] with their own [metric.MeterProvider];
// [DefaultMetrics] is bound to the global provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicegate metrics.
const meterName = "github.com/zenc-ai/voicegate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ProviderConnectDuration tracks upstream connect handshake latency. Use
	// with attribute.String("provider", ...).
	ProviderConnectDuration metric.Float64Histogram

	// TeardownDuration tracks how long the six-step session teardown takes.
	TeardownDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsAdmitted counts sessions that reached the active state. Use with
	// attribute.String("provider", ...).
	SessionsAdmitted metric.Int64Counter

	// SessionsRejected counts connections aborted during admission. Use with
	// attribute.String("reason", ...).
	SessionsRejected metric.Int64Counter

	// ProviderFailovers counts mid-session provider switches. Use with
	// attributes attribute.String("from", ...), attribute.String("to", ...),
	// attribute.String("outcome", ...).
	ProviderFailovers metric.Int64Counter

	// JitterFlushes counts jitter buffer flushes forwarded upstream.
	JitterFlushes metric.Int64Counter

	// AudioDropped counts audio payloads dropped because no upstream
	// connection was live or the send queue was full. Use with
	// attribute.String("reason", ...).
	AudioDropped metric.Int64Counter

	// TokensConsumed counts estimated tokens, by direction.
	TokensConsumed metric.Int64Counter

	// RateLimitNotices counts soft rate-limit notices sent to clients.
	RateLimitNotices metric.Int64Counter

	// CorrectionsDelivered counts grammar corrections forwarded to clients.
	CorrectionsDelivered metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks non-websocket request latency, labelled with
	// method, route pattern (path) and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-session latencies.
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
	if met.ProviderConnectDuration, err = m.Float64Histogram("voicegate.provider.connect.duration",
		metric.WithDescription("Latency of upstream provider connect handshakes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TeardownDuration, err = m.Float64Histogram("voicegate.session.teardown.duration",
		metric.WithDescription("Duration of session teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsAdmitted, err = m.Int64Counter("voicegate.sessions.admitted",
		metric.WithDescription("Total sessions admitted by initial provider."),
	); err != nil {
		return nil, err
	}
	if met.SessionsRejected, err = m.Int64Counter("voicegate.sessions.rejected",
		metric.WithDescription("Total connections rejected during admission by reason."),
	); err != nil {
		return nil, err
	}
	if met.ProviderFailovers, err = m.Int64Counter("voicegate.provider.failovers",
		metric.WithDescription("Total mid-session provider failovers."),
	); err != nil {
		return nil, err
	}
	if met.JitterFlushes, err = m.Int64Counter("voicegate.jitter.flushes",
		metric.WithDescription("Total jitter buffer flushes forwarded upstream."),
	); err != nil {
		return nil, err
	}
	if met.AudioDropped, err = m.Int64Counter("voicegate.audio.dropped",
		metric.WithDescription("Total audio payloads dropped before reaching a provider."),
	); err != nil {
		return nil, err
	}
	if met.TokensConsumed, err = m.Int64Counter("voicegate.tokens.consumed",
		metric.WithDescription("Estimated tokens consumed, by direction."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitNotices, err = m.Int64Counter("voicegate.ratelimit.notices",
		metric.WithDescription("Total soft rate-limit notices sent to clients."),
	); err != nil {
		return nil, err
	}
	if met.CorrectionsDelivered, err = m.Int64Counter("voicegate.corrections.delivered",
		metric.WithDescription("Total grammar corrections forwarded to clients."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voicegate.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicegate.sessions.active",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicegate.http.request.duration",
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

// RecordProviderConnect records the latency of one connect attempt.
func (m *Metrics) RecordProviderConnect(ctx context.Context, provider string, seconds float64, status string) {
	m.ProviderConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordFailover records one provider change or the lack of one. outcome is
// "switched", "recovered", "degraded" or "limit".
func (m *Metrics) RecordFailover(ctx context.Context, from, to, outcome string) {
	m.ProviderFailovers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordAudioDropped records one dropped audio payload.
func (m *Metrics) RecordAudioDropped(ctx context.Context, provider, reason string) {
	m.AudioDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("reason", reason),
		),
	)
}

// RecordTokens records estimated token consumption. direction is "in" for
// client audio and "out" for provider audio.
func (m *Metrics) RecordTokens(ctx context.Context, direction string, n int64) {
	if n <= 0 {
		return
	}
	m.TokensConsumed.Add(ctx, n,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}
