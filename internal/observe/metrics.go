// Package observe provides application-wide observability primitives for
// voicelink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicelink metrics.
const meterName = "github.com/MrWong99/voicelink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// HandshakeDuration tracks the time from dial to hello-ack. Use with attributes:
	//   attribute.String("transport", ...), attribute.String("status", ...)
	HandshakeDuration metric.Float64Histogram

	// --- Counters ---

	// PacketsSent counts encoded audio packets written to the wire. Use with attribute:
	//   attribute.String("transport", ...)
	PacketsSent metric.Int64Counter

	// PacketsReceived counts encoded audio packets read from the wire. Use with attribute:
	//   attribute.String("transport", ...)
	PacketsReceived metric.Int64Counter

	// ReconnectAttempts counts reconnection attempts. Use with attribute:
	//   attribute.String("transport", ...)
	ReconnectAttempts metric.Int64Counter

	// --- Error counters ---

	// FramesDropped counts frames discarded by a bounded queue or a length
	// check. Use with attribute:
	//   attribute.String("queue", ...)
	FramesDropped metric.Int64Counter

	// DecodeErrors counts malformed payloads. Use with attribute:
	//   attribute.String("kind", ...): "json", "audio" or "decrypt"
	DecodeErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin HTTP requests. Attributes are set
	// by [Middleware]: method, path and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection handshakes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on mp. All creation errors are
// returned together.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	errs := make([]error, 8)

	met.HandshakeDuration, errs[0] = m.Float64Histogram("voicelink.handshake.duration",
		metric.WithDescription("Latency from dial to hello-ack."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	met.PacketsSent, errs[1] = m.Int64Counter("voicelink.packets.sent",
		metric.WithDescription("Encoded audio packets sent, by transport."))
	met.PacketsReceived, errs[2] = m.Int64Counter("voicelink.packets.received",
		metric.WithDescription("Encoded audio packets received, by transport."))
	met.ReconnectAttempts, errs[3] = m.Int64Counter("voicelink.reconnect.attempts",
		metric.WithDescription("Reconnection attempts, by transport."))
	met.FramesDropped, errs[4] = m.Int64Counter("voicelink.frames.dropped",
		metric.WithDescription("Frames discarded, by queue."))
	met.DecodeErrors, errs[5] = m.Int64Counter("voicelink.decode.errors",
		metric.WithDescription("Malformed payloads, by kind."))
	met.ActiveSessions, errs[6] = m.Int64UpDownCounter("voicelink.active_sessions",
		metric.WithDescription("Open voice sessions."))
	met.HTTPRequestDuration, errs[7] = m.Float64Histogram("voicelink.http.request.duration",
		metric.WithDescription("Admin HTTP request latency."),
		metric.WithUnit("s"),
	)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a shared [Metrics] built on the global meter
// provider. The global provider delegates to whatever [InitProvider]
// installs, so it may be called before or after it.
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

// RecordHandshake records one handshake outcome and its latency.
func (m *Metrics) RecordHandshake(ctx context.Context, transport, status string, d time.Duration) {
	m.HandshakeDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.String("status", status),
		),
	)
}

// RecordPacketSent increments the sent-packet counter for transport.
func (m *Metrics) RecordPacketSent(ctx context.Context, transport string) {
	m.PacketsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordPacketReceived increments the received-packet counter for transport.
func (m *Metrics) RecordPacketReceived(ctx context.Context, transport string) {
	m.PacketsReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordReconnectAttempt increments the reconnect counter for transport.
func (m *Metrics) RecordReconnectAttempt(ctx context.Context, transport string) {
	m.ReconnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordDrop adds n discarded frames for the named queue.
func (m *Metrics) RecordDrop(ctx context.Context, queue string, n int64) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, n, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordDecodeError increments the decode error counter for kind.
func (m *Metrics) RecordDecodeError(ctx context.Context, kind string) {
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
