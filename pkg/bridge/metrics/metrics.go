// Package metrics exports bridge counters over OpenTelemetry with a
// Prometheus reader, served on /metrics.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/vango-go/voicebridge/pkg/bridge/sink"
)

// Metrics implements session.Observer and the sink drop hook.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	sessionsActive   metric.Int64UpDownCounter
	sessionsTotal    metric.Int64Counter
	sessionDuration  metric.Float64Histogram
	interruptions    metric.Int64Counter
	reconnects       metric.Int64Counter
	toolCalls        metric.Int64Counter
	toolCallDuration metric.Float64Histogram
	inboundDropped   metric.Int64Counter
	sinkDropped      metric.Int64Counter
	sinkErrors       metric.Int64Counter
}

// New builds a meter provider whose only reader is a Prometheus exporter on
// a private registry.
func New(namespace, version string) (*Metrics, error) {
	if namespace == "" {
		namespace = "voicebridge"
	}
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(namespace),
		semconv.ServiceVersion(version),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	meter := provider.Meter("github.com/vango-go/voicebridge")

	m := &Metrics{registry: registry, provider: provider}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	m.sessionsActive, err = meter.Int64UpDownCounter("sessions_active", metric.WithDescription("Live bridge sessions"))
	collect(err)
	m.sessionsTotal, err = meter.Int64Counter("sessions", metric.WithDescription("Finished bridge sessions by end code"))
	collect(err)
	m.sessionDuration, err = meter.Float64Histogram("session_duration",
		metric.WithUnit("s"),
		metric.WithDescription("Bridge session duration"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	collect(err)
	m.interruptions, err = meter.Int64Counter("interruptions", metric.WithDescription("Barge-in signals by source"))
	collect(err)
	m.reconnects, err = meter.Int64Counter("provider_reconnects", metric.WithDescription("Provider reconnect attempts"))
	collect(err)
	m.toolCalls, err = meter.Int64Counter("tool_calls", metric.WithDescription("Tool calls by status"))
	collect(err)
	m.toolCallDuration, err = meter.Float64Histogram("tool_call_duration",
		metric.WithUnit("s"),
		metric.WithDescription("Tool call latency"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30),
	)
	collect(err)
	m.inboundDropped, err = meter.Int64Counter("inbound_frames_dropped", metric.WithDescription("Client audio frames dropped"))
	collect(err)
	m.sinkDropped, err = meter.Int64Counter("sink_records_dropped", metric.WithDescription("Conversation records dropped by a full sink queue"))
	collect(err)
	m.sinkErrors, err = meter.Int64Counter("sink_write_errors", metric.WithDescription("Conversation store write failures"))
	collect(err)

	if len(errs) > 0 {
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("metrics instruments: %v", errs)
	}
	return m, nil
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

func (m *Metrics) SessionStarted(provider, transport string) {
	m.sessionsActive.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("transport", transport),
	))
}

func (m *Metrics) SessionEnded(provider, transport, code string, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("transport", transport),
	)
	m.sessionsActive.Add(ctx, -1, attrs)
	m.sessionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("transport", transport),
		attribute.String("code", code),
	))
	m.sessionDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) Interruption(source string, coalesced bool) {
	m.interruptions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.Bool("coalesced", coalesced),
	))
}

func (m *Metrics) ProviderReconnect(provider string, ok bool) {
	m.reconnects.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome(ok)),
	))
}

func (m *Metrics) ToolCall(tool string, status sink.Status, d time.Duration) {
	ctx := context.Background()
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", string(status)),
	))
	m.toolCallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}

func (m *Metrics) InboundDropped(reason string) {
	m.inboundDropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// SinkDropped is wired to sink.AsyncConfig.OnDrop.
func (m *Metrics) SinkDropped(op string) {
	m.sinkDropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", op)))
}

// SinkError is wired to sink.AsyncConfig.OnError.
func (m *Metrics) SinkError(store, op string) {
	m.sinkErrors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("op", op),
	))
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
