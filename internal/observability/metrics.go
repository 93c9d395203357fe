// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// Metrics holds the counters recorded by the dispatch, callback and sweep paths.
type Metrics struct {
	dispatches          otelmetric.Int64Counter
	callbacks           otelmetric.Int64Counter
	publishFailures     otelmetric.Int64Counter
	presenceCorrections otelmetric.Int64Counter
	jobsExpired         otelmetric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter otelmetric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.dispatches, err = meter.Int64Counter("buildplane.dispatch.total",
		otelmetric.WithDescription("Build dispatch attempts by outcome")); err != nil {
		return nil, err
	}
	if m.callbacks, err = meter.Int64Counter("buildplane.callbacks.total",
		otelmetric.WithDescription("Build system callbacks by outcome")); err != nil {
		return nil, err
	}
	if m.publishFailures, err = meter.Int64Counter("buildplane.publish.failures",
		otelmetric.WithDescription("Broadcast publishes that failed and were dropped")); err != nil {
		return nil, err
	}
	if m.presenceCorrections, err = meter.Int64Counter("buildplane.presence.corrections",
		otelmetric.WithDescription("Presence records flipped offline by the reconciler")); err != nil {
		return nil, err
	}
	if m.jobsExpired, err = meter.Int64Counter("buildplane.jobs.expired",
		otelmetric.WithDescription("Jobs failed for missing a terminal callback")); err != nil {
		return nil, err
	}
	return &m, nil
}

// NopMetrics returns instruments that record nothing.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("nop"))
	return m
}

func (m *Metrics) Dispatch(ctx context.Context, outcome string) {
	m.dispatches.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) Callback(ctx context.Context, outcome string) {
	m.callbacks.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) PublishFailed(ctx context.Context, event string) {
	m.publishFailures.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("event", event)))
}

func (m *Metrics) PresenceCorrected(ctx context.Context, n int) {
	m.presenceCorrections.Add(ctx, int64(n))
}

func (m *Metrics) JobsExpired(ctx context.Context, n int) {
	m.jobsExpired.Add(ctx, int64(n))
}
