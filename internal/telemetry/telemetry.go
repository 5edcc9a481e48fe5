// Package telemetry initializes OpenTelemetry metrics export.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"tradegate/internal/config"
)

// Provider owns the process meter provider.
type Provider struct {
	mp       metric.MeterProvider
	shutdown func(context.Context) error
}

// NewProvider builds a meter provider exporting over OTLP/HTTP. With no
// endpoint configured it returns a no-op provider so instruments can be
// created unconditionally.
func NewProvider(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	if strings.TrimSpace(cfg.OTLPEndpoint) == "" {
		return &Provider{mp: noop.NewMeterProvider(), shutdown: func(context.Context) error { return nil }}, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "tradegate"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", name)),
		resource.WithProcessRuntimeName(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint))}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithView(LatencyView()),
	)
	otel.SetMeterProvider(mp)
	return &Provider{mp: mp, shutdown: mp.Shutdown}, nil
}

// Meter returns a meter with the given name.
func (p *Provider) Meter(name string) metric.Meter {
	return p.mp.Meter(name)
}

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter: %w", err)
	}
	return nil
}

// LatencyView sets explicit buckets for the lifecycle duration histogram:
// 10ms up to the 5 minute confirmation window, in seconds.
func LatencyView() sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: "tradegate.attempt.duration", Kind: sdkmetric.InstrumentKindHistogram},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
			Boundaries: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60, 300},
		}},
	)
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}
