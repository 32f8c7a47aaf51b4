// Package telemetry installs the OpenTelemetry meter provider the monitor
// records into. Counters are always readable in-process through Snapshot; an
// OTLP/gRPC exporter is added when an endpoint is configured.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects the service identity and the optional exporter.
type Config struct {
	ServiceName string `yaml:"service_name"`
	// OTLPEndpoint is an OTLP/gRPC URL such as http://collector:4317. Empty disables export.
	OTLPEndpoint   string        `yaml:"otlp_endpoint"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

// Provider owns the meter provider and its in-process reader.
type Provider struct {
	mp       *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
	exporter bool
}

// Init builds the meter provider and sets it as the global one.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ponslink-signal"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	reader := sdkmetric.NewManualReader()
	opts := []sdkmetric.Option{
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	}

	exporting := cfg.OTLPEndpoint != ""
	if exporting {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpointURL(cfg.OTLPEndpoint),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		var readerOpts []sdkmetric.PeriodicReaderOption
		if cfg.ExportInterval > 0 {
			readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.ExportInterval))
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	return &Provider{mp: mp, reader: reader, exporter: exporting}, nil
}

// MeterProvider returns the provider for explicit injection.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.mp
}

// Exporting reports whether an OTLP exporter is attached.
func (p *Provider) Exporting() bool {
	return p.exporter
}

// Snapshot sums every integer counter by instrument name.
func (p *Provider) Snapshot(ctx context.Context) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			out[m.Name] = total
		}
	}
	return out, nil
}

// Shutdown flushes the exporter and stops every reader.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.mp.Shutdown(ctx); err != nil && !errors.Is(err, sdkmetric.ErrReaderShutdown) {
		return fmt.Errorf("meter provider shutdown: %w", err)
	}
	return nil
}
