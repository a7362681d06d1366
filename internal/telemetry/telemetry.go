// Package telemetry wires the engine's tracer and meter providers. An empty
// Config.OTLPEndpoint runs in development mode, exporting traces and
// metrics to stdout instead of a collector; a non-empty endpoint switches
// both to OTLP/gRPC batched export.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/aneuhaus/http-queue-manager/internal/config"
)

// Config is an alias of config.TelemetryConfig, so callers outside
// cmd/queued can name it as telemetry.Config without importing the config
// package.
type Config = config.TelemetryConfig

// Provider owns the process-wide tracer and meter.
type Provider struct {
	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	depthSource func(context.Context) (int64, error)
}

// New builds a Provider and installs it as the global tracer/meter
// provider so otelhttp's instrumented transport (used by the worker's
// HTTP client) picks it up automatically.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	var metricReader sdkmetric.Reader
	if cfg.OTLPEndpoint == "" {
		spanExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout span exporter: %w", err)
		}
		metricExporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout metric exporter: %w", err)
		}
		metricReader = sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.MetricInterval))
	} else {
		spanExporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp span exporter: %w", err)
		}
		metricExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp metric exporter: %w", err)
		}
		metricReader = sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.MetricInterval))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(metricReader),
		sdkmetric.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{
		traceProvider:  tp,
		metricProvider: mp,
		tracer:         tp.Tracer("http-queue-manager"),
		meter:          mp.Meter("http-queue-manager"),
	}, nil
}

// Tracer returns the engine's tracer for manually-started spans (the
// worker's otelhttp transport starts its own spans and does not need this).
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer("http-queue-manager")
	}
	return p.tracer
}

// RegisterQueueDepthCallback wires source as the reader for a
// "queue.depth" observable gauge, sampled each metric collection tick.
func (p *Provider) RegisterQueueDepthCallback(source func(context.Context) (int64, error)) error {
	if p == nil || p.meter == nil {
		return nil
	}
	p.depthSource = source
	_, err := p.meter.Int64ObservableGauge(
		"queue.depth",
		metric.WithDescription("pending + scheduled + processing requests"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := p.depthSource(ctx)
			if err != nil {
				return err
			}
			o.Observe(n)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("telemetry: register queue.depth gauge: %w", err)
	}
	return nil
}

// Shutdown flushes and tears down the trace and metric providers. Safe to
// call on a nil Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.metricProvider != nil {
		if err := p.metricProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p.traceProvider != nil {
		if err := p.traceProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("telemetry: shutdown errors: %v", errs)
	}
	return nil
}
