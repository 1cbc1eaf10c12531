package otel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/flowforge/runtime"
)

const instrumentationName = "github.com/petal-labs/flowforge"

// SetupConfig configures the telemetry providers.
type SetupConfig struct {
	// Endpoint is the OTLP/HTTP collector address (host:port). Empty
	// disables trace export; spans are still created for log correlation.
	Endpoint    string
	Insecure    bool
	ServiceName string

	// SpanExporter overrides the OTLP exporter, mainly for tests.
	SpanExporter sdktrace.SpanExporter

	// MetricReader receives the metrics. Nil keeps them in process.
	MetricReader sdkmetric.Reader

	Logger *slog.Logger
}

// Providers holds the SDK providers and the event handler wired to them.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracing        *TracingHandler
	Metrics        *MetricsHandler

	logger *slog.Logger
}

// Setup creates tracer and meter providers and registers them globally.
func Setup(ctx context.Context, cfg SetupConfig) (*Providers, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "flowforge"
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))

	exporter := cfg.SpanExporter
	if exporter == nil && cfg.Endpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		var err error
		exporter, err = otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricReader != nil {
		mpOpts = append(mpOpts, sdkmetric.WithReader(cfg.MetricReader))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	metrics, err := NewMetricsHandler(mp.Meter(instrumentationName))
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("create metrics handler: %w", err)
	}

	otelapi.SetTracerProvider(tp)
	otelapi.SetMeterProvider(mp)
	otelapi.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		"endpoint", cfg.Endpoint,
		"service_name", serviceName,
		"exporting", exporter != nil,
	)

	return &Providers{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracing:        NewTracingHandler(tp.Tracer(instrumentationName)),
		Metrics:        metrics,
		logger:         logger,
	}, nil
}

// EventHandler returns the combined handler: logging, tracing, metrics.
func (p *Providers) EventHandler() runtime.EventHandler {
	return runtime.MultiEventHandler(
		LogHandler(p.logger, p.Tracing),
		p.Tracing.Handle,
		p.Metrics.Handle,
	)
}

// Shutdown flushes pending spans and metrics. Safe on a nil Providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
