package telemetry

import (
	"context"
	"errors"
	"os"
	"runtime"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdkmetrics "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/pitabwire/appcheck/config"
)

type manager struct {
	serviceName        string
	serviceVersion     string
	serviceEnvironment string

	cfg config.ConfigurationTelemetry

	disabled bool

	traceTextMap  propagation.TextMapPropagator
	traceExporter sdktrace.SpanExporter
	traceSampler  sdktrace.Sampler
	metricsReader sdkmetrics.Reader

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetrics.MeterProvider
}

// NewManager creates a telemetry manager. Nothing global changes until Init is called.
func NewManager(ctx context.Context, cfg config.ConfigurationTelemetry, opts ...Option) Manager {
	m := &manager{cfg: cfg}
	if cfg != nil && cfg.DisableOpenTelemetry() {
		m.disabled = true
	}

	for _, opt := range opts {
		opt(ctx, m)
	}

	return m
}

func (m *manager) Disabled() bool {
	return m.disabled
}

// Init installs the trace and meter providers globally. Spans are only exported when a
// trace exporter was supplied and metrics only collected when a reader was supplied.
func (m *manager) Init(_ context.Context) error {
	if m.Disabled() {
		return nil
	}

	res, err := m.setupResource()
	if err != nil {
		return err
	}

	if m.traceTextMap == nil {
		m.traceTextMap = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	}
	otel.SetTextMapPropagator(m.traceTextMap)

	if m.traceSampler == nil {
		ratio := 1.0
		if m.cfg != nil {
			ratio = m.cfg.SamplingRatio()
		}
		m.traceSampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(m.traceSampler),
		sdktrace.WithResource(res),
	}
	if m.traceExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(m.traceExporter))
	}
	m.tracerProvider = sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(m.tracerProvider)

	meterOpts := []sdkmetrics.Option{sdkmetrics.WithResource(res)}
	if m.metricsReader != nil {
		meterOpts = append(meterOpts, sdkmetrics.WithReader(m.metricsReader))
	}
	m.meterProvider = sdkmetrics.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(m.meterProvider)

	return nil
}

func (m *manager) setupResource() (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(m.serviceName),
		semconv.ServiceVersion(m.serviceVersion),
		semconv.DeploymentEnvironmentName(m.serviceEnvironment),
		semconv.ProcessPID(os.Getpid()),
		semconv.ProcessRuntimeName("go"),
		semconv.ProcessRuntimeVersion(runtime.Version()),
	}

	// schemaless so the merge keeps the sdk default schema whichever semconv release it tracks
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// Shutdown flushes and stops the providers installed by Init.
func (m *manager) Shutdown(ctx context.Context) error {
	var errs []error
	if m.tracerProvider != nil {
		errs = append(errs, m.tracerProvider.Shutdown(ctx))
	}
	if m.meterProvider != nil {
		errs = append(errs, m.meterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
