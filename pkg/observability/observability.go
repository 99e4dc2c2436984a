// Package observability provides the OpenTelemetry wiring for the record
// engine: OTLP trace export and RED-style metrics over record creation and
// transmission.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	Enabled        bool
	Insecure       bool
	BatchTimeout   time.Duration
}

// DefaultConfig returns development defaults with telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "verifactu-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
	}
}

// Provider manages trace and metric providers plus the engine instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	recordsCreated  metric.Int64Counter
	transmissions   metric.Int64Counter
	transmitErrors  metric.Int64Counter
	transmitSeconds metric.Float64Histogram
	queueDepth      metric.Int64UpDownCounter
}

// New creates the provider. With Enabled=false it returns a no-op provider
// whose instruments are nil-safe.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("verifactu.record-engine",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("verifactu.record-engine")

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.recordsCreated, err = p.meter.Int64Counter("verifactu.records.created",
		metric.WithDescription("Records appended to the chain")); err != nil {
		return err
	}
	if p.transmissions, err = p.meter.Int64Counter("verifactu.transmissions.total",
		metric.WithDescription("Submission attempts by outcome")); err != nil {
		return err
	}
	if p.transmitErrors, err = p.meter.Int64Counter("verifactu.transmissions.errors",
		metric.WithDescription("Submission transport errors")); err != nil {
		return err
	}
	if p.transmitSeconds, err = p.meter.Float64Histogram("verifactu.transmissions.duration",
		metric.WithDescription("Submission round-trip duration"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	if p.queueDepth, err = p.meter.Int64UpDownCounter("verifactu.queue.depth",
		metric.WithDescription("Open contingency queue entries")); err != nil {
		return err
	}
	return nil
}

// StartSpan opens a span when tracing is enabled; otherwise it returns the
// context unchanged and a no-op span.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordCreated counts one chain append.
func (p *Provider) RecordCreated(ctx context.Context, recordType string) {
	if p.recordsCreated == nil {
		return
	}
	p.recordsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("record_type", recordType)))
}

// Transmission counts one submission and its latency.
func (p *Provider) Transmission(ctx context.Context, outcome string, seconds float64) {
	if p.transmissions == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	p.transmissions.Add(ctx, 1, attrs)
	p.transmitSeconds.Record(ctx, seconds, attrs)
	if outcome == "transport_error" {
		p.transmitErrors.Add(ctx, 1)
	}
}

// QueueDelta adjusts the queue depth gauge.
func (p *Provider) QueueDelta(ctx context.Context, delta int64) {
	if p.queueDepth == nil {
		return
	}
	p.queueDepth.Add(ctx, delta)
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
