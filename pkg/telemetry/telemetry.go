// Package telemetry provides OpenTelemetry distributed tracing for the
// EM-tree clusterer. It instruments each run phase with spans, supports W3C
// Trace Context propagation, and exports to OTLP or stdout.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/dylan-fan/paragraph2vector-emtreecluster"

// Config holds tracing configuration.
type Config struct {
	// Enabled turns tracing on/off.
	Enabled bool

	// Exporter selects the trace exporter: "otlp", "stdout", or "none".
	Exporter string

	// Endpoint is the OTLP collector address (e.g., "localhost:4317").
	Endpoint string

	// SampleRate controls the sampling ratio (0.0 to 1.0).
	SampleRate float64

	// ServiceName overrides the default service name.
	ServiceName string

	// Insecure disables TLS for the OTLP exporter.
	Insecure bool
}

// DefaultConfig returns tracing defaults (disabled).
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "otlp",
		Endpoint:    "localhost:4317",
		SampleRate:  1.0,
		ServiceName: "emtree",
		Insecure:    true,
	}
}

// Provider wraps the OTEL TracerProvider and exposes clusterer-specific
// helpers.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Init sets up the global TracerProvider based on the config.
// Returns a Provider that must be shut down with Shutdown().
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			tracer: trace.NewNoopTracerProvider().Tracer(tracerName),
		}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	case "none", "":
		return &Provider{
			tracer: trace.NewNoopTracerProvider().Tracer(tracerName),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout, none)", cfg.Exporter)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "emtree"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("0.3.0"),
		),
		resource.WithProcessRuntimeDescription(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(tracerName),
	}, nil
}

// Shutdown flushes pending spans and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the clusterer tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// --- Span helpers for run phases ---

// StartRun creates the root span for a clustering run.
func (p *Provider) StartRun(ctx context.Context, m, depth, maxIters int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "emtree.run",
		trace.WithAttributes(
			attribute.Int("emtree.order", m),
			attribute.Int("emtree.depth", depth),
			attribute.Int("emtree.max_iters", maxIters),
		),
	)
}

// StartBootstrap creates a span for the TSVQ bootstrap phase.
func (p *Provider) StartBootstrap(ctx context.Context, sampleSize int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "emtree.bootstrap",
		trace.WithAttributes(attribute.Int("emtree.bootstrap.sample_size", sampleSize)),
	)
}

// StartIteration creates a span for one EM iteration over the stream.
func (p *Provider) StartIteration(ctx context.Context, iteration int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "emtree.iteration",
		trace.WithAttributes(attribute.Int("emtree.iteration", iteration)),
	)
}

// StartInsert creates a span for one insert pass.
func (p *Provider) StartInsert(ctx context.Context) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "emtree.insert")
}

// StartUpdate creates a span for the update + clear phase.
func (p *Provider) StartUpdate(ctx context.Context) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "emtree.update")
}

// StartWriteClusters creates a span for the final assignment-writing pass.
func (p *Provider) StartWriteClusters(ctx context.Context) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "emtree.write_clusters")
}

// StartExport creates a span for centroid export.
func (p *Provider) StartExport(ctx context.Context, backend string, centroids int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "emtree.export",
		trace.WithAttributes(
			attribute.String("emtree.export.backend", backend),
			attribute.Int("emtree.export.centroids", centroids),
		),
	)
}

// RecordIteration adds iteration outcome attributes to a span.
func RecordIteration(span trace.Span, read uint64, pruned int, rmse float64, latency time.Duration) {
	span.SetAttributes(
		attribute.Int64("emtree.result.vectors_read", int64(read)),
		attribute.Int("emtree.result.pruned", pruned),
		attribute.Float64("emtree.result.rmse", rmse),
		attribute.Int64("emtree.result.latency_ms", latency.Milliseconds()),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("error", true))
}
