package observability

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingOptions selects the span exporter.
type TracingOptions struct {
	Exporter       string
	JaegerEndpoint string
	ServiceName    string
	ServiceVersion string
	SampleRatio    float64
}

// TracerProvider wraps the configured provider together with its shutdown hook.
type TracerProvider struct {
	trace.TracerProvider
	shutdown func(context.Context) error
}

// Shutdown flushes buffered spans.
func (p TracerProvider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// InitTracerProvider builds the tracer provider, registers it globally and installs the
// W3C trace-context propagator. With the exporter set to none a no-op provider is used.
func InitTracerProvider(opts TracingOptions) (TracerProvider, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	switch strings.ToLower(strings.TrimSpace(opts.Exporter)) {
	case "", "none":
		provider := noop.NewTracerProvider()
		otel.SetTracerProvider(provider)
		return TracerProvider{TracerProvider: provider}, nil
	case "jaeger":
	default:
		return TracerProvider{}, fmt.Errorf("tracing: unsupported exporter %q", opts.Exporter)
	}

	endpoint := strings.TrimSpace(opts.JaegerEndpoint)
	if endpoint == "" {
		return TracerProvider{}, errors.New("tracing: jaeger endpoint is required")
	}
	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return TracerProvider{}, fmt.Errorf("tracing: create jaeger exporter: %w", err)
	}

	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(opts.ServiceName)),
	}
	if opts.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(opts.ServiceVersion)))
	}
	res, err := resource.New(context.Background(), attrs...)
	if err != nil {
		return TracerProvider{}, fmt.Errorf("tracing: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return TracerProvider{TracerProvider: provider, shutdown: provider.Shutdown}, nil
}
