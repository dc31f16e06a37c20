// Package otel provides OpenTelemetry tracer provider initialization and management.
package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/mrzor/kevent/internal/config"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// TracerName is the instrumentation scope of every span the engine emits.
const TracerName = "github.com/mrzor/kevent"

// Provider is a tracer source that must be shut down to flush spans.
type Provider interface {
	Tracer() trace.Tracer
	Shutdown(ctx context.Context) error
}

type sdkProvider struct {
	tp *sdktrace.TracerProvider
}

func (p sdkProvider) Tracer() trace.Tracer { return p.tp.Tracer(TracerName) }

func (p sdkProvider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

type noopProvider struct{}

func (noopProvider) Tracer() trace.Tracer { return noop.NewTracerProvider().Tracer(TracerName) }

func (noopProvider) Shutdown(context.Context) error { return nil }

// InitProvider builds an OTLP/HTTP tracer provider from cfg. When no
// endpoint is configured it returns a provider whose tracer records
// nothing.
//
// The HTTP client honors HTTP_PROXY, HTTPS_PROXY and NO_PROXY through the
// standard net/http transport.
func InitProvider(ctx context.Context, cfg *config.OTELConfig, log *zap.Logger) (Provider, error) {
	if !cfg.Enabled() {
		log.Debug("tracing disabled: no OTLP endpoint configured")
		return noopProvider{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	endpoint := cfg.Endpoint()
	log.Info("OTEL configuration",
		zap.String("service", cfg.ServiceName),
		zap.String("endpoint", endpoint),
		zap.String("resource_attributes", cfg.ResourceAttributes))

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	opts := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if attrs := cfg.ParseResourceAttributes(); len(attrs) > 0 {
		opts = append(opts, resource.WithAttributes(attrs...))
	}
	res, err := resource.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return sdkProvider{tp: sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)}, nil
}
