// Package tracing configures the OpenTelemetry tracer provider used by the
// retry and recovery spans.
package tracing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// DefaultServiceName is reported when Config.ServiceName is empty.
const DefaultServiceName = "tokenguard"

// ErrNoEndpoint is returned when tracing is enabled without an endpoint.
var ErrNoEndpoint = errors.New("tracing: endpoint is required")

// Config selects the OTLP/HTTP collector spans are exported to.
type Config struct {
	Enabled bool
	// Endpoint is host:port of the collector, e.g. "localhost:4318".
	Endpoint string
	// URLPath overrides the default /v1/traces.
	URLPath  string
	Insecure bool
	Headers  map[string]string

	ServiceName string
	// SampleRatio in (0, 1]; zero samples everything.
	SampleRatio float64
}

// ShutdownFunc flushes and stops the exporter.
type ShutdownFunc func(context.Context) error

func nopShutdown(context.Context) error { return nil }

// NewProvider builds a tracer provider exporting to cfg.Endpoint. The
// exporter connects lazily, so no collector needs to be reachable yet.
func NewProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(cfg.URLPath))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
	), nil
}

// Setup installs a global tracer provider when cfg.Enabled and returns the
// function that shuts it down. Disabled tracing leaves the global no-op
// provider in place.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return nopShutdown, nil
	}
	tp, err := NewProvider(ctx, cfg)
	if err != nil {
		return nopShutdown, err
	}
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
