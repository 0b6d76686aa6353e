// Package tracing wires an optional OTLP trace exporter. Without the
// endpoint variable set everything degrades to otel's no-op provider.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// EnvEndpoint names the environment variable that enables export, e.g.
// CLAWSCOPE_OTLP_ENDPOINT=http://localhost:4318.
const EnvEndpoint = "CLAWSCOPE_OTLP_ENDPOINT"

// Setup installs a global tracer provider when the endpoint variable is
// set. The returned function flushes and shuts the provider down; it is a
// no-op when export is disabled.
func Setup(ctx context.Context, serviceVersion string) (func(context.Context) error, error) {
	endpoint := os.Getenv(EnvEndpoint)
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", "clawscope"),
		attribute.String("service.version", serviceVersion),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing.enabled", "endpoint", endpoint)
	return tp.Shutdown, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer("clawscope/" + name)
}
