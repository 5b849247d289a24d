package telemetry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
Tracing pipeline:

	relay event / HTTP request -> OpenTelemetry SDK -> Jaeger exporter -> collector

With no endpoint configured the global no-op provider stays installed and
spans cost next to nothing.
*/

// ShutdownFunc flushes and stops a tracer provider.
type ShutdownFunc func(context.Context) error

// InitJaeger installs a batching tracer provider exporting to the Jaeger
// collector at endpoint. An empty endpoint disables export and returns a
// no-op shutdown.
func InitJaeger(serviceName, endpoint string) (ShutdownFunc, error) {
	if endpoint == "" {
		log.Info().Msg("tracing export disabled (no jaeger endpoint)")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		// Schemaless so it merges with the sdk default resource whatever
		// semconv version that was built against.
		resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)

	log.Info().Str("endpoint", endpoint).Str("service", serviceName).Msg("jaeger tracing initialized")
	return tp.Shutdown, nil
}
