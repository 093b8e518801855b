// Package telemetry wires OpenTelemetry tracing for the client.
package telemetry

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Sternrassler/stlco-gis-client/pkg/config"
	"github.com/Sternrassler/stlco-gis-client/pkg/logging"
)

// InitTracing installs a global tracer provider exporting to the configured
// OTLP endpoint. Without tracing or an endpoint it leaves the global no-op
// provider in place. The returned function flushes and stops the provider.
func InitTracing(ctx context.Context, s config.Settings, logger zerolog.Logger) (func(context.Context) error, error) {
	if !s.Tracing || s.TracingEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", logging.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create otel resource: %w", err)
	}

	endpoint := s.TracingEndpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}
	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	ratio := min(max(s.TracingSampleRate, 0), 1)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info().Str("endpoint", s.TracingEndpoint).Float64("sample_rate", ratio).Msg("OpenTelemetry tracing initialized")

	return tp.Shutdown, nil
}
