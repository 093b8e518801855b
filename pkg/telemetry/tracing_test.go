package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Sternrassler/stlco-gis-client/pkg/config"
)

func TestInitTracing_Disabled(t *testing.T) {
	before := otel.GetTracerProvider()

	for _, s := range []config.Settings{
		config.DefaultSettings(),
		func() config.Settings { s := config.DefaultSettings(); s.Tracing = true; return s }(),
	} {
		shutdown, err := InitTracing(context.Background(), s, zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, shutdown(context.Background()))
		require.Equal(t, before, otel.GetTracerProvider())
	}
}

func TestInitTracing_Enabled(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	s := config.DefaultSettings()
	s.Tracing = true
	s.TracingEndpoint = "localhost:4318"
	s.TracingSampleRate = 0.5

	shutdown, err := InitTracing(context.Background(), s, zerolog.Nop())
	require.NoError(t, err)

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	require.True(t, ok, "expected the SDK tracer provider to be installed")

	// No spans were recorded, so shutdown does not reach the endpoint.
	require.NoError(t, shutdown(context.Background()))
}
