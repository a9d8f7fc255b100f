package otelx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("OTEL_SAMPLING_RATIO", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg, err := ConfigFromEnv("scheduling-service")
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRatio)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)

	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_SAMPLING_RATIO", "0.25")
	cfg, err = ConfigFromEnv("scheduling-service")
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 0.25, cfg.SampleRatio)
}

func TestConfigFromEnv_Rejects(t *testing.T) {
	t.Setenv("OTEL_SAMPLING_RATIO", "2")
	_, err := ConfigFromEnv("x")
	assert.Error(t, err)

	t.Setenv("OTEL_SAMPLING_RATIO", "")
	t.Setenv("OTEL_ENABLED", "maybe")
	_, err = ConfigFromEnv("x")
	assert.Error(t, err)
}

func TestSetupDisabledInstallsPropagators(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: false, ServiceName: "x"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	assert.ElementsMatch(t, []string{"traceparent", "tracestate", "baggage"}, otel.GetTextMapPropagator().Fields())
}
