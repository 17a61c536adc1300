package tracing

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/kenneth/sealed-store/internal/config"
)

func restoreProvider(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
}

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.NotNil(t, otel.GetTextMapPropagator())
}

func TestSetup_Stdout(t *testing.T) {
	restoreProvider(t)
	var buf bytes.Buffer

	shutdown, err := Setup(context.Background(), config.TracingConfig{
		Enabled:        true,
		ServiceName:    "sealed-store-test",
		ServiceVersion: "test",
		Exporter:       "stdout",
		SamplingRatio:  1.0,
	}, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "SaveSecret")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "SaveSecret")
	assert.Contains(t, buf.String(), "sealed-store-test")
}

func TestSetup_OTLP(t *testing.T) {
	restoreProvider(t)

	// The gRPC exporter connects lazily, so no collector is needed.
	shutdown, err := Setup(context.Background(), config.TracingConfig{
		Enabled:       true,
		ServiceName:   "sealed-store-test",
		Exporter:      "otlp",
		OtlpEndpoint:  "127.0.0.1:4317",
		SamplingRatio: 0.5,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}

func TestSetup_UnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "zipkin"}, nil)
	assert.Error(t, err)
}
