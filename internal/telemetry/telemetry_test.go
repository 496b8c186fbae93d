package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nateschmiedehaus/librarian/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = false

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, tel)

	// No-op providers, no log bridge, not enabled.
	assert.NotNil(t, tel.Tracer("librarian.engine"))
	assert.NotNil(t, tel.Meter("librarian.engine"))
	assert.Nil(t, tel.LoggerProvider())
	assert.False(t, tel.IsEnabled())

	health := tel.Health()
	assert.True(t, health.Healthy)
	assert.False(t, health.Degraded)
}

func TestNew_InvalidConfig(t *testing.T) {
	tel, err := New(context.Background(), &Config{Enabled: true})
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.Tracer("x")
		_ = tel.Meter("x")
		_ = tel.LoggerProvider()
		_ = tel.Health()
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})

	health := tel.Health()
	assert.False(t, health.Healthy)
	assert.True(t, health.Degraded)
}

func TestTelemetry_Shutdown(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = false
	cfg.Shutdown.Timeout = config.Duration(100 * time.Millisecond)

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
	assert.False(t, tel.IsEnabled())
}

func TestTelemetry_ForceFlushDisabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = false

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, tel.ForceFlush(context.Background()))
}

func TestTestTelemetry_SpanRecording(t *testing.T) {
	tt := NewTestTelemetry()
	assert.True(t, tt.IsEnabled())

	tracer := tt.Tracer("librarian.engine")
	_, span := tracer.Start(context.Background(), "run")
	span.SetAttributes(
		attribute.String("composition.id", "triangulate"),
		attribute.Int64("steps", 3),
		attribute.Bool("converged", true),
	)
	span.End()

	tt.AssertSpanExists(t, "run")
	tt.AssertSpanAttribute(t, "run", "composition.id", "triangulate")
	tt.AssertSpanAttribute(t, "run", "steps", int64(3))
	tt.AssertSpanAttribute(t, "run", "converged", true)

	assert.Nil(t, tt.SpanByName("never-started"))
}

func TestTestTelemetry_MeterRecording(t *testing.T) {
	tt := NewTestTelemetry()

	meter := tt.Meter("librarian.engine")
	counter, err := meter.Int64Counter("librarian.engine.executions")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	counter.Add(context.Background(), 2)

	require.NoError(t, tt.MetricReader.ForceFlush(context.Background()))
	assert.NotEmpty(t, tt.MetricReader.Metrics())
}

func TestTestTelemetry_Shutdown(t *testing.T) {
	tt := NewTestTelemetry()

	_, span := tt.Tracer("librarian.engine").Start(context.Background(), "run")
	span.End()

	require.NoError(t, tt.Shutdown(context.Background()))
	assert.False(t, tt.Health().Healthy)
	require.NoError(t, tt.MetricReader.Shutdown(context.Background()))
}
