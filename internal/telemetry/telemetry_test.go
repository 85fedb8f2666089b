package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/Iron-Ham/keyforge/internal/config"
)

func TestConfigFrom(t *testing.T) {
	c := config.Default().Telemetry
	got := ConfigFrom(c)
	assert.False(t, got.Enabled)
	assert.Equal(t, 10*time.Second, got.ExportInterval)
}

func TestSetupDisabled(t *testing.T) {
	p, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	assert.Nil(t, p.LogHandler())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetupExportsAllSignals(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	p, err := Setup(ctx, Config{Enabled: true, BridgeLogs: true, Writer: &buf, ExportInterval: time.Hour})
	require.NoError(t, err)

	ctr, err := otel.Meter("telemetry-test").Int64Counter("test.counter")
	require.NoError(t, err)
	ctr.Add(ctx, 3)

	_, span := otel.Tracer("telemetry-test").Start(ctx, "test-span")
	span.End()

	require.NotNil(t, p.LogHandler())
	slog.New(p.LogHandler()).Info("bridged message")

	require.NoError(t, p.Shutdown(ctx))
	require.NoError(t, p.Shutdown(ctx))

	out := buf.String()
	assert.Contains(t, out, "test.counter")
	assert.Contains(t, out, "test-span")
	assert.Contains(t, out, "bridged message")
	assert.Contains(t, out, ServiceName)
}
