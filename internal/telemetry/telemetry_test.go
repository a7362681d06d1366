package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aneuhaus/http-queue-manager/internal/config"
)

func TestNewDevModeUsesStdoutExporters(t *testing.T) {
	cfg := config.TelemetryConfig{ServiceName: "test-service", MetricInterval: 50 * time.Millisecond}
	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, p.Shutdown(ctx))
	}()
}

func TestRegisterQueueDepthCallbackIsReadable(t *testing.T) {
	cfg := config.TelemetryConfig{ServiceName: "test-service", MetricInterval: 50 * time.Millisecond}
	p, err := New(context.Background(), cfg)
	require.NoError(t, err)

	calls := 0
	err = p.RegisterQueueDepthCallback(func(ctx context.Context) (int64, error) {
		calls++
		return 7, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestShutdownOnNilProviderIsNoOp(t *testing.T) {
	var p *Provider
	require.NoError(t, p.Shutdown(context.Background()))
	require.NotNil(t, p.Tracer())
}
