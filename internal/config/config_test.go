package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigPassesValidateWithDSNAndRedis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Durable.DSN = "postgres://localhost/queue"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingDSN(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownRetryStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Durable.DSN = "postgres://localhost/queue"
	cfg.Retry.Strategy = "bogus"
	require.Error(t, cfg.Validate())
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("QUEUE_MAX_CONCURRENCY", "250")
	t.Setenv("QUEUE_RETRY_BASE_DELAY", "250ms")
	t.Setenv("QUEUE_RETRY_JITTER", "false")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())
	require.Equal(t, 250, cfg.Backpressure.MaxConcurrency)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	require.False(t, cfg.Retry.Jitter)
}

func TestLoadFromEnvIgnoresUnsetVars(t *testing.T) {
	os.Unsetenv("QUEUE_WORKER_POOL_SIZE")
	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())
	require.Equal(t, 4, cfg.Worker.PoolSize)
}

func TestNewConfigAppliesOptionsAfterEnv(t *testing.T) {
	t.Setenv("QUEUE_DB_DSN", "postgres://localhost/queue")
	t.Setenv("QUEUE_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("QUEUE_MAX_CONCURRENCY", "10")

	cfg, err := NewConfig(WithMaxConcurrency(500))
	require.NoError(t, err)
	require.Equal(t, 500, cfg.Backpressure.MaxConcurrency, "explicit option must win over env")
}

func TestNewConfigFailsValidationWithoutDSN(t *testing.T) {
	os.Unsetenv("QUEUE_DB_DSN")
	t.Setenv("QUEUE_REDIS_URL", "redis://localhost:6379/0")
	_, err := NewConfig()
	require.Error(t, err)
}

func TestLoggerDefaultsWhenUnset(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg.Logger())
}
