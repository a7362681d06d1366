// Package config provides the engine's environment-driven configuration,
// in the same shape as this codebase's existing config layer: struct tags
// naming an env var and a default, nested per-component config groups, and
// a three-layer priority of defaults < env vars < functional options.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/logging"
)

// Config holds every tunable of the queue engine.
type Config struct {
	KeyPrefix string `env:"QUEUE_KEY_PREFIX" default:"hqm:"`

	Durable         DurableConfig
	Index           IndexConfig
	Retry           RetryConfig
	RateLimiter     RateLimiterConfig
	CircuitBreaker  CircuitBreakerConfig
	Backpressure    BackpressureConfig
	Worker          WorkerConfig
	Logging         LoggingConfig
	Telemetry       TelemetryConfig

	logger logging.Logger
}

// DurableConfig configures the Postgres-backed Durable Store.
type DurableConfig struct {
	DSN             string        `env:"QUEUE_DB_DSN"`
	MaxOpenConns    int           `env:"QUEUE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `env:"QUEUE_DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `env:"QUEUE_DB_CONN_MAX_LIFETIME" default:"30m"`
}

// IndexConfig configures the Redis-backed Index Store.
type IndexConfig struct {
	RedisURL string `env:"QUEUE_REDIS_URL" default:"redis://localhost:6379/0"`
}

// RetryConfig configures the retry backoff policy (strategy, delays,
// jitter). MaxRetries is not applied to requests: a Request built from an
// EnqueueInput that omits MaxRetries gets queue.DefaultMaxRetries, and the
// worker always uses the Request's own value.
type RetryConfig struct {
	Strategy    string        `env:"QUEUE_RETRY_STRATEGY" default:"exponential"`
	BaseDelay   time.Duration `env:"QUEUE_RETRY_BASE_DELAY" default:"100ms"`
	MaxDelay    time.Duration `env:"QUEUE_RETRY_MAX_DELAY" default:"30s"`
	Jitter      bool          `env:"QUEUE_RETRY_JITTER" default:"true"`
	MaxRetries  int           `env:"QUEUE_MAX_RETRIES" default:"3"`
}

// RateLimiterConfig configures the global/per-host token buckets.
type RateLimiterConfig struct {
	RequestsPerSecond float64 `env:"QUEUE_RATE_RPS" default:"50"`
	RequestsPerMinute float64 `env:"QUEUE_RATE_RPM" default:"0"`
	BurstSize         int     `env:"QUEUE_RATE_BURST" default:"0"`
}

// CircuitBreakerConfig configures the per-host circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold  int           `env:"QUEUE_CB_FAILURE_THRESHOLD" default:"5"`
	ResetTimeout      time.Duration `env:"QUEUE_CB_RESET_TIMEOUT" default:"30s"`
	HalfOpenMaxReqs   int           `env:"QUEUE_CB_HALF_OPEN_MAX" default:"1"`
	SuccessThreshold  int           `env:"QUEUE_CB_SUCCESS_THRESHOLD" default:"1"`
}

// BackpressureConfig configures concurrency gating.
type BackpressureConfig struct {
	MaxConcurrency     int `env:"QUEUE_MAX_CONCURRENCY" default:"100"`
	PerHostConcurrency int `env:"QUEUE_PER_HOST_CONCURRENCY" default:"10"`
}

// WorkerConfig configures worker-pool behaviour.
type WorkerConfig struct {
	PoolSize            int           `env:"QUEUE_WORKER_POOL_SIZE" default:"4"`
	DefaultTimeout      time.Duration `env:"QUEUE_DEFAULT_TIMEOUT" default:"30s"`
	ShutdownTimeout     time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" default:"30s"`
	OrphanSweepInterval time.Duration `env:"QUEUE_ORPHAN_SWEEP_INTERVAL" default:"1m"`
	OrphanThresholdMin  time.Duration `env:"QUEUE_ORPHAN_THRESHOLD_FLOOR" default:"90s"`
	WaitForSlotTimeout  time.Duration `env:"QUEUE_WAIT_FOR_SLOT_TIMEOUT" default:"30s"`
	ScheduleRetryDelay  time.Duration `env:"QUEUE_SCHEDULE_RETRY_DELAY" default:"5s"`
}

// LoggingConfig records the QUEUE_LOG_LEVEL setting. The default
// SimpleLogger (used when none is injected via WithLogger) reads
// QUEUE_LOG_LEVEL from the environment itself; this field is not consulted.
type LoggingConfig struct {
	Level string `env:"QUEUE_LOG_LEVEL" default:"info"`
}

// TelemetryConfig configures the OpenTelemetry trace/metric providers.
// An empty OTLPEndpoint runs in development mode, exporting to stdout
// instead of a collector.
type TelemetryConfig struct {
	ServiceName    string        `env:"QUEUE_SERVICE_NAME" default:"http-queue-manager"`
	OTLPEndpoint   string        `env:"QUEUE_OTEL_ENDPOINT"`
	MetricInterval time.Duration `env:"QUEUE_OTEL_METRIC_INTERVAL" default:"15s"`
}

// Option mutates a Config under construction; applied after defaults and
// env vars, so options always win.
type Option func(*Config)

// DefaultConfig returns a Config with every default value applied, before
// env vars or options.
func DefaultConfig() *Config {
	return &Config{
		KeyPrefix: "hqm:",
		Durable: DurableConfig{
			MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxLifetime: 30 * time.Minute,
		},
		Index: IndexConfig{RedisURL: "redis://localhost:6379/0"},
		Retry: RetryConfig{
			Strategy: "exponential", BaseDelay: 100 * time.Millisecond,
			MaxDelay: 30 * time.Second, Jitter: true, MaxRetries: 3,
		},
		RateLimiter: RateLimiterConfig{RequestsPerSecond: 50},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5, ResetTimeout: 30 * time.Second,
			HalfOpenMaxReqs: 1, SuccessThreshold: 1,
		},
		Backpressure: BackpressureConfig{MaxConcurrency: 100, PerHostConcurrency: 10},
		Worker: WorkerConfig{
			PoolSize: 4, DefaultTimeout: 30 * time.Second, ShutdownTimeout: 30 * time.Second,
			OrphanSweepInterval: time.Minute, OrphanThresholdMin: 90 * time.Second,
			WaitForSlotTimeout: 30 * time.Second, ScheduleRetryDelay: 5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			ServiceName: "http-queue-manager", MetricInterval: 15 * time.Second,
		},
	}
}

// LoadFromEnv overlays environment variables named by this struct's `env`
// tags onto cfg, following the same reflection-free, field-by-field style
// as this codebase's existing config loader.
func (c *Config) LoadFromEnv() error {
	if v, ok := lookup("QUEUE_KEY_PREFIX"); ok {
		c.KeyPrefix = v
	}
	if v, ok := lookup("QUEUE_DB_DSN"); ok {
		c.Durable.DSN = v
	}
	if v, ok := lookupInt("QUEUE_DB_MAX_OPEN_CONNS"); ok {
		c.Durable.MaxOpenConns = v
	}
	if v, ok := lookupInt("QUEUE_DB_MAX_IDLE_CONNS"); ok {
		c.Durable.MaxIdleConns = v
	}
	if v, ok := lookupDuration("QUEUE_DB_CONN_MAX_LIFETIME"); ok {
		c.Durable.ConnMaxLifetime = v
	}
	if v, ok := lookup("QUEUE_REDIS_URL"); ok {
		c.Index.RedisURL = v
	}
	if v, ok := lookup("QUEUE_RETRY_STRATEGY"); ok {
		c.Retry.Strategy = v
	}
	if v, ok := lookupDuration("QUEUE_RETRY_BASE_DELAY"); ok {
		c.Retry.BaseDelay = v
	}
	if v, ok := lookupDuration("QUEUE_RETRY_MAX_DELAY"); ok {
		c.Retry.MaxDelay = v
	}
	if v, ok := lookupBool("QUEUE_RETRY_JITTER"); ok {
		c.Retry.Jitter = v
	}
	if v, ok := lookupInt("QUEUE_MAX_RETRIES"); ok {
		c.Retry.MaxRetries = v
	}
	if v, ok := lookupFloat("QUEUE_RATE_RPS"); ok {
		c.RateLimiter.RequestsPerSecond = v
	}
	if v, ok := lookupFloat("QUEUE_RATE_RPM"); ok {
		c.RateLimiter.RequestsPerMinute = v
	}
	if v, ok := lookupInt("QUEUE_RATE_BURST"); ok {
		c.RateLimiter.BurstSize = v
	}
	if v, ok := lookupInt("QUEUE_CB_FAILURE_THRESHOLD"); ok {
		c.CircuitBreaker.FailureThreshold = v
	}
	if v, ok := lookupDuration("QUEUE_CB_RESET_TIMEOUT"); ok {
		c.CircuitBreaker.ResetTimeout = v
	}
	if v, ok := lookupInt("QUEUE_CB_HALF_OPEN_MAX"); ok {
		c.CircuitBreaker.HalfOpenMaxReqs = v
	}
	if v, ok := lookupInt("QUEUE_CB_SUCCESS_THRESHOLD"); ok {
		c.CircuitBreaker.SuccessThreshold = v
	}
	if v, ok := lookupInt("QUEUE_MAX_CONCURRENCY"); ok {
		c.Backpressure.MaxConcurrency = v
	}
	if v, ok := lookupInt("QUEUE_PER_HOST_CONCURRENCY"); ok {
		c.Backpressure.PerHostConcurrency = v
	}
	if v, ok := lookupInt("QUEUE_WORKER_POOL_SIZE"); ok {
		c.Worker.PoolSize = v
	}
	if v, ok := lookupDuration("QUEUE_DEFAULT_TIMEOUT"); ok {
		c.Worker.DefaultTimeout = v
	}
	if v, ok := lookupDuration("QUEUE_SHUTDOWN_TIMEOUT"); ok {
		c.Worker.ShutdownTimeout = v
	}
	if v, ok := lookupDuration("QUEUE_ORPHAN_SWEEP_INTERVAL"); ok {
		c.Worker.OrphanSweepInterval = v
	}
	if v, ok := lookupDuration("QUEUE_ORPHAN_THRESHOLD_FLOOR"); ok {
		c.Worker.OrphanThresholdMin = v
	}
	if v, ok := lookupDuration("QUEUE_WAIT_FOR_SLOT_TIMEOUT"); ok {
		c.Worker.WaitForSlotTimeout = v
	}
	if v, ok := lookupDuration("QUEUE_SCHEDULE_RETRY_DELAY"); ok {
		c.Worker.ScheduleRetryDelay = v
	}
	if v, ok := lookup("QUEUE_LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := lookup("QUEUE_SERVICE_NAME"); ok {
		c.Telemetry.ServiceName = v
	}
	if v, ok := lookup("QUEUE_OTEL_ENDPOINT"); ok {
		c.Telemetry.OTLPEndpoint = v
	}
	if v, ok := lookupDuration("QUEUE_OTEL_METRIC_INTERVAL"); ok {
		c.Telemetry.MetricInterval = v
	}
	return nil
}

// Validate rejects configurations that would make the engine misbehave in
// ways the spec treats as a ConfigError rather than a runtime fault.
func (c *Config) Validate() error {
	if c.Durable.DSN == "" {
		return fmt.Errorf("config: QUEUE_DB_DSN is required")
	}
	if c.Index.RedisURL == "" {
		return fmt.Errorf("config: QUEUE_REDIS_URL is required")
	}
	if c.Worker.PoolSize <= 0 {
		return fmt.Errorf("config: worker pool size must be positive")
	}
	if c.Backpressure.MaxConcurrency <= 0 {
		return fmt.Errorf("config: max concurrency must be positive")
	}
	if c.RateLimiter.RequestsPerSecond <= 0 {
		return fmt.Errorf("config: requestsPerSecond must be positive")
	}
	switch c.Retry.Strategy {
	case "exponential", "linear", "fixed", "custom":
	default:
		return fmt.Errorf("config: unknown retry strategy %q", c.Retry.Strategy)
	}
	return nil
}

// NewConfig builds a Config from defaults, then env vars, then opts, in
// that priority order, validating the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.NewSimpleLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Logger returns the configured logger, defaulting to a SimpleLogger if
// WithLogger was never called.
func (c *Config) Logger() logging.Logger {
	if c.logger == nil {
		return logging.NewSimpleLogger()
	}
	return c.logger
}

func WithLogger(l logging.Logger) Option {
	return func(c *Config) { c.logger = l }
}

func WithKeyPrefix(prefix string) Option {
	return func(c *Config) { c.KeyPrefix = prefix }
}

func WithDSN(dsn string) Option {
	return func(c *Config) { c.Durable.DSN = dsn }
}

func WithRedisURL(url string) Option {
	return func(c *Config) { c.Index.RedisURL = url }
}

func WithMaxConcurrency(n int) Option {
	return func(c *Config) { c.Backpressure.MaxConcurrency = n }
}

func WithPerHostConcurrency(n int) Option {
	return func(c *Config) { c.Backpressure.PerHostConcurrency = n }
}

func WithRateLimit(rps float64, burst int) Option {
	return func(c *Config) {
		c.RateLimiter.RequestsPerSecond = rps
		c.RateLimiter.BurstSize = burst
	}
}

func WithCircuitBreaker(failureThreshold int, resetTimeout time.Duration) Option {
	return func(c *Config) {
		c.CircuitBreaker.FailureThreshold = failureThreshold
		c.CircuitBreaker.ResetTimeout = resetTimeout
	}
}

func WithRetry(strategy string, baseDelay, maxDelay time.Duration, maxRetries int, jitter bool) Option {
	return func(c *Config) {
		c.Retry.Strategy = strategy
		c.Retry.BaseDelay = baseDelay
		c.Retry.MaxDelay = maxDelay
		c.Retry.MaxRetries = maxRetries
		c.Retry.Jitter = jitter
	}
}

func WithWorkerPoolSize(n int) Option {
	return func(c *Config) { c.Worker.PoolSize = n }
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func lookupInt(key string) (int, bool) {
	v, ok := lookup(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupFloat(key string) (float64, bool) {
	v, ok := lookup(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func lookupBool(key string) (bool, bool) {
	v, ok := lookup(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func lookupDuration(key string) (time.Duration, bool) {
	v, ok := lookup(key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
