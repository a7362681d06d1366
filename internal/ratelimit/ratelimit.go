// Package ratelimit implements the spec's token-bucket Rate Limiter,
// backed by the Index Store's Redis client for cross-process consistency.
// The refill-and-consume step is a single Lua script so concurrent workers
// never race on a bucket's tokens/lastUpdate pair, following the same
// redis.Eval compare-and-act idiom the index package uses for its queue
// operations.
package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/aneuhaus/http-queue-manager/internal/queueerr"
)

// Config parameterizes the global bucket; per-host buckets are derived
// from it per §4.4 (rate = ceil(rps/10), burst = ceil(burst/5)).
type Config struct {
	RequestsPerSecond float64
	BurstSize         int
}

func (c Config) burst() int {
	if c.BurstSize > 0 {
		return c.BurstSize
	}
	return int(math.Ceil(1.5 * c.RequestsPerSecond))
}

func (c Config) hostRate() float64 { return math.Ceil(c.RequestsPerSecond / 10) }
func (c Config) hostBurst() int    { return int(math.Ceil(float64(c.burst()) / 5)) }

// Limiter is the Redis-backed token-bucket rate limiter.
type Limiter struct {
	client *redis.Client
	prefix string
	cfg    Config
}

// New constructs a Limiter over client using the given key prefix (matching
// the Index Store's `ratelimit:{scope}` key layout from §6) and config.
func New(client *redis.Client, prefix string, cfg Config) *Limiter {
	return &Limiter{client: client, prefix: prefix, cfg: cfg}
}

// Decision is the outcome of a single scope check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// bucketScript implements the exact refill-then-consume algorithm from
// §4.4: read (tokens, lastUpdate) defaulting to (burst, now); refill
// bounded by burst; consume one token if available and persist with a 60s
// TTL, else compute the wait time for one token to become available.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'tokens', 'last_update')
local tokens = tonumber(data[1])
local lastUpdate = tonumber(data[2])
if tokens == nil then
	tokens = burst
	lastUpdate = now
end

local elapsed = now - lastUpdate
if elapsed < 0 then elapsed = 0 end
tokens = math.min(burst, tokens + (elapsed * rate / 1000))

if tokens >= 1 then
	tokens = tokens - 1
	redis.call('HMSET', key, 'tokens', tokens, 'last_update', now)
	redis.call('EXPIRE', key, 60)
	return {1, 0}
else
	local waitMs = math.ceil((1 - tokens) / rate * 1000)
	redis.call('HMSET', key, 'tokens', tokens, 'last_update', now)
	redis.call('EXPIRE', key, 60)
	return {0, waitMs}
end
`)

func (l *Limiter) consume(ctx context.Context, scopeKey string, rate float64, burst int, now time.Time) (Decision, error) {
	res, err := bucketScript.Run(ctx, l.client,
		[]string{l.prefix + "ratelimit:" + scopeKey},
		now.UnixMilli(), rate, burst,
	).Slice()
	if err != nil {
		return Decision{}, queueerr.Wrap("ratelimit", queueerr.KindIndex, scopeKey, err)
	}
	allowed, _ := res[0].(int64)
	waitMs, _ := res[1].(int64)
	return Decision{Allowed: allowed == 1, RetryAfter: time.Duration(waitMs) * time.Millisecond}, nil
}

// Acquire consumes one global token, then (if host != "") one host token.
// A denial at either scope returns that scope's retry delay without
// consuming further tokens.
func (l *Limiter) Acquire(ctx context.Context, host string, now time.Time) (Decision, error) {
	global, err := l.consume(ctx, "global", l.cfg.RequestsPerSecond, l.cfg.burst(), now)
	if err != nil {
		return Decision{}, err
	}
	if !global.Allowed {
		return global, nil
	}
	if host == "" {
		return global, nil
	}
	return l.consume(ctx, "host:"+host, l.cfg.hostRate(), l.cfg.hostBurst(), now)
}

// WaitForToken polls Acquire, sleeping the returned RetryAfter between
// attempts, until allowed or maxWait elapses.
func (l *Limiter) WaitForToken(ctx context.Context, host string, maxWait time.Duration, now func() time.Time) (bool, error) {
	deadline := now().Add(maxWait)
	for {
		d, err := l.Acquire(ctx, host, now())
		if err != nil {
			return false, err
		}
		if d.Allowed {
			return true, nil
		}
		wait := d.RetryAfter
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		if now().Add(wait).After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
	}
}
