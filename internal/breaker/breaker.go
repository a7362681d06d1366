// Package breaker implements the spec's per-host three-state circuit
// breaker (closed / open / half-open), persisted in the Index Store's
// Redis client so state survives process restarts and is shared across
// worker processes — generalized from this codebase's resilience package,
// which keeps a single in-process CircuitBreaker instance, to a host-keyed
// breaker backed by a `cb:{host}` hash per host.
package breaker

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/aneuhaus/http-queue-manager/internal/logging"
	"github.com/aneuhaus/http-queue-manager/internal/queueerr"
)

// State is one of the three admission states from §4.5.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

const stateTTL = 5 * time.Minute

// Config parameterizes a Breaker.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenMaxReqs  int
	SuccessThreshold int
}

// Breaker is the Redis-backed, host-keyed circuit breaker.
type Breaker struct {
	client *redis.Client
	prefix string
	cfg    Config
	logger logging.Logger
}

// New constructs a Breaker over client using the Index Store's key prefix.
func New(client *redis.Client, prefix string, cfg Config, logger logging.Logger) *Breaker {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cal, ok := logger.(logging.ComponentAwareLogger); ok {
		logger = cal.WithComponent("queue/breaker")
	}
	return &Breaker{client: client, prefix: prefix, cfg: cfg, logger: logger}
}

func (b *Breaker) key(host string) string { return b.prefix + "cb:" + host }

// Status is the observable state of a host's breaker.
type Status struct {
	Allowed        bool
	State          State
	TimeUntilReset time.Duration
}

// admitScript performs isAllowed's full decision, including the open ->
// half-open transition as a side effect, atomically: read the hash, decide
// admission per §4.5's table, write back any state transition, and return
// the resulting (allowed, state, failures, successes, state_changed_at).
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local resetTimeoutMs = tonumber(ARGV[2])
local halfOpenMax = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'state', 'failures', 'successes', 'state_changed_at')
local state = data[1] or 'closed'
local failures = tonumber(data[2]) or 0
local successes = tonumber(data[3]) or 0
local changedAt = tonumber(data[4]) or now

if state == 'closed' then
	return {1, state, failures, successes, changedAt}
elseif state == 'open' then
	if now - changedAt >= resetTimeoutMs then
		state = 'half-open'
		failures = 0
		successes = 0
		changedAt = now
		redis.call('HMSET', key, 'state', state, 'failures', failures, 'successes', successes, 'state_changed_at', changedAt)
		redis.call('EXPIRE', key, 300)
		return {1, state, failures, successes, changedAt}
	end
	return {0, state, failures, successes, changedAt}
else
	if (successes + failures) < halfOpenMax then
		return {1, state, failures, successes, changedAt}
	end
	return {0, state, failures, successes, changedAt}
end
`)

// IsAllowed reports whether a request to host may proceed, performing the
// open -> half-open transition as a side effect per §4.5.
func (b *Breaker) IsAllowed(ctx context.Context, host string, now time.Time) (Status, error) {
	res, err := admitScript.Run(ctx, b.client, []string{b.key(host)},
		now.UnixMilli(), b.cfg.ResetTimeout.Milliseconds(), b.cfg.HalfOpenMaxReqs,
	).Slice()
	if err != nil {
		return Status{}, queueerr.Wrap("isAllowed", queueerr.KindIndex, host, err)
	}
	allowed, _ := res[0].(int64)
	state := State(res[1].(string))
	changedAt, _ := res[4].(int64)

	st := Status{Allowed: allowed == 1, State: state}
	if state == StateOpen {
		elapsed := now.Sub(time.UnixMilli(changedAt))
		remaining := b.cfg.ResetTimeout - elapsed
		if remaining < 0 {
			remaining = 0
		}
		st.TimeUntilReset = remaining
	}
	return st, nil
}

// recordScript applies a success/failure outcome per §4.5's transition
// table. isSuccess is 1 for success, 0 for failure.
var recordScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local isSuccess = tonumber(ARGV[2])
local failureThreshold = tonumber(ARGV[3])
local successThreshold = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'state', 'failures', 'successes')
local state = data[1] or 'closed'
local failures = tonumber(data[2]) or 0
local successes = tonumber(data[3]) or 0

if state == 'closed' then
	if isSuccess == 1 then
		failures = 0
	else
		failures = failures + 1
		if failures >= failureThreshold then
			state = 'open'
			failures = 0
			successes = 0
			redis.call('HMSET', key, 'state', state, 'failures', failures, 'successes', successes, 'state_changed_at', now)
			redis.call('EXPIRE', key, 300)
			return {state}
		end
	end
elseif state == 'half-open' then
	if isSuccess == 1 then
		successes = successes + 1
		if successes >= successThreshold then
			state = 'closed'
			failures = 0
			successes = 0
			redis.call('HMSET', key, 'state', state, 'failures', failures, 'successes', successes, 'state_changed_at', now)
			redis.call('EXPIRE', key, 300)
			return {state}
		end
	else
		state = 'open'
		failures = 0
		successes = 0
		redis.call('HMSET', key, 'state', state, 'failures', failures, 'successes', successes, 'state_changed_at', now)
		redis.call('EXPIRE', key, 300)
		return {state}
	end
end

redis.call('HMSET', key, 'state', state, 'failures', failures, 'successes', successes)
redis.call('EXPIRE', key, 300)
return {state}
`)

// RecordSuccess applies a successful outcome for host.
func (b *Breaker) RecordSuccess(ctx context.Context, host string, now time.Time) error {
	return b.record(ctx, host, true, now)
}

// RecordFailure applies a failed outcome for host.
func (b *Breaker) RecordFailure(ctx context.Context, host string, now time.Time) error {
	return b.record(ctx, host, false, now)
}

func (b *Breaker) record(ctx context.Context, host string, success bool, now time.Time) error {
	isSuccess := 0
	if success {
		isSuccess = 1
	}
	if err := recordScript.Run(ctx, b.client, []string{b.key(host)},
		now.UnixMilli(), isSuccess, b.cfg.FailureThreshold, b.cfg.SuccessThreshold,
	).Err(); err != nil {
		return queueerr.Wrap("recordOutcome", queueerr.KindIndex, host, err)
	}
	return nil
}

// Reset forces host's breaker closed.
func (b *Breaker) Reset(ctx context.Context, host string, now time.Time) error {
	if err := b.client.HSet(ctx, b.key(host),
		"state", string(StateClosed), "failures", 0, "successes", 0, "state_changed_at", now.UnixMilli(),
	).Err(); err != nil {
		return queueerr.Wrap("reset", queueerr.KindIndex, host, err)
	}
	b.client.Expire(ctx, b.key(host), stateTTL)
	return nil
}

// GetState returns the observed state without performing the open ->
// half-open admission side effect, additionally reporting TimeUntilReset
// when open, per §4.5.
func (b *Breaker) GetState(ctx context.Context, host string, now time.Time) (Status, error) {
	vals, err := b.client.HMGet(ctx, b.key(host), "state", "state_changed_at").Result()
	if err != nil {
		return Status{}, queueerr.Wrap("getState", queueerr.KindIndex, host, err)
	}
	state := StateClosed
	if vals[0] != nil {
		state = State(vals[0].(string))
	}
	st := Status{State: state, Allowed: state != StateOpen}
	if state == StateOpen && vals[1] != nil {
		changedAtMs, _ := toInt64(vals[1])
		elapsed := now.Sub(time.UnixMilli(changedAtMs))
		remaining := b.cfg.ResetTimeout - elapsed
		if remaining < 0 {
			remaining = 0
		}
		st.TimeUntilReset = remaining
	}
	return st, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	case int64:
		return t, true
	default:
		return 0, false
	}
}
