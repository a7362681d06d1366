// Package backpressure composes in-process concurrency counters, the
// token-bucket rate limiter and the circuit breaker into the single
// admission decision the spec's Worker consults before executing a
// request. This package has no direct teacher analog (the teacher has no
// composite admission gate), so its concurrency-counter bookkeeping is
// grounded in the orchestration package's atomic active-count pattern and
// its wait/poll loop in the resilience package's timeout-bounded select.
package backpressure

import (
	"context"
	"sync"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/breaker"
	"github.com/aneuhaus/http-queue-manager/internal/ratelimit"
)

// DenyReason names why an admission check failed.
type DenyReason string

const (
	DenyNone        DenyReason = ""
	DenyConcurrency DenyReason = "concurrency"
	DenyCircuitOpen DenyReason = "circuit-open"
	DenyRateLimit   DenyReason = "rate-limit"
)

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed    bool
	Reason     DenyReason
	RetryAfter time.Duration
}

// Config bounds total and per-host in-flight concurrency.
type Config struct {
	MaxConcurrency     int
	PerHostConcurrency int
}

// Controller is the Backpressure Controller from §4.6.
type Controller struct {
	cfg     Config
	breaker *breaker.Breaker
	limiter *ratelimit.Limiter

	mu           sync.Mutex
	totalActive  int
	activeByHost map[string]int
}

// New constructs a Controller over the given circuit breaker and rate
// limiter instances.
func New(cfg Config, b *breaker.Breaker, l *ratelimit.Limiter) *Controller {
	return &Controller{cfg: cfg, breaker: b, limiter: l, activeByHost: make(map[string]int)}
}

// CanProceed performs the five-step composite admission check from §4.6.
func (c *Controller) CanProceed(ctx context.Context, host string, now time.Time) (Decision, error) {
	c.mu.Lock()
	total := c.totalActive
	perHost := c.activeByHost[host]
	c.mu.Unlock()

	if total >= c.cfg.MaxConcurrency {
		return Decision{Reason: DenyConcurrency}, nil
	}
	if c.cfg.PerHostConcurrency > 0 && perHost >= c.cfg.PerHostConcurrency {
		return Decision{Reason: DenyConcurrency}, nil
	}

	if c.breaker != nil {
		st, err := c.breaker.IsAllowed(ctx, host, now)
		if err != nil {
			return Decision{}, err
		}
		if !st.Allowed {
			return Decision{Reason: DenyCircuitOpen, RetryAfter: st.TimeUntilReset}, nil
		}
	}

	if c.limiter != nil {
		d, err := c.limiter.Acquire(ctx, host, now)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			return Decision{Reason: DenyRateLimit, RetryAfter: d.RetryAfter}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// WaitForSlot polls CanProceed until admitted or maxWait elapses. Sleep
// granularity depends on the denial reason: concurrency denials poll every
// 50ms; rate-limit and circuit-open denials sleep the returned RetryAfter.
func (c *Controller) WaitForSlot(ctx context.Context, host string, maxWait time.Duration, now func() time.Time) (bool, error) {
	deadline := now().Add(maxWait)
	for {
		d, err := c.CanProceed(ctx, host, now())
		if err != nil {
			return false, err
		}
		if d.Allowed {
			return true, nil
		}
		wait := 50 * time.Millisecond
		if d.Reason == DenyRateLimit || d.Reason == DenyCircuitOpen {
			wait = d.RetryAfter
			if wait <= 0 {
				wait = 50 * time.Millisecond
			}
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

// Acquire increments the in-process concurrency counters for host.
func (c *Controller) Acquire(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalActive++
	c.activeByHost[host]++
}

// Release decrements the in-process concurrency counters for host,
// saturating at 0 and removing zero entries.
func (c *Controller) Release(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.totalActive > 0 {
		c.totalActive--
	}
	if n, ok := c.activeByHost[host]; ok {
		if n <= 1 {
			delete(c.activeByHost, host)
		} else {
			c.activeByHost[host] = n - 1
		}
	}
}

// RecordSuccess forwards a successful outcome to the circuit breaker.
func (c *Controller) RecordSuccess(ctx context.Context, host string, now time.Time) error {
	if c.breaker == nil {
		return nil
	}
	return c.breaker.RecordSuccess(ctx, host, now)
}

// RecordFailure forwards a failed outcome to the circuit breaker.
func (c *Controller) RecordFailure(ctx context.Context, host string, now time.Time) error {
	if c.breaker == nil {
		return nil
	}
	return c.breaker.RecordFailure(ctx, host, now)
}

// State is a snapshot for getBackpressureState.
type State struct {
	TotalActive    int
	MaxConcurrency int
	ActiveByHost   map[string]int
}

// Snapshot returns the current in-process concurrency state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	byHost := make(map[string]int, len(c.activeByHost))
	for k, v := range c.activeByHost {
		byHost[k] = v
	}
	return State{TotalActive: c.totalActive, MaxConcurrency: c.cfg.MaxConcurrency, ActiveByHost: byHost}
}
