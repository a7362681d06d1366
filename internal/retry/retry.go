// Package retry implements the two pure functions the spec's Retry Policy
// requires: delayFor (next-retry delay) and shouldRetry (retry/give-up
// decision). Unlike the teacher's resilience/retry.go, which couples
// backoff math directly into an imperative retry loop, these are kept pure
// and side-effect free so the Worker can call them independently and tests
// can assert on them without executing anything. Jitter's randomness is
// injected (see Config.Rand) rather than read from a package-level global,
// per the spec's re-architecture note on determinism in tests.
package retry

import (
	"math"
	"net"
	"strings"

	"github.com/aneuhaus/http-queue-manager/internal/queueerr"
)

// Strategy selects the backoff shape delayFor applies.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear       Strategy = "linear"
	StrategyFixed        Strategy = "fixed"
	StrategyCustom       Strategy = "custom"
)

// CustomDelayFunc computes a delay for a caller-supplied strategy.
type CustomDelayFunc func(attempt int) int64

// RetryOnPredicate decides retryability from a status/error pair, when the
// caller wants full control instead of a static status-code set.
type RetryOnPredicate func(statusCode int, err error) bool

// Config parameterizes both delayFor and shouldRetry.
type Config struct {
	Strategy    Strategy
	BaseDelayMs int64
	MaxDelayMs  int64
	Jitter      bool
	MaxRetries  int

	// CustomDelay is required when Strategy == StrategyCustom.
	CustomDelay CustomDelayFunc

	// RetryOn overrides the default retryable-status-code set. At most one
	// of RetryOnCodes/RetryOnPredicate should be set; predicate wins if both
	// are.
	RetryOnCodes     map[int]bool
	RetryOnPredicate RetryOnPredicate

	// Rand returns a uniform float64 in [0,1); injected for deterministic
	// tests instead of reading math/rand's global source.
	Rand func() float64
}

var defaultRetryableStatus = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

// DelayFor computes the millisecond delay to wait before retrying, given
// the 1-based attempt number that just completed. Returns a ConfigError if
// Strategy is StrategyCustom and CustomDelay is nil.
func DelayFor(attempt int, cfg Config) (int64, error) {
	var delay int64
	switch cfg.Strategy {
	case StrategyLinear:
		delay = minInt64(cfg.BaseDelayMs*int64(attempt), cfg.MaxDelayMs)
	case StrategyFixed:
		delay = cfg.BaseDelayMs
	case StrategyCustom:
		if cfg.CustomDelay == nil {
			return 0, queueerr.Wrap("delayFor", queueerr.KindConfig, "", errNoCustomDelay)
		}
		delay = cfg.CustomDelay(attempt)
	case StrategyExponential, "":
		factor := math.Pow(2, float64(attempt-1))
		delay = minInt64(int64(float64(cfg.BaseDelayMs)*factor), cfg.MaxDelayMs)
	default:
		return 0, queueerr.Wrap("delayFor", queueerr.KindConfig, "", errUnknownStrategy)
	}

	if cfg.Jitter {
		r := 0.5
		if cfg.Rand != nil {
			r = cfg.Rand()
		}
		factor := 0.75 + r*0.5 // uniform in [0.75, 1.25]
		delay = int64(math.Round(float64(delay) * factor))
		if delay < 0 {
			delay = 0
		}
	}
	if cfg.MaxDelayMs > 0 && delay > cfg.MaxDelayMs {
		delay = cfg.MaxDelayMs
	}
	return delay, nil
}

// ShouldRetry decides whether a failed attempt should be retried. statusCode
// is 0 when no HTTP response was received (transport failure); err carries
// the transport error in that case.
func ShouldRetry(statusCode int, err error, attempt int, cfg Config) bool {
	if attempt >= cfg.MaxRetries {
		return false
	}

	if cfg.RetryOnPredicate != nil {
		return cfg.RetryOnPredicate(statusCode, err)
	}

	if statusCode == 0 {
		if err == nil {
			return false
		}
		return isRetryableTransportError(err)
	}

	if cfg.RetryOnCodes != nil {
		return cfg.RetryOnCodes[statusCode]
	}
	return defaultRetryableStatus[statusCode]
}

func isRetryableTransportError(err error) bool {
	if err == nil {
		return false
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection reset", "connection refused", "timeout",
		"no such host", "broken pipe", "host unreachable", "network unreachable",
		"i/o timeout", "context deadline exceeded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func minInt64(a, b int64) int64 {
	if b > 0 && a > b {
		return b
	}
	return a
}
