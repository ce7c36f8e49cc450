package transport

import (
	"math/rand"
	"time"

	"github.com/veilhttp/veilhttp/neterror"
)

// RetryConfig tunes the reused-socket retry loop.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the initial
	// one. Values of 1 or less disable retries.
	MaxAttempts int
	// BaseDelay is the first backoff step.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// Jitter is the +/- randomization fraction applied to each delay.
	Jitter float64
}

// DefaultRetryConfig matches the reference browser: 3 attempts, 100 ms base,
// 5 s cap, 10% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.1,
	}
}

// NoRetry disables retries.
func NoRetry() RetryConfig {
	return RetryConfig{}
}

// Retryable reports whether a failure justifies one more attempt. Only
// failures on a socket reused from the pool qualify: a dead
// keep-alive connection is an expected hazard, a fresh connection failing
// the same way is not.
func Retryable(err error, reusedSocket bool) bool {
	if !reusedSocket {
		return false
	}
	switch neterror.KindOf(err) {
	case neterror.KindConnectionReset,
		neterror.KindConnectionClosed,
		neterror.KindEmptyResponse,
		neterror.KindSocketNotConnected,
		neterror.KindHTTPRequestTimeout:
		return true
	default:
		return false
	}
}

// Backoff returns the delay before the given retry attempt (1-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}
	delay := c.BaseDelay << shift
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter > 0 {
		spread := float64(delay) * c.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
