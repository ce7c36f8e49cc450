package transport

import (
	"testing"
	"time"

	"github.com/veilhttp/veilhttp/neterror"
)

func TestRetryableOnlyOnReusedSockets(t *testing.T) {
	err := neterror.New(neterror.KindConnectionReset, "send")

	if !Retryable(err, true) {
		t.Error("ConnectionReset on reused socket not retryable")
	}
	if Retryable(err, false) {
		t.Error("ConnectionReset on fresh socket retryable")
	}
}

func TestRetryableKinds(t *testing.T) {
	retryable := []neterror.Kind{
		neterror.KindConnectionReset,
		neterror.KindConnectionClosed,
		neterror.KindEmptyResponse,
		neterror.KindSocketNotConnected,
		neterror.KindHTTPRequestTimeout,
	}
	for _, k := range retryable {
		if !Retryable(neterror.New(k, "send"), true) {
			t.Errorf("%v not retryable", k)
		}
	}

	terminal := []neterror.Kind{
		neterror.KindTLSHandshakeFailed,
		neterror.KindPinnedKeyNotInChain,
		neterror.KindTooManyRedirects,
		neterror.KindContentLengthMismatch,
		neterror.KindInvalidURL,
	}
	for _, k := range terminal {
		if Retryable(neterror.New(k, "send"), true) {
			t.Errorf("%v retryable, want terminal", k)
		}
	}
}

func TestBackoffExponentialAndCapped(t *testing.T) {
	c := RetryConfig{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}

	if got := c.Backoff(0); got != 0 {
		t.Errorf("Backoff(0) = %v", got)
	}
	if got := c.Backoff(1); got != 100*time.Millisecond {
		t.Errorf("Backoff(1) = %v", got)
	}
	if got := c.Backoff(2); got != 200*time.Millisecond {
		t.Errorf("Backoff(2) = %v", got)
	}
	if got := c.Backoff(3); got != 300*time.Millisecond {
		t.Errorf("Backoff(3) = %v, want capped at 300ms", got)
	}
	if got := c.Backoff(10); got != 300*time.Millisecond {
		t.Errorf("Backoff(10) = %v, want capped", got)
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	c := DefaultRetryConfig()
	for i := 0; i < 100; i++ {
		d := c.Backoff(2)
		base := 200 * time.Millisecond
		lo := time.Duration(float64(base) * 0.9)
		hi := time.Duration(float64(base) * 1.1)
		if d < lo || d > hi {
			t.Fatalf("Backoff(2) = %v, want within +/-10%% of %v", d, base)
		}
	}
}
