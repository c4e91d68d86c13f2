package upload

import (
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryPolicy controls how a failed upload is retried.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
	// Multiplier is applied to the delay after each retry.
	Multiplier float64
	// Jitter is a random factor (0-1) applied to each delay.
	Jitter float64
}

// DefaultRetryPolicy: 3 attempts, 500ms initial delay, 10s max, 2x multiplier, 10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// NextDelay returns the delay before retry number attempt (1-indexed).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		delay = time.Duration(float64(delay) * (1 - p.Jitter + 2*p.Jitter*rand.Float64()))
	}
	return delay
}

// ShouldRetry reports whether attempt, which just failed with status, is
// followed by another. Status 0 means the request never got a response.
func (p RetryPolicy) ShouldRetry(attempt, status int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	switch {
	case status == 0:
		return true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	}
	return false
}
