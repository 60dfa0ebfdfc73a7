package run

import (
	"math"
	"time"
)

// NextRetryDelay computes the delay before retry attempt number `count`
// (zero-based): min(delay * multiplier^count, maxDelay).
func (p RetryPolicy) NextRetryDelay(count int) time.Duration {
	base := float64(p.DelaySeconds)
	if base <= 0 {
		base = float64(DefaultRetryPolicy().DelaySeconds)
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	secs := base * math.Pow(mult, float64(count))
	if p.MaxDelaySeconds > 0 && secs > float64(p.MaxDelaySeconds) {
		secs = float64(p.MaxDelaySeconds)
	}
	return time.Duration(secs * float64(time.Second))
}

// CanRetry reports whether another retry may be scheduled after `count`
// retries have already been consumed.
func (p RetryPolicy) CanRetry(count int) bool {
	return count < p.MaxRetries
}
