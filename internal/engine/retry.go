package engine

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds how often a failed stage attempt is repeated. Attempt
// numbering is 1-based; MaxAttempts of 1 means no retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// DefaultRetryPolicy runs every stage exactly once.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 1}

// normalized returns the policy with usable bounds.
func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	if p.MaxDelay <= 0 {
		p.MaxDelay = p.BaseDelay
	}

	return p
}

// Delay returns the backoff before the attempt following the given one:
// min(maxDelay, baseDelay*2^(attempt-1)), plus or minus up to Jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay

			break
		}
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(2*p.Jitter))) - p.Jitter
		if delay < 0 {
			delay = 0
		}
	}

	return delay
}
