package pipeline

import (
	"time"

	"chorus/internal/store"
)

// maxBackoff caps exponential growth so a long retry history cannot push a
// job days into the future.
const maxBackoff = time.Hour

type retryPolicy struct {
	maxAttempts int
	backoff     time.Duration
	multiplier  float64
}

func (c *Coordinator) policyFor(stage store.Stage) retryPolicy {
	resolved := c.cfg.Retry.For(string(stage))
	return retryPolicy{
		maxAttempts: resolved.MaxAttempts,
		backoff:     time.Duration(resolved.BackoffSeconds) * time.Second,
		multiplier:  resolved.BackoffMultiplier,
	}
}

// delay computes the backoff before the given attempt's retry. Attempt 1
// waits the base delay; each further attempt multiplies it.
func (p retryPolicy) delay(attempt int) time.Duration {
	delay := p.backoff
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.multiplier)
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
