package engine

import (
	"time"

	"github.com/relayflow/relayflow/compiler"
)

// backoffFor returns the delay before retry number attempt (0-based: the
// delay before the second attempt is backoffFor(policy, 0), which is
// InitialBackoff), computed as
// min(InitialBackoff * BackoffMultiplier^attempt, MaxBackoff) and
// uncapped when MaxBackoffMS is 0.
func backoffFor(policy compiler.RetryPolicy, attempt int) time.Duration {
	if policy.InitialBackoffMS <= 0 {
		return 0
	}
	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(policy.InitialBackoffMS)
	for i := 0; i < attempt; i++ {
		delay *= multiplier
	}
	if policy.MaxBackoffMS > 0 && delay > float64(policy.MaxBackoffMS) {
		delay = float64(policy.MaxBackoffMS)
	}
	return time.Duration(delay) * time.Millisecond
}

// maxAttempts normalizes a RetryPolicy's MaxAttempts, treating 0 as "no
// retries" (a single attempt).
func maxAttempts(policy compiler.RetryPolicy) int {
	if policy.MaxAttempts <= 0 {
		return 1
	}
	return policy.MaxAttempts
}
