package conductor

import (
	"math/rand"
	"time"
)

const (
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 2 * time.Minute
)

// BackoffDelay computes the delay before the given retry. attempt is the
// attempt number that just failed, starting at 1, so the delay before
// attempt N+1 is BackoffDelay(policy, N). The returned delay never decreases
// as the attempt number grows (jitter only subtracts within the current
// step's headroom above the previous step).
func BackoffDelay(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil || attempt < 1 {
		return 0
	}
	base := policy.BaseDelay.Std()
	if base <= 0 {
		base = defaultBaseDelay
	}
	max := policy.MaxDelay.Std()
	if max <= 0 {
		max = defaultMaxDelay
	}

	var delay time.Duration
	switch policy.Backoff {
	case BackoffFixed, "":
		delay = base
	case BackoffLinear:
		delay = base * time.Duration(attempt)
	case BackoffExponential:
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= max {
				break
			}
		}
	default:
		delay = base
	}
	if delay > max {
		delay = max
	}

	if policy.Jitter && attempt > 1 {
		floor := BackoffDelayWithoutJitter(policy, attempt-1)
		if delay > floor {
			delay = floor + time.Duration(rand.Int63n(int64(delay-floor)+1))
		}
	}
	return delay
}

// BackoffDelayWithoutJitter is BackoffDelay with jitter disabled, used as the
// monotonic floor for jittered delays.
func BackoffDelayWithoutJitter(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil {
		return 0
	}
	clone := *policy
	clone.Jitter = false
	return BackoffDelay(&clone, attempt)
}
