package flow

import (
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// NextDelay implements §4.2.1: given a retry policy and the 1-indexed
// attempt number about to be made, returns how long to wait before
// re-pushing the failed module. attempt must be in [1, policy.Attempts].
func NextDelay(r Retry, attempt int, rnd *rand.Rand) (time.Duration, error) {
	if attempt < 1 || attempt > r.Attempts {
		return 0, errors.Errorf("retry: attempt %d out of range [1,%d]", attempt, r.Attempts)
	}

	switch r.Kind {
	case RetryConstant:
		return time.Duration(r.Seconds) * time.Second, nil

	case RetryExponential:
		if r.Seconds <= 0 {
			return 0, errors.New("retry: exponential policy requires seconds > 0")
		}
		multiplier := r.Multiplier
		if multiplier == 0 {
			multiplier = 1
		}
		base := multiplier * math.Pow(float64(r.Seconds), float64(attempt))
		if r.RandomFactor > 0 {
			if rnd == nil {
				rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
			}
			factor := float64(r.RandomFactor) / 100
			// jitter in [-factor, +factor] of base
			jitter := (rnd.Float64()*2 - 1) * factor * base
			base += jitter
			if base < 0 {
				base = 0
			}
		}
		return time.Duration(base * float64(time.Second)), nil

	default:
		return 0, errors.Errorf("retry: unknown kind %q", r.Kind)
	}
}

// ShouldRetry reports whether the retry policy still has budget for
// another attempt given how many have already failed.
func ShouldRetry(r *Retry, failCount int) bool {
	return r != nil && failCount < r.Attempts
}
