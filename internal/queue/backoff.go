package queue

import (
	"math/rand/v2"
	"time"
)

// BackoffPolicy decides how long a transiently failed item waits before it
// becomes eligible for another attempt.
type BackoffPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// jitterFraction is the spread applied around the computed delay so items
// that failed at the same moment do not retry in lockstep.
const jitterFraction = 0.2

// Delay returns the exponential backoff for the given attempt number
// (1-based), capped at MaxDelay. Pure and monotone; jitter is applied
// separately in NextAttemptAt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= float64(p.MaxDelay) {
			break
		}
	}

	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	return time.Duration(backoff)
}

// NextAttemptAt returns the time the item becomes eligible again: now plus
// the backoff for attempt, with ±20% randomized jitter.
func (p BackoffPolicy) NextAttemptAt(now time.Time, attempt int) time.Time {
	delay := float64(p.Delay(attempt))
	// Uniform in [1-jitterFraction, 1+jitterFraction).
	factor := 1 + jitterFraction*(2*rand.Float64()-1)
	return now.Add(time.Duration(delay * factor))
}
