package common

import (
	"math"
	"time"
)

// BackoffPolicy is the clamped exponential retry law shared by the job store
// (attempt re-scheduling) and the mail client (sub-step retries):
//
//	delay = min(initial × multiplier^(attempt−1), max)
type BackoffPolicy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoffPolicy returns the standard retry law: 1s initial, doubling,
// clamped at 60s.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial:    time.Second,
		Multiplier: 2,
		Max:        60 * time.Second,
	}
}

// BackoffPolicyFromConfig builds the policy from the retry config section.
func BackoffPolicyFromConfig(c *RetryConfig) BackoffPolicy {
	p := BackoffPolicy{
		Initial:    c.GetInitial(),
		Multiplier: c.Multiplier,
		Max:        c.GetMax(),
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	return p
}

// DelayFor returns the delay before the given attempt number (1-based: the
// delay scheduled after attempt n failed).
func (p BackoffPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1)))
	if d > p.Max || d <= 0 {
		return p.Max
	}
	return d
}
