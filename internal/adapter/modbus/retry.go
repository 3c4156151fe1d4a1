package modbus

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how often one operation is attempted.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first
	Attempts int

	// BaseDelay is doubled after every failed attempt
	BaseDelay time.Duration

	// MaxDelay caps the backoff
	MaxDelay time.Duration

	// Jitter adds up to ±25% randomization to each delay
	Jitter bool
}

// DefaultReadPolicy is used for register reads.
func DefaultReadPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// DefaultWritePolicy is used for register writes.
func DefaultWritePolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
}

func (p RetryPolicy) withDefaults(def RetryPolicy) RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// Backoff returns the delay before retry number attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := p.BaseDelay * time.Duration(1<<uint(attempt))
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	if p.Jitter && delay >= 4 {
		jitter := time.Duration(rand.Int64N(int64(delay)/2)) - (delay / 4)
		delay += jitter
	}
	return delay
}
