// Package retry implements the exponential backoff with jitter shared by the
// scheduler (job redispatch), the catalog wrapper and the SQLite store.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy controls attempt ceiling and delay growth.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"` // total attempts, first one included
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// DefaultPolicy is used when a config leaves the policy empty.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
}

// WithDefaults fills zero fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Delay returns the wait before the attempt that follows a failed attempt
// number n (1-based): min(base*2^(n-1), max) plus a jitter in [0, base).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := p.MaxDelay
	if shift := n - 1; shift < 32 {
		if d := p.BaseDelay << uint(shift); d > 0 && d < p.MaxDelay {
			delay = d
		}
	}
	if p.BaseDelay <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(int64(p.BaseDelay)))
}

// Exhausted reports whether attempt n used up the ceiling.
func (p Policy) Exhausted(n int) bool {
	return n >= p.MaxAttempts
}

// Do runs fn until it succeeds, the attempts run out, retryable returns
// false, or ctx is done. A nil retryable retries every error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	p = p.WithDefaults()
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if p.Exhausted(attempt) {
			break
		}
		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
