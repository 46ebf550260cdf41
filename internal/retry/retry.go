// Package retry runs an operation with bounded attempts and backoff.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff selects how the delay grows between attempts.
type Backoff string

const (
	// Linear waits BaseDelay × attempt number (0.5s, 1s, 1.5s, ...).
	Linear Backoff = "linear"
	// Exponential waits BaseDelay × 2^(attempt-1), capped at MaxDelay.
	Exponential Backoff = "exponential"
)

// Config controls retry behaviour for store and network operations.
type Config struct {
	MaxAttempts int           // total attempts including the first (default 3)
	BaseDelay   time.Duration // delay unit (default 500ms)
	MaxDelay    time.Duration // upper bound for any single delay (default 5s)
	Backoff     Backoff       // linear (default) or exponential
	Jitter      bool          // add ±25% jitter to each delay
}

// DefaultConfig returns 3 attempts with 0.5s linear backoff.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Backoff:     Linear,
	}
}

// Do runs fn until it succeeds, the attempts are exhausted, or ctx is done.
// It returns the number of attempts made and the last error.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) (attempts int, err error) {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return attempt, nil
		}
		if attempt == maxAttempts {
			return attempt, err
		}

		timer := time.NewTimer(cfg.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		case <-timer.C:
		}
	}
	return maxAttempts, err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, cfg Config, fn func(attempt int) (T, error)) (T, int, error) {
	var out T
	attempts, err := Do(ctx, cfg, func(attempt int) error {
		v, err := fn(attempt)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, attempts, err
}

// Delay returns the wait before the attempt following the given one (1-based).
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var delay time.Duration
	switch c.Backoff {
	case Exponential:
		delay = c.BaseDelay << uint(attempt-1)
	default:
		delay = c.BaseDelay * time.Duration(attempt)
	}
	if c.MaxDelay > 0 && (delay > c.MaxDelay || delay < 0) {
		delay = c.MaxDelay
	}
	if c.Jitter {
		delay = withJitter(delay)
	}
	return delay
}

// withJitter adds ±25% of delay.
func withJitter(delay time.Duration) time.Duration {
	quarter := delay / 4
	if quarter > 0 {
		delay += time.Duration(rand.Int64N(int64(quarter*2))) - quarter
	}
	return delay
}
