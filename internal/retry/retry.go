// Package retry retries operations with exponential backoff.
//
// coral-attach uses it for attaches to other processes, where the target may
// still be starting up when the first attempt is made. The backoff follows
// InitialBackoff * 2^(attempt-1), capped by MaxBackoff, with optional jitter
// that grows with the attempt number.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config defines the retry behavior.
//
// The zero value is not usable; MaxRetries and InitialBackoff must be set.
type Config struct {
	// MaxRetries is the maximum number of attempts. Must be greater than 0.
	MaxRetries int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Zero means no cap.
	MaxBackoff time.Duration

	// Jitter adds up to Jitter*backoff extra wait on the last attempt (0.0 to 1.0).
	Jitter float64

	// OnRetry, if set, is called before each backoff with the attempt that
	// just failed.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// Attempts returns a Config for n attempts with the backoff used for attaches.
// n below 1 is treated as 1.
func Attempts(n int) Config {
	if n < 1 {
		n = 1
	}
	return Config{
		MaxRetries:     n,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     4 * time.Second,
		Jitter:         0.2,
	}
}

// ShouldRetryFunc reports whether an error should trigger a retry. A nil
// ShouldRetryFunc retries every error.
type ShouldRetryFunc func(error) bool

// Do calls fn until it succeeds, shouldRetry rejects its error, the attempts
// run out or ctx is done.
//
// When attempts run out, the returned error wraps the last error from fn.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(cfg, attempt)
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, lastErr, backoff)
			}

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}

		lastErr = err
	}

	if cfg.MaxRetries == 1 {
		return lastErr
	}
	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// calculateBackoff computes the wait before the given attempt (1-based count
// of previous failures).
func calculateBackoff(cfg Config, attempt int) time.Duration {
	multiplier := math.Pow(2, float64(attempt-1))
	backoff := time.Duration(multiplier * float64(cfg.InitialBackoff))

	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}

	if cfg.Jitter > 0 {
		jitterAmount := float64(backoff) * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries)
		backoff += time.Duration(jitterAmount)
	}

	return backoff
}
