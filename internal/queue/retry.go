package queue

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/models"
)

// RetryPolicy decides whether a failed attempt is run again and how long to wait first
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64 // fraction of the backoff, 0 = deterministic
}

// NewRetryPolicy builds the job attempt policy from scheduler settings
func NewRetryPolicy(config Config) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       config.MaxAttempts,
		InitialBackoff:    config.RetryBackoff,
		MaxBackoff:        config.RetryMaxBackoff,
		BackoffMultiplier: 2.0,
	}
}

// ShouldRetry reports whether attempt (1-based) may be followed by another one.
// Only timeouts and context crashes are retried; an engine error means the page
// itself rejected the work and would fail the same way again.
func (p *RetryPolicy) ShouldRetry(attempt, maxAttempts int, err error) bool {
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	if attempt >= maxAttempts || err == nil {
		return false
	}
	switch models.ErrorKindOf(err) {
	case models.ErrorKindTimeout, models.ErrorKindCrashed:
		return true
	}
	return false
}

// CalculateBackoff returns the wait before the attempt following attempt (1-based):
// InitialBackoff * multiplier^(attempt-1), capped at MaxBackoff
func (p *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	if p.Jitter > 0 {
		backoff += backoff * p.Jitter * (rand.Float64()*2 - 1)
	}
	if backoff < 0 {
		backoff = float64(p.InitialBackoff)
	}
	return time.Duration(backoff)
}

// ExecuteWithRetry runs fn until it succeeds, returns a permanent error, or
// MaxAttempts is reached. Store sentinel errors are permanent.
func (p *RetryPolicy) ExecuteWithRetry(ctx context.Context, logger arbor.ILogger, fn func() error) error {
	var lastErr error
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || isPermanentStoreError(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		backoff := p.CalculateBackoff(attempt)
		logger.Debug().
			Int("attempt", attempt).
			Err(lastErr).
			Dur("backoff", backoff).
			Msg("Retrying after backoff")

		if err := sleepContext(ctx, backoff); err != nil {
			return lastErr
		}
	}
	return lastErr
}

func isPermanentStoreError(err error) bool {
	return errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrInvalidTransition) ||
		errors.Is(err, models.ErrVersionConflict) ||
		errors.Is(err, context.Canceled)
}

// sleepContext waits for d or until ctx ends
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
