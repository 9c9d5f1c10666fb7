package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/models"
)

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 3}

	tests := []struct {
		name    string
		attempt int
		max     int
		err     error
		want    bool
	}{
		{"timeout retried", 1, 3, models.ErrTimeoutExceeded, true},
		{"crash retried", 2, 3, fmt.Errorf("%w: gone", models.ErrContextCrashed), true},
		{"last attempt", 3, 3, models.ErrContextCrashed, false},
		{"policy default", 1, 0, models.ErrContextCrashed, true},
		{"engine error", 1, 3, models.NewEngineError(0, models.ActionClick, errors.New("no node")), false},
		{"version conflict", 1, 3, models.ErrVersionConflict, false},
		{"session not saved", 1, 3, fmt.Errorf("%w: snapshot failed", models.ErrSessionNotSaved), false},
		{"cancelled", 1, 3, context.Canceled, false},
		{"success", 1, 3, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.ShouldRetry(tt.attempt, tt.max, tt.err))
		})
	}
}

func TestRetryPolicy_CalculateBackoff(t *testing.T) {
	policy := &RetryPolicy{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, BackoffMultiplier: 2}

	assert.Equal(t, time.Second, policy.CalculateBackoff(1))
	assert.Equal(t, 2*time.Second, policy.CalculateBackoff(2))
	assert.Equal(t, 4*time.Second, policy.CalculateBackoff(3))
	assert.Equal(t, 5*time.Second, policy.CalculateBackoff(4))
	assert.Equal(t, 5*time.Second, policy.CalculateBackoff(20))
}

func TestRetryPolicy_BackoffWithinJitterBounds(t *testing.T) {
	policy := &RetryPolicy{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            0.25,
	}

	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("backoff stays within jitter of the exponential value", prop.ForAll(
		func(attempt int) bool {
			base := float64(policy.InitialBackoff) * float64(int64(1)<<uint(attempt-1))
			if base > float64(policy.MaxBackoff) {
				base = float64(policy.MaxBackoff)
			}
			got := float64(policy.CalculateBackoff(attempt))
			return got >= base*0.75-1 && got <= base*1.25+1
		},
		gen.IntRange(1, 12),
	))
	properties.TestingRun(t)
}

func TestRetryPolicy_ExecuteWithRetry(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2}
	logger := arbor.NewLogger()

	calls := 0
	err := policy.ExecuteWithRetry(context.Background(), logger, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = policy.ExecuteWithRetry(context.Background(), logger, func() error {
		calls++
		return fmt.Errorf("wrapped: %w", models.ErrInvalidTransition)
	})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, 1, calls, "store sentinels are permanent")

	calls = 0
	err = policy.ExecuteWithRetry(context.Background(), logger, func() error {
		calls++
		return errors.New("still down")
	})
	assert.EqualError(t, err, "still down")
	assert.Equal(t, 4, calls)
}
