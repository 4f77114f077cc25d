package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Decide(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.Seed = "plan-1"

	transient := NewTransientError("timeout", nil).WithCode(ErrCodeTimeout)
	throttled := NewThrottledError("rate limited", nil).WithCode(ErrCodeRateLimited)
	permanent := NewPermanentError("permission denied", nil).WithCode(ErrCodePermissionDenied)
	unknown := errors.New("connection reset by peer")

	for attempts := 0; attempts <= policy.MaxAttempts+2; attempts++ {
		step := &RestoreStep{ID: 3, Attempts: attempts}

		for _, err := range []error{transient, throttled, unknown} {
			d := policy.Decide(step, err)
			if attempts < policy.MaxAttempts {
				assert.True(t, d.Retry, "attempts=%d err=%v", attempts, err)
				assert.Positive(t, d.Delay)
			} else {
				assert.False(t, d.Retry, "attempts=%d err=%v", attempts, err)
			}
		}

		assert.False(t, policy.Decide(step, permanent).Retry, "permanent errors never retry")
	}
}

func TestRetryPolicy_DecideIsPure(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.Seed = "plan-1"
	step := &RestoreStep{ID: 1, Attempts: 2}
	err := NewTransientError("unavailable", nil)

	first := policy.Decide(step, err)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, policy.Decide(step, err))
	}
	assert.Equal(t, 2, step.Attempts)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:        10,
		BaseDelay:          time.Second,
		ThrottledBaseDelay: 5 * time.Second,
		MaxDelay:           30 * time.Second,
		Multiplier:         2,
		Jitter:             0.25,
		Seed:               "seed",
	}

	tests := []struct {
		attempt int
		class   ErrorClass
		min     time.Duration
	}{
		{1, ErrorClassTransient, time.Second},
		{2, ErrorClassTransient, 2 * time.Second},
		{3, ErrorClassTransient, 4 * time.Second},
		{4, ErrorClassTransient, 8 * time.Second},
		{5, ErrorClassTransient, 16 * time.Second},
		{6, ErrorClassTransient, 30 * time.Second},
		{9, ErrorClassTransient, 30 * time.Second},
		{1, ErrorClassThrottled, 5 * time.Second},
		{2, ErrorClassThrottled, 10 * time.Second},
	}

	for _, tt := range tests {
		d := policy.Backoff(7, tt.attempt, tt.class)
		assert.GreaterOrEqual(t, d, tt.min, "attempt %d %s", tt.attempt, tt.class)
		assert.Less(t, d, tt.min+tt.min/4+time.Nanosecond, "attempt %d %s", tt.attempt, tt.class)
	}
}

func TestRetryPolicy_BackoffNeverShrinksAtTheCap(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 20,
		BaseDelay:   time.Second,
		MaxDelay:    20 * time.Second,
		Multiplier:  2,
		Jitter:      1,
		Seed:        "cap",
	}

	for id := StepID(0); id < 10; id++ {
		var prev time.Duration
		for attempt := 1; attempt <= 12; attempt++ {
			d := policy.Backoff(id, attempt, ErrorClassTransient)
			assert.LessOrEqual(t, d, policy.MaxDelay, "step %d attempt %d", id, attempt)
			assert.GreaterOrEqual(t, d, prev, "step %d attempt %d", id, attempt)
			if attempt >= 6 {
				assert.Equal(t, policy.MaxDelay, d, "step %d attempt %d", id, attempt)
			}
			prev = d
		}
	}
}

func TestRetryPolicy_JitterSpreadsSteps(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.Seed = "plan"

	seen := make(map[time.Duration]bool)
	for id := StepID(0); id < 20; id++ {
		seen[policy.Backoff(id, 1, ErrorClassTransient)] = true
	}
	require.Greater(t, len(seen), 1)
}

func TestRetryPolicy_NoJitter(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.Jitter = 0
	assert.Equal(t, policy.BaseDelay, policy.Backoff(0, 1, ErrorClassUnknown))
	assert.Equal(t, 2*policy.BaseDelay, policy.Backoff(0, 2, ErrorClassUnknown))
}

func TestRetryDecision_String(t *testing.T) {
	assert.Equal(t, "RetryAfter(2s)", RetryAfter(2*time.Second).String())
	assert.Equal(t, "GiveUp(permanent error)", GiveUp("permanent error").String())
}
