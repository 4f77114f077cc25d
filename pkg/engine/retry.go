package engine

import (
	"fmt"
	"hash/fnv"
	"math"
	"time"
)

// RetryDecision is the outcome of consulting a RetryPolicy.
type RetryDecision struct {
	// Retry is false when the policy gave up.
	Retry bool

	// Delay is how long to wait before resubmitting.
	Delay time.Duration

	// Reason explains a give-up decision.
	Reason string
}

// RetryAfter returns a decision to resubmit after d.
func RetryAfter(d time.Duration) RetryDecision {
	return RetryDecision{Retry: true, Delay: d}
}

// GiveUp returns a decision to stop retrying.
func GiveUp(reason string) RetryDecision {
	return RetryDecision{Reason: reason}
}

// String implements fmt.Stringer.
func (d RetryDecision) String() string {
	if d.Retry {
		return fmt.Sprintf("RetryAfter(%s)", d.Delay)
	}
	return fmt.Sprintf("GiveUp(%s)", d.Reason)
}

// RetryPolicy decides whether a failed step is resubmitted. Decide is a pure
// function of its inputs: the jitter is derived from the plan seed, step id
// and attempt number rather than from a random source.
type RetryPolicy struct {
	// MaxAttempts caps the number of submissions per step.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" validate:"gte=1"`

	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay" validate:"gt=0"`

	// ThrottledBaseDelay replaces BaseDelay for rate limited errors.
	ThrottledBaseDelay time.Duration `json:"throttled_base_delay" yaml:"throttled_base_delay" validate:"gt=0"`

	// MaxDelay caps a single backoff delay before jitter.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay" validate:"gtefield=BaseDelay"`

	// Multiplier is the exponential growth factor.
	Multiplier float64 `json:"multiplier" yaml:"multiplier" validate:"gte=1"`

	// Jitter is the maximum fraction added on top of the computed delay.
	Jitter float64 `json:"jitter" yaml:"jitter" validate:"gte=0,lte=1"`

	// Seed varies jitter between plans.
	Seed string `json:"-" yaml:"-"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        5,
		BaseDelay:          2 * time.Second,
		ThrottledBaseDelay: 10 * time.Second,
		MaxDelay:           2 * time.Minute,
		Multiplier:         2,
		Jitter:             0.25,
	}
}

// Decide returns RetryAfter for retryable errors while attempts < MaxAttempts
// and GiveUp otherwise. Permanent errors always give up.
func (p RetryPolicy) Decide(step *RestoreStep, err error) RetryDecision {
	class := ClassOf(err)
	if class == ErrorClassPermanent {
		return GiveUp("permanent error")
	}
	if step.Attempts >= p.MaxAttempts {
		return GiveUp(fmt.Sprintf("attempt limit %d reached", p.MaxAttempts))
	}
	return RetryAfter(p.Backoff(step.ID, step.Attempts, class))
}

// Backoff returns the delay after the given attempt (1-based) for an error
// class. The result never exceeds MaxDelay.
func (p RetryPolicy) Backoff(id StepID, attempt int, class ErrorClass) time.Duration {
	base := p.BaseDelay
	if class == ErrorClassThrottled && p.ThrottledBaseDelay > 0 {
		base = p.ThrottledBaseDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(base) * math.Pow(mult, float64(attempt-1))
	if p.Jitter > 0 {
		delay += delay * p.Jitter * p.jitterFraction(id, attempt)
	}

	// Clamped after jitter so delays never shrink once they reach the cap.
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// jitterFraction maps (seed, step, attempt) to [0, 1).
func (p RetryPolicy) jitterFraction(id StepID, attempt int) float64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%d/%d", p.Seed, id, attempt)
	return float64(h.Sum64()>>11) / float64(1<<53)
}
