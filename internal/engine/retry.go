package engine

import (
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
)

// RetryPolicy bounds how failures are retried.
type RetryPolicy struct {
	// MaxAttempts is the number of attempts an invocation gets before it
	// fails with ir.ErrRetryExhausted.
	MaxAttempts int

	// RunAttempts is the number of times RunOnce calls a failing side effect
	// in place before giving up on the attempt.
	RunAttempts int

	// Backoff computes the delay before a retry, both in place and between
	// attempts.
	Backoff backoff.Strategy
}

// DefaultBackoff is exponential from 100ms with full jitter, capped at 30s.
var DefaultBackoff = ExponentialBackoff(100*time.Millisecond, 30*time.Second)

// DefaultRetryPolicy is used unless WithRetryPolicy overrides it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		RunAttempts: 3,
		Backoff:     DefaultBackoff,
	}
}

// ConstantBackoff waits d between every retry.
func ConstantBackoff(d time.Duration) backoff.Strategy {
	return backoff.Constant(d)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.RunAttempts <= 0 {
		p.RunAttempts = def.RunAttempts
	}
	if p.Backoff == nil {
		p.Backoff = def.Backoff
	}
	return p
}

// delay is the wait before attempt+1 after attempt failed with err.
func (p RetryPolicy) delay(err error, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.Backoff(err, uint(attempt-1))
}

// ExponentialBackoff doubles from initial with full jitter, capped at limit.
func ExponentialBackoff(initial, limit time.Duration) backoff.Strategy {
	return backoff.WithTransforms(
		backoff.Exponential(initial),
		linger.FullJitter,
		linger.Limiter(0, limit),
	)
}
