package engine

import (
	"log/slog"
	"time"
)

// Defaults for Engine options.
const (
	// DefaultLockTimeout bounds how long a keyed invocation waits for its key.
	DefaultLockTimeout = 5 * time.Minute

	// DefaultMaxConcurrency bounds concurrently running attempts.
	DefaultMaxConcurrency = 64

	// DefaultSweepInterval is how often non-terminal invocations are
	// re-examined, catching wake-ups lost to a crash.
	DefaultSweepInterval = 5 * time.Second

	// DefaultTimerPollInterval is the longest the timer service sleeps.
	DefaultTimerPollInterval = time.Second
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock sets the clock used for timers, backoff and handlers' Now.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithIDGenerator sets the generator for submissions without an ID.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// WithRetryPolicy overrides the retry policy. Zero fields keep their
// defaults.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = p.withDefaults()
	}
}

// WithLockTimeout sets how long a keyed invocation waits for its key before
// failing with ir.ErrLockTimeout. Zero waits indefinitely.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.lockTimeout = d
	}
}

// WithMaxConcurrency bounds concurrently running attempts.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithSweepInterval sets how often non-terminal invocations are re-examined.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepInterval = d
		}
	}
}

// WithTimerPollInterval sets the longest the timer service sleeps between
// checks for due timers.
func WithTimerPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timerPoll = d
		}
	}
}

// WithTimerBatchSize bounds how many due timers one scan delivers.
func WithTimerBatchSize(n int) Option {
	return func(e *Engine) {
		e.timerBatch = n
	}
}
