// Package timers is the durable timer service: it persists timers, finds the
// ones that are due and hands each one to a delivery callback.
//
// Delivery is at-least-once at the process boundary. A timer is first marked
// fired (only one caller ever wins that transition), then delivered, then
// marked delivered. A crash between the last two steps leaves the timer
// fired-but-undelivered, and Redeliver hands it over again on startup.
// Consumers make the second delivery harmless: wake-ups re-check the journal
// and delayed sends use deterministic child invocation IDs.
package timers

import (
	"context"
	"log/slog"
	"time"

	"github.com/dogmatiq/linger"
	"go.uber.org/multierr"

	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store"
)

// Defaults used when the corresponding option is not given.
const (
	DefaultPollInterval = time.Second
	DefaultBatchSize    = 100
)

// Clock reads the wall clock used to decide what is due.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// DeliverFunc hands a fired timer to its consumer. A non-nil error leaves
// the timer undelivered.
type DeliverFunc func(ctx context.Context, t ir.Timer) error

// Service schedules and delivers durable timers.
type Service struct {
	backend      store.Backend
	deliver      DeliverFunc
	clock        Clock
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	wake         chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used to decide what is due.
func WithClock(c Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithPollInterval bounds how long Run sleeps between due scans.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithBatchSize bounds how many timers one Tick delivers.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// New creates a Service delivering to deliver.
func New(b store.Backend, deliver DeliverFunc, opts ...Option) *Service {
	s := &Service{
		backend:      b,
		deliver:      deliver,
		clock:        systemClock{},
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule persists t unless a timer with its ID exists, and reports whether
// it was inserted. Run is woken so an earlier deadline is not missed.
func (s *Service) Schedule(ctx context.Context, t ir.Timer) (bool, error) {
	if t.ID == "" || t.FireAt.IsZero() {
		return false, ir.Errorf(ir.CodeInvalid, "timer id and fire_at are required")
	}
	if t.Kind != ir.TimerWake && t.Kind != ir.TimerInvoke {
		return false, ir.Errorf(ir.CodeInvalid, "unknown timer kind %q", t.Kind)
	}
	inserted, err := s.backend.ScheduleTimer(ctx, t)
	if err != nil {
		return false, err
	}
	if inserted {
		s.logger.Debug("timer scheduled",
			"timer_id", t.ID,
			"invocation_id", t.InvocationID,
			"kind", t.Kind,
			"fire_at", t.FireAt,
		)
		s.poke()
	}
	return inserted, nil
}

// Cancel cancels a timer that has not fired yet.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	return s.backend.CancelTimer(ctx, id)
}

// Deliver fires and delivers one due timer without waiting for the next
// scan. It reports false if the timer had already fired or was cancelled.
// A timer that is not due yet is refused with ir.ErrInvalid.
func (s *Service) Deliver(ctx context.Context, id string) (bool, error) {
	t, err := s.backend.ReadTimer(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Pending() && s.clock.Now().Before(t.FireAt) {
		return false, ir.Errorf(ir.CodeInvalid, "timer %s is not due until %s", id, t.FireAt.Format(time.RFC3339))
	}
	return s.fire(ctx, t)
}

// Tick delivers every timer due at the clock's current reading, earliest
// first, and returns how many it delivered.
func (s *Service) Tick(ctx context.Context) (int, error) {
	due, err := s.backend.DueTimers(ctx, s.clock.Now(), s.batchSize)
	if err != nil {
		return 0, err
	}

	var delivered int
	for _, t := range due {
		ok, fireErr := s.fire(ctx, t)
		err = multierr.Append(err, fireErr)
		if ok {
			delivered++
		}
	}
	return delivered, err
}

// Redeliver hands over every fired timer whose delivery was never recorded,
// such as after a crash between firing and delivery.
func (s *Service) Redeliver(ctx context.Context) (int, error) {
	undelivered, err := s.backend.UndeliveredTimers(ctx)
	if err != nil {
		return 0, err
	}

	var delivered int
	for _, t := range undelivered {
		s.logger.Info("redelivering timer",
			"timer_id", t.ID,
			"invocation_id", t.InvocationID,
			"kind", t.Kind,
		)
		handOffErr := s.handOff(ctx, t)
		err = multierr.Append(err, handOffErr)
		if handOffErr == nil {
			delivered++
		}
	}
	return delivered, err
}

// Run redelivers interrupted timers, then delivers due timers until ctx is
// canceled. Between scans it sleeps until the next fire time, at most the
// poll interval, and wakes early when a timer is scheduled. Timers whose
// delivery failed are redelivered on the next pass.
func (s *Service) Run(ctx context.Context) error {
	limit := linger.Limiter(0, s.pollInterval)
	redeliver := true

	for {
		if redeliver {
			if _, err := s.Redeliver(ctx); err != nil {
				s.logger.Warn("timer redelivery failed", "error", err)
			} else {
				redeliver = false
			}
		}

		delay := s.pollInterval
		if _, err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("timer tick failed", "error", err)
			redeliver = true
		} else if next, ok, err := s.backend.NextFireAt(ctx); err == nil && ok {
			delay = limit(next.Sub(s.clock.Now()))
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-s.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// fire transitions t to fired and delivers it. Losing the fire transition is
// not an error: someone else owns the delivery.
func (s *Service) fire(ctx context.Context, t ir.Timer) (bool, error) {
	fired, err := s.backend.FireTimer(ctx, t.ID, s.clock.Now())
	if err != nil || !fired {
		return false, err
	}
	if err := s.handOff(ctx, t); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) handOff(ctx context.Context, t ir.Timer) error {
	if err := s.deliver(ctx, t); err != nil {
		s.logger.Warn("timer delivery failed",
			"timer_id", t.ID,
			"invocation_id", t.InvocationID,
			"error", err,
		)
		return err
	}
	if err := s.backend.MarkDelivered(ctx, t.ID); err != nil {
		return err
	}
	s.logger.Debug("timer delivered",
		"timer_id", t.ID,
		"invocation_id", t.InvocationID,
		"kind", t.Kind,
	)
	return nil
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
