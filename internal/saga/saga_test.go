package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/roach88/durable/internal/codec"
	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/engine/enginetest"
	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/testutil"
)

// booking reserves a flight and a car, then pays. Compensations undo the
// reservations when payment is declined.
func booking(effects *testutil.Effects, registry *Registry, payment error) engine.HandlerFunc {
	step := func(ctx *engine.Context, name string, err error) (string, error) {
		return engine.RunAs(ctx, name, func(context.Context) (string, error) {
			effects.Record(name)
			return name + "-id", err
		})
	}
	return func(ctx *engine.Context, _ json.RawMessage) (json.RawMessage, error) {
		s := New(ctx, registry)
		err := s.Run(func() error {
			flight, err := step(ctx, "reserve flight", nil)
			if err != nil {
				return err
			}
			if err := s.Add("cancel_flight", flight); err != nil {
				return err
			}
			car, err := step(ctx, "reserve car", nil)
			if err != nil {
				return err
			}
			if err := s.Add("cancel_car", car); err != nil {
				return err
			}
			_, err = step(ctx, "pay", payment)
			return err
		})
		if err != nil {
			return nil, err
		}
		return codec.Marshal("booked")
	}
}

func cancel(effects *testutil.Effects, fail error) Action {
	return func(ctx *engine.Context, args json.RawMessage) error {
		id, err := codec.Unmarshal[string](args)
		if err != nil {
			return err
		}
		_, err = ctx.RunOnce("cancel "+id, func(context.Context) (json.RawMessage, error) {
			effects.Record("cancel " + id)
			return nil, fail
		})
		return err
	}
}

var trips = ir.Target{Service: "trips", Handler: "book"}

func TestSaga_CompensatesInReverse(t *testing.T) {
	effects := testutil.NewEffects()
	registry := NewRegistry().
		Register("cancel_flight", cancel(effects, nil)).
		Register("cancel_car", cancel(effects, nil))

	declined := ir.TerminalError(errors.New("card declined"))
	env := enginetest.Start(t, engine.NewService("trips").Handler("book", booking(effects, registry, declined)))

	_, err := env.Invoke(t, trips, nil)
	require.ErrorIs(t, err, ir.ErrTerminal)
	assert.Contains(t, err.Error(), "card declined")

	assert.Equal(t, []string{
		"reserve flight",
		"reserve car",
		"pay",
		"cancel reserve car-id",
		"cancel reserve flight-id",
	}, effects.Order())
}

func TestSaga_SucceedsWithoutCompensating(t *testing.T) {
	effects := testutil.NewEffects()
	registry := NewRegistry().
		Register("cancel_flight", cancel(effects, nil)).
		Register("cancel_car", cancel(effects, nil))

	env := enginetest.Start(t, engine.NewService("trips").Handler("book", booking(effects, registry, nil)))

	out, err := env.Invoke(t, trips, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"booked"`, string(out))
	assert.Equal(t, []string{"reserve flight", "reserve car", "pay"}, effects.Order())
}

func TestSaga_CompensationFailureDoesNotStopTheRest(t *testing.T) {
	effects := testutil.NewEffects()
	registry := NewRegistry().
		Register("cancel_flight", cancel(effects, nil)).
		Register("cancel_car", cancel(effects, ir.TerminalError(errors.New("desk closed"))))

	declined := ir.TerminalError(errors.New("card declined"))
	env := enginetest.Start(t, engine.NewService("trips").Handler("book", booking(effects, registry, declined)))

	_, err := env.Invoke(t, trips, nil)
	require.ErrorIs(t, err, ir.ErrTerminal)
	assert.Equal(t, 1, effects.Count("cancel reserve flight-id"))
	assert.Equal(t, 1, effects.Count("cancel reserve car-id"), "failed compensations are not retried")
}

func TestSaga_CompensateAggregatesFailures(t *testing.T) {
	effects := testutil.NewEffects()
	registry := NewRegistry().
		Register("refund", cancel(effects, ir.TerminalError(errors.New("refund failed")))).
		Register("release", cancel(effects, ir.TerminalError(errors.New("release failed"))))

	handler := func(ctx *engine.Context, _ json.RawMessage) (json.RawMessage, error) {
		s := New(ctx, registry)
		if err := s.Add("release", "seat"); err != nil {
			return nil, err
		}
		if err := s.Add("refund", "card"); err != nil {
			return nil, err
		}
		err := s.Compensate(errors.New("cancelled by user"))
		return codec.Marshal(map[string]any{
			"failures": len(multierr.Errors(err)),
			"left":     len(s.Steps()),
		})
	}
	env := enginetest.Start(t, engine.NewService("trips").Handler("undo", handler))

	out, err := env.Invoke(t, ir.Target{Service: "trips", Handler: "undo"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"failures":2,"left":0}`, string(out))
	assert.Equal(t, []string{"cancel card", "cancel seat"}, effects.Order())
}

func TestSaga_RetryableErrorKeepsStack(t *testing.T) {
	registry := NewRegistry().Register("undo", func(*engine.Context, json.RawMessage) error { return nil })

	handler := func(ctx *engine.Context, _ json.RawMessage) (json.RawMessage, error) {
		s := New(ctx, registry)
		if err := s.Add("undo", map[string]int{"n": 1}); err != nil {
			return nil, err
		}
		flaky := errors.New("connection reset")
		err := s.Run(func() error { return flaky })
		return codec.Marshal(map[string]any{
			"same":  errors.Is(err, flaky),
			"steps": s.Steps(),
		})
	}
	env := enginetest.Start(t, engine.NewService("trips").Handler("flaky", handler))

	out, err := env.Invoke(t, ir.Target{Service: "trips", Handler: "flaky"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"same":true,"steps":[{"action":"undo","args":{"n":1}}]}`, string(out))
}

func TestSaga_UnknownActionIsTerminal(t *testing.T) {
	handler := func(ctx *engine.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, New(ctx, NewRegistry()).Add("missing", nil)
	}
	env := enginetest.Start(t, engine.NewService("trips").Handler("bad", handler))

	_, err := env.Invoke(t, ir.Target{Service: "trips", Handler: "bad"}, nil)
	require.ErrorIs(t, err, ir.ErrTerminal)
	assert.Contains(t, err.Error(), `unknown action "missing"`)
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry().Register("undo", func(*engine.Context, json.RawMessage) error { return nil })

	_, ok := r.Lookup("undo")
	assert.True(t, ok)
	_, ok = r.Lookup("redo")
	assert.False(t, ok)

	assert.Panics(t, func() { r.Register("undo", func(*engine.Context, json.RawMessage) error { return nil }) })
	assert.Panics(t, func() { r.Register("nil", nil) })
}
