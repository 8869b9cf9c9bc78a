package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/codec"
	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/testutil"
)

// fixture is a store and a manual clock shared by the engines of one test,
// so a test can stop an engine and start another on the same state.
type fixture struct {
	backend store.Backend
	clock   *testutil.ManualClock

	mu    sync.Mutex
	stops map[*Engine]func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return &fixture{
		backend: b,
		clock:   testutil.NewManualClock(testutil.Epoch),
		stops:   map[*Engine]func(){},
	}
}

// start registers defs on a new engine and runs it until the test ends.
func (f *fixture) start(t *testing.T, defs []*Definition, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithClock(f.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithIDGenerator(testutil.NewSequentialIDs(fmt.Sprintf("inv%d", len(f.stops)+1))),
		WithSweepInterval(20 * time.Millisecond),
		WithTimerPollInterval(5 * time.Millisecond),
		WithLockTimeout(5 * time.Second),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, RunAttempts: 2, Backoff: ConstantBackoff(0)}),
	}
	e := New(f.backend, append(base, opts...)...)
	require.NoError(t, e.Register(defs...))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	f.mu.Lock()
	f.stops[e] = stop
	f.mu.Unlock()
	t.Cleanup(stop)
	return e
}

func (f *fixture) stop(e *Engine) {
	f.mu.Lock()
	stop := f.stops[e]
	f.mu.Unlock()
	stop()
}

func (f *fixture) waitStatus(t *testing.T, id string, want ir.Status) ir.Invocation {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		inv, err := f.backend.ReadInvocation(ctx, id)
		return err == nil && inv.Status == want
	}, 5*time.Second, 2*time.Millisecond, "invocation %s never became %s", id, want)

	inv, err := f.backend.ReadInvocation(ctx, id)
	require.NoError(t, err)
	return inv
}

func (f *fixture) kinds(t *testing.T, id string) []ir.EntryKind {
	t.Helper()
	records, err := f.backend.ReadJournal(context.Background(), id)
	require.NoError(t, err)
	kinds := make([]ir.EntryKind, len(records))
	for i, r := range records {
		kinds[i] = r.Entry.Kind
	}
	return kinds
}

func attach(t *testing.T, e *Engine, id string) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Attach(ctx, id)
}

func submit(t *testing.T, e *Engine, req ir.Request) string {
	t.Helper()
	id, err := e.Submit(context.Background(), req)
	require.NoError(t, err)
	return id
}

func defs(d ...*Definition) []*Definition { return d }

func awaitOne(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
	return ctx.Awakeable().Await()
}

func TestEngine_Register(t *testing.T) {
	e := New(setupTestStore(t))
	require.NoError(t, e.Register(NewService("greeter").Handler("greet", echo)))
	assert.Error(t, e.Register(NewService("greeter").Handler("greet", echo)), "names are unique")
	assert.Error(t, e.Register(NewObject("empty")))
	assert.Equal(t, []string{"greeter"}, e.Services())
}

func TestSubmit_Idempotent(t *testing.T) {
	f := newFixture(t)
	e := f.start(t, defs(NewService("greeter").Handler("greet", echo)))
	ctx := context.Background()
	target := ir.Target{Service: "greeter", Handler: "greet"}

	id := submit(t, e, ir.Request{ID: "fixed", Target: target, Input: json.RawMessage(`1`)})
	assert.Equal(t, "fixed", id)

	out, err := attach(t, e, id)
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(out))

	again := submit(t, e, ir.Request{ID: "fixed", Target: target, Input: json.RawMessage(`1`)})
	assert.Equal(t, "fixed", again)

	_, err = e.Submit(ctx, ir.Request{ID: "fixed", Target: target, Input: json.RawMessage(`2`)})
	assert.ErrorIs(t, err, ir.ErrInvalid, "an ID cannot be reused for another request")

	_, err = e.Submit(ctx, ir.Request{Target: ir.Target{Service: "nope", Handler: "greet"}})
	assert.ErrorIs(t, err, ir.ErrNotFound)

	_, err = e.Submit(ctx, ir.Request{Target: target, Input: json.RawMessage(`{`)})
	assert.ErrorIs(t, err, ir.ErrInvalid)
}

func TestRunOnce_SideEffectSurvivesReplay(t *testing.T) {
	f := newFixture(t)
	effects := testutil.NewEffects()

	payments := NewService("payments").Handler("charge", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		receipt, err := RunAs(ctx, "charge-card", func(context.Context) (string, error) {
			effects.Record("charge")
			return "rcpt-1", nil
		})
		if err != nil {
			return nil, err
		}
		if _, err := ctx.Awakeable().Await(); err != nil {
			return nil, err
		}
		return codec.Marshal(receipt)
	})
	e := f.start(t, defs(payments))

	id := submit(t, e, ir.Request{Target: ir.Target{Service: "payments", Handler: "charge"}})
	inv := f.waitStatus(t, id, ir.StatusSuspended)
	assert.Equal(t, "promise:"+ir.AwakeableID(id, 1), inv.Awaiting)

	require.NoError(t, e.ResolvePromise(context.Background(), ir.AwakeableID(id, 1), json.RawMessage(`true`)))

	out, err := attach(t, e, id)
	require.NoError(t, err)
	assert.JSONEq(t, `"rcpt-1"`, string(out))
	assert.Equal(t, 1, effects.Count("charge"), "a journaled side effect is not repeated on replay")
	assert.Equal(t, []ir.EntryKind{
		ir.EntrySideEffect,
		ir.EntryAwakeableCreated,
		ir.EntryAwakeableResolved,
	}, f.kinds(t, id))
}

func TestRunOnce_RetriesInPlace(t *testing.T) {
	f := newFixture(t)
	effects := testutil.NewEffects()

	svc := NewService("mailer").Handler("send", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		return ctx.RunOnce("smtp", func(context.Context) (json.RawMessage, error) {
			if effects.Record("smtp") == 1 {
				return nil, errors.New("connection reset")
			}
			return json.RawMessage(`"sent"`), nil
		})
	})
	e := f.start(t, defs(svc))

	id := submit(t, e, ir.Request{Target: ir.Target{Service: "mailer", Handler: "send"}})
	out, err := attach(t, e, id)
	require.NoError(t, err)
	assert.JSONEq(t, `"sent"`, string(out))
	assert.Equal(t, 2, effects.Count("smtp"))

	inv, err := f.backend.ReadInvocation(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, inv.Attempts, "in-place retries do not spend invocation attempts")
}

func TestRunOnce_TerminalFailureIsJournaled(t *testing.T) {
	f := newFixture(t)
	effects := testutil.NewEffects()

	svc := NewService("payments").Handler("charge", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		return ctx.RunOnce("charge-card", func(context.Context) (json.RawMessage, error) {
			effects.Record("charge")
			return nil, ir.TerminalError(errors.New("card declined"))
		})
	})
	e := f.start(t, defs(svc))

	id := submit(t, e, ir.Request{Target: ir.Target{Service: "payments", Handler: "charge"}})
	_, err := attach(t, e, id)
	require.ErrorIs(t, err, ir.ErrTerminal)
	assert.Contains(t, err.Error(), "card declined")
	assert.Equal(t, 1, effects.Count("charge"))

	records, err := f.backend.ReadJournal(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Entry.Failure)
	assert.Equal(t, "card declined", records[0].Entry.Failure.Message)
}

func TestRetry_Exhausted(t *testing.T) {
	f := newFixture(t)
	var attempts atomic.Int32

	svc := NewService("flaky").Handler("run", func(*Context, json.RawMessage) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, errors.New("boom")
	})
	e := f.start(t, defs(svc))

	id := submit(t, e, ir.Request{Target: ir.Target{Service: "flaky", Handler: "run"}})
	_, err := attach(t, e, id)
	require.ErrorIs(t, err, ir.ErrRetryExhausted)
	assert.Contains(t, err.Error(), "boom")

	inv, err := f.backend.ReadInvocation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusFailed, inv.Status)
	assert.Equal(t, 3, inv.Attempts)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRetry_PanicIsRetried(t *testing.T) {
	f := newFixture(t)
	var attempts atomic.Int32

	svc := NewService("fragile").Handler("run", func(*Context, json.RawMessage) (json.RawMessage, error) {
		if attempts.Add(1) == 1 {
			panic("nil map")
		}
		return json.RawMessage(`"recovered"`), nil
	})
	e := f.start(t, defs(svc))

	id := submit(t, e, ir.Request{Target: ir.Target{Service: "fragile", Handler: "run"}})
	out, err := attach(t, e, id)
	require.NoError(t, err)
	assert.JSONEq(t, `"recovered"`, string(out))
	assert.Equal(t, int32(2), attempts.Load())
}

type addRequest struct {
	Subscriptions []string `json:"subscriptions"`
}

// A crash between two calls must neither repeat the first call nor lose the
// second.
func TestCall_ResumesAfterCrashBetweenCalls(t *testing.T) {
	f := newFixture(t)
	effects := testutil.NewEffects()
	var crashed atomic.Bool

	subscriptions := NewService("subscriptions").Handler("create", Handler(func(ctx *Context, name string) (string, error) {
		return RunAs(ctx, "create", func(context.Context) (string, error) {
			effects.Record("create " + name)
			return "sub-" + name, nil
		})
	}))
	user := NewObject("user").Handler("add", Handler(func(ctx *Context, in addRequest) ([]string, error) {
		var ids []string
		for i, name := range in.Subscriptions {
			id, err := CallAs[string](ctx, ir.Target{Service: "subscriptions", Handler: "create"}, name)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
			if i == 0 && crashed.CompareAndSwap(false, true) {
				return nil, errors.New("process crashed")
			}
		}
		if err := ctx.Set("subscriptions", ids); err != nil {
			return nil, err
		}
		return ids, nil
	}))
	e := f.start(t, defs(subscriptions, user))

	id := submit(t, e, ir.Request{
		Target: ir.Target{Service: "user", Key: "u1", Handler: "add"},
		Input:  codec.MustMarshal(addRequest{Subscriptions: []string{"A", "B"}}),
	})
	out, err := attach(t, e, id)
	require.NoError(t, err)
	assert.JSONEq(t, `["sub-A","sub-B"]`, string(out))

	assert.Equal(t, 1, effects.Count("create A"))
	assert.Equal(t, 1, effects.Count("create B"))

	state, ok, err := f.backend.GetState(context.Background(), ir.ObjectKey{Type: "user", Key: "u1"}, "subscriptions")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `["sub-A","sub-B"]`, string(state))

	child, err := f.backend.ReadInvocation(context.Background(), ir.ChildInvocationID(id, 0))
	require.NoError(t, err)
	assert.Equal(t, id, child.CallerID)
}

type subscriptionRequest struct {
	UserID        string   `json:"userId"`
	CreditCard    string   `json:"creditCard"`
	Subscriptions []string `json:"subscriptions"`
}

// A process dying after the payment is journaled but before any
// subscription is created: resubmitting the same invocation pays once and
// creates each subscription once, in order.
func TestDurableExecution_ResubmitAfterCrashAfterPayment(t *testing.T) {
	f := newFixture(t)
	effects := testutil.NewEffects()
	paid := make(chan struct{})
	var crash atomic.Bool
	crash.Store(true)

	svc := NewService("subscriptions").Handler("add", Handler(func(ctx *Context, req subscriptionRequest) (string, error) {
		paymentID := ctx.UUID().String()
		payRef, err := RunAs(ctx, "pay", func(context.Context) (string, error) {
			effects.Record("pay")
			return "pay-" + paymentID, nil
		})
		if err != nil {
			return "", err
		}
		if crash.CompareAndSwap(true, false) {
			close(paid)
			<-ctx.Done()
			return "", ctx.Err()
		}
		for _, sub := range req.Subscriptions {
			if _, err := RunAs(ctx, "subscribe "+sub, func(context.Context) (bool, error) {
				effects.Record("subscribe " + sub)
				return true, nil
			}); err != nil {
				return "", err
			}
		}
		return payRef, nil
	}))

	req := ir.Request{
		ID:     "sub-1",
		Target: ir.Target{Service: "subscriptions", Handler: "add"},
		Input: codec.MustMarshal(subscriptionRequest{
			UserID:        "sam",
			CreditCard:    "1234-5678",
			Subscriptions: []string{"A", "B"},
		}),
	}

	first := f.start(t, defs(svc))
	submit(t, first, req)
	select {
	case <-paid:
	case <-time.After(5 * time.Second):
		t.Fatal("payment never ran")
	}
	f.stop(first)

	assert.Equal(t, []ir.EntryKind{ir.EntrySideEffect}, f.kinds(t, "sub-1"))
	inv, err := f.backend.ReadInvocation(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusRunning, inv.Status)

	second := f.start(t, defs(svc))
	assert.Equal(t, "sub-1", submit(t, second, req))
	out, err := attach(t, second, "sub-1")
	require.NoError(t, err)

	records, err := f.backend.ReadJournal(context.Background(), "sub-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.JSONEq(t, string(records[0].Entry.Value), string(out), "the recorded payment reference is returned")

	assert.Equal(t, []string{"pay", "subscribe A", "subscribe B"}, effects.Order())
}

func TestCall_ChildFailureIsRecorded(t *testing.T) {
	f := newFixture(t)

	inventory := NewService("inventory").Handler("reserve", func(*Context, json.RawMessage) (json.RawMessage, error) {
		return nil, ir.TerminalError(errors.New("out of stock"))
	})
	orders := NewService("orders").Handler("place", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		_, err := ctx.Call(ir.Target{Service: "inventory", Handler: "reserve"}, nil)
		if errors.Is(err, ir.ErrTerminal) {
			return codec.Marshal("backordered")
		}
		return nil, err
	})
	e := f.start(t, defs(inventory, orders))

	id := submit(t, e, ir.Request{Target: ir.Target{Service: "orders", Handler: "place"}})
	out, err := attach(t, e, id)
	require.NoError(t, err)
	assert.JSONEq(t, `"backordered"`, string(out))

	records, err := f.backend.ReadJournal(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ir.EntryCall, records[0].Entry.Kind)
	require.NotNil(t, records[0].Entry.Failure)
	assert.Equal(t, "out of stock", records[0].Entry.Failure.Message)
}

func TestObject_ExclusiveHandlersRunOneAtATime(t *testing.T) {
	f := newFixture(t)
	var inflight, peak atomic.Int32

	counter := NewObject("counter").
		Handler("add", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
			n, _, err := GetAs[int](ctx, "n")
			if err != nil {
				return nil, err
			}
			if _, err := ctx.RunOnce("work", func(context.Context) (json.RawMessage, error) {
				cur := inflight.Add(1)
				for {
					p := peak.Load()
					if cur <= p || peak.CompareAndSwap(p, cur) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inflight.Add(-1)
				return nil, nil
			}); err != nil {
				return nil, err
			}
			return nil, ctx.Set("n", n+1)
		}).
		Shared("get", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
			v, _, err := ctx.Get("n")
			return v, err
		})
	e := f.start(t, defs(counter))

	var ids []string
	for range 5 {
		ids = append(ids, submit(t, e, ir.Request{Target: ir.Target{Service: "counter", Key: "a", Handler: "add"}}))
	}
	for _, id := range ids {
		_, err := attach(t, e, id)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), peak.Load(), "exclusive handlers of one key never overlap")

	id := submit(t, e, ir.Request{Target: ir.Target{Service: "counter", Key: "a", Handler: "get"}})
	out, err := attach(t, e, id)
	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(out))
}

func TestObject_SharedRunsWhileOwnerSuspended(t *testing.T) {
	f := newFixture(t)

	doc := NewObject("doc").
		Handler("hold", awaitOne).
		Shared("peek", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
			return codec.Marshal("peeked")
		})
	e := f.start(t, defs(doc))

	holdID := submit(t, e, ir.Request{Target: ir.Target{Service: "doc", Key: "d1", Handler: "hold"}})
	f.waitStatus(t, holdID, ir.StatusSuspended)

	peekID := submit(t, e, ir.Request{Target: ir.Target{Service: "doc", Key: "d1", Handler: "peek"}})
	out, err := attach(t, e, peekID)
	require.NoError(t, err)
	assert.JSONEq(t, `"peeked"`, string(out))

	require.NoError(t, e.ResolvePromise(context.Background(), ir.AwakeableID(holdID, 0), json.RawMessage(`"done"`)))
	out, err = attach(t, e, holdID)
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(out))
}

func TestState_CommittedOnlyOnCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wallet := ir.ObjectKey{Type: "wallet", Key: "w1"}

	obj := NewObject("wallet").
		Handler("deposit", Handler(func(ctx *Context, amount int) (int, error) {
			balance, _, err := GetAs[int](ctx, "balance")
			if err != nil {
				return 0, err
			}
			if err := ctx.Set("balance", balance+amount); err != nil {
				return 0, err
			}
			if err := ctx.Set("last", amount); err != nil {
				return 0, err
			}
			if amount < 0 {
				return 0, ir.TerminalError(errors.New("negative deposit"))
			}
			return balance + amount, nil
		})).
		Handler("reset", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
			return nil, ctx.ClearAll()
		}).
		Handler("forget", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
			return nil, ctx.Clear("last")
		}).
		Shared("keys", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
			keys, err := ctx.Keys()
			if err != nil {
				return nil, err
			}
			return codec.Marshal(keys)
		}).
		Shared("tamper", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
			return nil, ctx.Set("balance", 1000)
		})
	e := f.start(t, defs(obj))

	call := func(handler string, input any) (json.RawMessage, error) {
		id := submit(t, e, ir.Request{
			Target: ir.Target{Service: "wallet", Key: "w1", Handler: handler},
			Input:  codec.MustMarshal(input),
		})
		return attach(t, e, id)
	}

	out, err := call("deposit", 10)
	require.NoError(t, err)
	assert.JSONEq(t, `10`, string(out))

	_, err = call("deposit", -5)
	require.ErrorIs(t, err, ir.ErrTerminal)

	state, err := f.backend.GetAllState(ctx, wallet)
	require.NoError(t, err)
	assert.Len(t, state, 2)
	assert.JSONEq(t, `10`, string(state["balance"]), "a failed invocation leaves no state behind")

	out, err = call("keys", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `["balance","last"]`, string(out))

	_, err = call("tamper", nil)
	require.ErrorIs(t, err, ir.ErrTerminal, "shared handlers cannot change state")

	_, err = call("forget", nil)
	require.NoError(t, err)
	out, err = call("keys", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `["balance"]`, string(out))

	_, err = call("reset", nil)
	require.NoError(t, err)
	state, err = f.backend.GetAllState(ctx, wallet)
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestService_HasNoState(t *testing.T) {
	f := newFixture(t)
	svc := NewService("stateless").Handler("run", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, ctx.Set("x", 1)
	})
	e := f.start(t, defs(svc))

	id := submit(t, e, ir.Request{Target: ir.Target{Service: "stateless", Handler: "run"}})
	_, err := attach(t, e, id)
	require.ErrorIs(t, err, ir.ErrTerminal)
}

func TestWorkflow_RunsOncePerKey(t *testing.T) {
	f := newFixture(t)
	effects := testutil.NewEffects()

	wf := NewWorkflow("signup", func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		effects.Record("run")
		return input, nil
	})
	e := f.start(t, defs(wf))
	target := ir.Target{Service: "signup", Key: "user-1", Handler: WorkflowRun}

	id := submit(t, e, ir.Request{Target: target, Input: json.RawMessage(`"first"`)})
	out, err := attach(t, e, id)
	require.NoError(t, err)
	assert.JSONEq(t, `"first"`, string(out))

	again, err := e.Submit(context.Background(), ir.Request{Target: target, Input: json.RawMessage(`"second"`)})
	require.ErrorIs(t, err, ir.ErrAlreadyCompleted)
	assert.Equal(t, id, again, "the completed run is reported")
	assert.Equal(t, 1, effects.Count("run"))

	other := submit(t, e, ir.Request{Target: ir.Target{Service: "signup", Key: "user-2", Handler: WorkflowRun}})
	_, err = attach(t, e, other)
	require.NoError(t, err)
	assert.Equal(t, 2, effects.Count("run"))
}

func TestWorkflow_SignalledThroughNamedPromise(t *testing.T) {
	f := newFixture(t)

	wf := NewWorkflow("approval", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		return ctx.Promise("decision").Await()
	}).Handler("decide", func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, ctx.ResolvePromise("decision", input)
	})
	e := f.start(t, defs(wf))

	runID := submit(t, e, ir.Request{Target: ir.Target{Service: "approval", Key: "doc-1", Handler: WorkflowRun}})
	inv := f.waitStatus(t, runID, ir.StatusSuspended)
	assert.Equal(t, "promise:"+ir.WorkflowPromiseID("approval", "doc-1", "decision"), inv.Awaiting)

	decide := func(verdict string) error {
		id := submit(t, e, ir.Request{
			Target: ir.Target{Service: "approval", Key: "doc-1", Handler: "decide"},
			Input:  codec.MustMarshal(verdict),
		})
		_, err := attach(t, e, id)
		return err
	}

	require.NoError(t, decide("approved"))
	out, err := attach(t, e, runID)
	require.NoError(t, err)
	assert.JSONEq(t, `"approved"`, string(out))

	assert.ErrorIs(t, decide("rejected"), ir.ErrAlreadyResolved, "the first decision stands")
}

func TestPromise_FirstCompletionWins(t *testing.T) {
	f := newFixture(t)
	e := f.start(t, defs(NewService("waiter").Handler("wait", awaitOne)))
	ctx := context.Background()

	id := submit(t, e, ir.Request{Target: ir.Target{Service: "waiter", Handler: "wait"}})
	f.waitStatus(t, id, ir.StatusSuspended)
	promiseID := ir.AwakeableID(id, 0)

	require.NoError(t, e.ResolvePromise(ctx, promiseID, json.RawMessage(`"first"`)))
	assert.ErrorIs(t, e.ResolvePromise(ctx, promiseID, json.RawMessage(`"second"`)), ir.ErrAlreadyResolved)
	assert.ErrorIs(t, e.RejectPromise(ctx, promiseID, "too late"), ir.ErrAlreadyResolved)

	out, err := attach(t, e, id)
	require.NoError(t, err)
	assert.JSONEq(t, `"first"`, string(out))

	p, err := f.backend.ReadPromise(ctx, promiseID)
	require.NoError(t, err)
	assert.Equal(t, ir.PromiseResolved, p.State)
}

func TestPromise_Rejected(t *testing.T) {
	f := newFixture(t)
	e := f.start(t, defs(NewService("waiter").Handler("wait", awaitOne)))

	id := submit(t, e, ir.Request{Target: ir.Target{Service: "waiter", Handler: "wait"}})
	f.waitStatus(t, id, ir.StatusSuspended)

	require.NoError(t, e.RejectPromise(context.Background(), ir.AwakeableID(id, 0), "denied"))
	_, err := attach(t, e, id)
	require.ErrorIs(t, err, ir.ErrTerminal)
	assert.Contains(t, err.Error(), "denied")
}

func TestReplay_MismatchParksUntilResumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var version atomic.Int32
	version.Store(1)

	svc := NewService("evolving").Handler("run", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		step := fmt.Sprintf("step-v%d", version.Load())
		if _, err := ctx.RunOnce(step, func(context.Context) (json.RawMessage, error) {
			return json.RawMessage(`1`), nil
		}); err != nil {
			return nil, err
		}
		return ctx.Awakeable().Await()
	})
	e := f.start(t, defs(svc))

	id := submit(t, e, ir.Request{Target: ir.Target{Service: "evolving", Handler: "run"}})
	f.waitStatus(t, id, ir.StatusSuspended)

	// Deploy incompatible code, then wake the invocation.
	version.Store(2)
	require.NoError(t, e.ResolvePromise(ctx, ir.AwakeableID(id, 1), json.RawMessage(`"ok"`)))

	inv := f.waitStatus(t, id, ir.StatusParked)
	assert.True(t, strings.HasPrefix(inv.Awaiting, "parked:"))
	assert.Contains(t, inv.Awaiting, "step-v1")
	assert.Contains(t, inv.Awaiting, "step-v2")

	_, done, err := e.Output(ctx, id)
	assert.False(t, done)
	assert.ErrorIs(t, err, ir.ErrNonDeterminism)

	_, err = attach(t, e, id)
	assert.ErrorIs(t, err, ir.ErrNonDeterminism)

	// Roll back and resume.
	version.Store(1)
	require.NoError(t, e.Resume(ctx, id))
	out, err := attach(t, e, id)
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(out))

	assert.ErrorIs(t, e.Resume(ctx, id), ir.ErrInvalid, "only parked invocations resume")
}

func TestSleep_TimerFiresOnceAndNeverEarly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	effects := testutil.NewEffects()

	svc := NewService("sleeper").Handler("nap", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		if err := ctx.Sleep(time.Hour); err != nil {
			return nil, err
		}
		return ctx.RunOnce("after", func(context.Context) (json.RawMessage, error) {
			effects.Record("after")
			return json.RawMessage(`"rested"`), nil
		})
	})
	e := f.start(t, defs(svc))

	id := submit(t, e, ir.Request{Target: ir.Target{Service: "sleeper", Handler: "nap"}})
	timerID := ir.SleepTimerID(id, 0)
	inv := f.waitStatus(t, id, ir.StatusSuspended)
	assert.Equal(t, "timer:"+timerID, inv.Awaiting)

	f.clock.Advance(30 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	inv, err := f.backend.ReadInvocation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusSuspended, inv.Status, "a timer never fires early")

	f.clock.Advance(30 * time.Minute)
	out, err := attach(t, e, id)
	require.NoError(t, err)
	assert.JSONEq(t, `"rested"`, string(out))

	// A duplicate delivery and a stray wake-up change nothing.
	delivered, err := e.Timers().Deliver(ctx, timerID)
	require.NoError(t, err)
	assert.False(t, delivered)
	e.wake(id, EventTypeWake, "test")
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, effects.Count("after"))
	assert.Equal(t, []ir.EntryKind{
		ir.EntrySleepUntil,
		ir.EntrySleepCompleted,
		ir.EntrySideEffect,
	}, f.kinds(t, id))
}

func TestSleepUntil_JournalsNowThenTimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deadline := testutil.Epoch.Add(2 * time.Hour)

	svc := NewService("sleeper").Handler("until", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		if err := SleepUntil(ctx, deadline); err != nil {
			return nil, err
		}
		return json.RawMessage(`"awake"`), nil
	})
	e := f.start(t, defs(svc))

	id := submit(t, e, ir.Request{Target: ir.Target{Service: "sleeper", Handler: "until"}})
	inv := f.waitStatus(t, id, ir.StatusSuspended)
	assert.Equal(t, "timer:"+ir.SleepTimerID(id, 1), inv.Awaiting)

	records, err := f.backend.ReadJournal(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ir.EntrySideEffect, records[0].Entry.Kind)
	assert.True(t, deadline.Equal(records[1].Entry.FireAt))

	f.clock.Advance(2 * time.Hour)
	out, err := attach(t, e, id)
	require.NoError(t, err)
	assert.JSONEq(t, `"awake"`, string(out))
}

func TestSelect_AwakeableWithTimeout(t *testing.T) {
	svc := NewService("approvals").Handler("await", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		answer := ctx.Awakeable()
		timeout := ctx.After(time.Minute)
		i, err := ctx.Select(answer, timeout)
		if err != nil {
			return nil, err
		}
		if i == 1 {
			return codec.Marshal("timed out")
		}
		return answer.Await()
	})
	target := ir.Target{Service: "approvals", Handler: "await"}

	t.Run("timer wins", func(t *testing.T) {
		f := newFixture(t)
		e := f.start(t, defs(svc))

		id := submit(t, e, ir.Request{Target: target})
		inv := f.waitStatus(t, id, ir.StatusSuspended)
		assert.Equal(t, "promise:"+ir.AwakeableID(id, 0)+",timer:"+ir.SleepTimerID(id, 1), inv.Awaiting)

		f.clock.Advance(time.Minute)
		out, err := attach(t, e, id)
		require.NoError(t, err)
		assert.JSONEq(t, `"timed out"`, string(out))

		// A late answer is accepted by the promise but changes nothing.
		require.NoError(t, e.ResolvePromise(context.Background(), ir.AwakeableID(id, 0), json.RawMessage(`"yes"`)))
		out, err = attach(t, e, id)
		require.NoError(t, err)
		assert.JSONEq(t, `"timed out"`, string(out))
	})

	t.Run("awakeable wins", func(t *testing.T) {
		f := newFixture(t)
		e := f.start(t, defs(svc))

		id := submit(t, e, ir.Request{Target: target})
		f.waitStatus(t, id, ir.StatusSuspended)

		require.NoError(t, e.ResolvePromise(context.Background(), ir.AwakeableID(id, 0), json.RawMessage(`"yes"`)))
		out, err := attach(t, e, id)
		require.NoError(t, err)
		assert.JSONEq(t, `"yes"`, string(out))

		assert.Equal(t, []ir.EntryKind{
			ir.EntryAwakeableCreated,
			ir.EntrySleepUntil,
			ir.EntryAwakeableResolved,
		}, f.kinds(t, id))

		timer, err := f.backend.ReadTimer(context.Background(), ir.SleepTimerID(id, 1))
		require.NoError(t, err)
		assert.True(t, timer.Cancelled, "completion cancels the losing timer")
	})
}

func TestSend_ImmediateAndDelayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	greet := ir.Target{Service: "greeter", Handler: "hello"}

	greeter := NewService("greeter").Handler("hello", Handler(func(_ *Context, name string) (string, error) {
		return "hello " + name, nil
	}))
	scheduler := NewService("scheduler").Handler("plan", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		now, err := ctx.Send(greet, "bob")
		if err != nil {
			return nil, err
		}
		later, err := ctx.SendDelayed(greet, "ada", time.Hour)
		if err != nil {
			return nil, err
		}
		return codec.Marshal([]string{now, later})
	})
	e := f.start(t, defs(greeter, scheduler))

	id := submit(t, e, ir.Request{Target: ir.Target{Service: "scheduler", Handler: "plan"}})
	out, err := attach(t, e, id)
	require.NoError(t, err)
	children, err := codec.Unmarshal[[]string](out)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, ir.ChildInvocationID(id, 0), children[0])
	assert.Equal(t, ir.ChildInvocationID(id, 1), children[1])

	out, err = attach(t, e, children[0])
	require.NoError(t, err)
	assert.JSONEq(t, `"hello bob"`, string(out))

	_, err = f.backend.ReadInvocation(ctx, children[1])
	assert.ErrorIs(t, err, ir.ErrNotFound, "a delayed send is not submitted early")

	f.clock.Advance(time.Hour)
	require.Eventually(t, func() bool {
		_, err := f.backend.ReadInvocation(ctx, children[1])
		return err == nil
	}, 5*time.Second, 2*time.Millisecond)
	out, err = attach(t, e, children[1])
	require.NoError(t, err)
	assert.JSONEq(t, `"hello ada"`, string(out))
}

func TestLockTimeout_FailsRetryablyAndReadmits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc := NewObject("doc").
		Handler("hold", awaitOne).
		Handler("edit", func(*Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`"edited"`), nil
		})
	e := f.start(t, defs(doc), WithLockTimeout(50*time.Millisecond))

	holdID := submit(t, e, ir.Request{Target: ir.Target{Service: "doc", Key: "d1", Handler: "hold"}})
	f.waitStatus(t, holdID, ir.StatusSuspended)

	edit := ir.Request{ID: "edit-1", Target: ir.Target{Service: "doc", Key: "d1", Handler: "edit"}}
	submit(t, e, edit)
	_, err := attach(t, e, "edit-1")
	require.ErrorIs(t, err, ir.ErrLockTimeout)

	inv, err := f.backend.ReadInvocation(ctx, "edit-1")
	require.NoError(t, err)
	require.NotNil(t, inv.Failure)
	assert.True(t, inv.Failure.Retryable)

	require.NoError(t, e.ResolvePromise(ctx, ir.AwakeableID(holdID, 0), nil))
	_, err = attach(t, e, holdID)
	require.NoError(t, err)

	assert.Equal(t, "edit-1", submit(t, e, edit))
	out, err := attach(t, e, "edit-1")
	require.NoError(t, err)
	assert.JSONEq(t, `"edited"`, string(out))
}

func TestDeterministicValues_StableAcrossReplays(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var seen []string
	svc := NewService("ids").Handler("mint", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		v := fmt.Sprintf("%s|%d|%s", ctx.UUID(), ctx.Rand().IntN(1_000_000), ctx.Now().Format(time.RFC3339Nano))
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
		if _, err := ctx.Awakeable().Await(); err != nil {
			return nil, err
		}
		return codec.Marshal(v)
	})
	e := f.start(t, defs(svc))

	id := submit(t, e, ir.Request{Target: ir.Target{Service: "ids", Handler: "mint"}})
	f.waitStatus(t, id, ir.StatusSuspended)

	f.clock.Advance(time.Minute)
	require.NoError(t, e.ResolvePromise(context.Background(), ir.AwakeableID(id, 1), nil))
	out, err := attach(t, e, id)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, seen[0], seen[1], "replay sees the same uuid, random number and time")
	assert.JSONEq(t, string(codec.MustMarshal(seen[0])), string(out))
}

func TestRecovery_RestartKeepsLockOrder(t *testing.T) {
	f := newFixture(t)
	effects := testutil.NewEffects()

	account := NewObject("account").
		Handler("slow", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
			if err := ctx.Sleep(time.Hour); err != nil {
				return nil, err
			}
			if _, err := ctx.RunOnce("slow", func(context.Context) (json.RawMessage, error) {
				effects.Record("slow")
				return nil, nil
			}); err != nil {
				return nil, err
			}
			return nil, ctx.Set("last", "slow")
		}).
		Handler("fast", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
			if _, err := ctx.RunOnce("fast", func(context.Context) (json.RawMessage, error) {
				effects.Record("fast")
				return nil, nil
			}); err != nil {
				return nil, err
			}
			return nil, ctx.Set("last", "fast")
		})
	registered := defs(account)

	first := f.start(t, registered)
	submit(t, first, ir.Request{ID: "slow-1", Target: ir.Target{Service: "account", Key: "k", Handler: "slow"}})
	f.waitStatus(t, "slow-1", ir.StatusSuspended)
	submit(t, first, ir.Request{ID: "fast-1", Target: ir.Target{Service: "account", Key: "k", Handler: "fast"}})
	time.Sleep(30 * time.Millisecond)
	f.stop(first)

	inv, err := f.backend.ReadInvocation(context.Background(), "fast-1")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusPending, inv.Status, "fast waits behind the suspended owner")

	second := f.start(t, registered)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, effects.Order(), "the restarted engine keeps the key with its owner")

	f.clock.Advance(time.Hour)
	_, err = attach(t, second, "fast-1")
	require.NoError(t, err)
	_, err = attach(t, second, "slow-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"slow", "fast"}, effects.Order())
	last, _, err := f.backend.GetState(context.Background(), ir.ObjectKey{Type: "account", Key: "k"}, "last")
	require.NoError(t, err)
	assert.JSONEq(t, `"fast"`, string(last))
}

func TestEngine_StopReturnsNil(t *testing.T) {
	e := New(setupTestStore(t), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, e.Register(NewService("greeter").Handler("greet", echo)))

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	e.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
