// Package storetest is the conformance suite every store.Backend must pass.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store"
)

// Opener returns a fresh, empty backend. The suite closes it.
type Opener func(t *testing.T) store.Backend

// Epoch is the base time used by the suite.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Run executes the suite against backends produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, ctx context.Context, b store.Backend)
	}{
		{"CreateInvocation assigns arrival order", testCreateAssignsSeq},
		{"CreateInvocation is idempotent", testCreateIdempotent},
		{"ReadInvocation reports unknown IDs", testReadNotFound},
		{"ListInvocations filters and orders", testListInvocations},
		{"SetStatus guards terminal invocations", testSetStatus},
		{"IncrementAttempts counts", testIncrementAttempts},
		{"Readmit resets retryable failures", testReadmit},
		{"Append assigns gapless positions", testAppendGapless},
		{"Append rejects unknown and terminal invocations", testAppendRejects},
		{"Append is safe under concurrency", testAppendConcurrent},
		{"MarkTerminal commits state atomically", testMarkTerminalState},
		{"MarkTerminal happens once", testMarkTerminalOnce},
		{"MarkTerminal cancels wake timers", testMarkTerminalCancelsTimers},
		{"ClaimWorkflow keeps the first run", testClaimWorkflow},
		{"Promises complete once", testPromiseCompleteOnce},
		{"Promises adopt an owner", testPromiseOwner},
		{"Completing an unknown promise creates it", testPromiseCompleteUnknown},
		{"Timers schedule idempotently", testTimerSchedule},
		{"Timers fire once", testTimerFireOnce},
		{"Timers are due in order", testTimerDue},
		{"Timers cancel before firing only", testTimerCancel},
		{"Timers track delivery", testTimerDelivery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := open(t)
			t.Cleanup(func() { b.Close() })
			tt.fn(t, context.Background(), b)
		})
	}
}

func newInvocation(id string, target ir.Target, kind ir.HandlerKind) ir.Invocation {
	input := json.RawMessage(`{"n":1}`)
	return ir.Invocation{
		ID:          id,
		Target:      target,
		Kind:        kind,
		Mode:        ir.ModeExclusive,
		Input:       input,
		PayloadHash: ir.PayloadHash(target, input),
		CreatedAt:   Epoch,
	}
}

var (
	counterTarget = ir.Target{Service: "counter", Key: "c1", Handler: "add"}
	greetTarget   = ir.Target{Service: "greeter", Handler: "greet"}
)

func mustCreate(t *testing.T, ctx context.Context, b store.Backend, inv ir.Invocation) ir.Invocation {
	t.Helper()
	stored, created, err := b.CreateInvocation(ctx, inv)
	require.NoError(t, err)
	require.True(t, created)
	return stored
}

func testCreateAssignsSeq(t *testing.T, ctx context.Context, b store.Backend) {
	first := mustCreate(t, ctx, b, newInvocation("a", greetTarget, ir.KindService))
	second := mustCreate(t, ctx, b, newInvocation("b", greetTarget, ir.KindService))

	assert.Greater(t, second.Seq, first.Seq)
	assert.Equal(t, ir.StatusPending, first.Status)

	got, err := b.ReadInvocation(ctx, "a")
	require.NoError(t, err)
	if diff := cmp.Diff(first, got); diff != "" {
		t.Fatalf("stored invocation mismatch (-created +read):\n%s", diff)
	}
}

func testCreateIdempotent(t *testing.T, ctx context.Context, b store.Backend) {
	original := mustCreate(t, ctx, b, newInvocation("a", greetTarget, ir.KindService))

	dup := newInvocation("a", counterTarget, ir.KindObject)
	stored, created, err := b.CreateInvocation(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, original.Target, stored.Target, "the first submission wins")
	assert.Equal(t, original.Seq, stored.Seq)
}

func testReadNotFound(t *testing.T, ctx context.Context, b store.Backend) {
	_, err := b.ReadInvocation(ctx, "missing")
	assert.ErrorIs(t, err, ir.ErrNotFound)

	_, err = b.ReadPromise(ctx, "missing")
	assert.ErrorIs(t, err, ir.ErrNotFound)

	_, err = b.ReadTimer(ctx, "missing")
	assert.ErrorIs(t, err, ir.ErrNotFound)
}

func testListInvocations(t *testing.T, ctx context.Context, b store.Backend) {
	for i := 0; i < 4; i++ {
		mustCreate(t, ctx, b, newInvocation(fmt.Sprintf("inv-%d", i), greetTarget, ir.KindService))
	}
	mustCreate(t, ctx, b, newInvocation("obj", counterTarget, ir.KindObject))
	require.NoError(t, b.SetStatus(ctx, "inv-1", ir.StatusSuspended, "promise:p"))
	require.NoError(t, b.MarkTerminal(ctx, ir.Outcome{InvocationID: "inv-2", Status: ir.StatusCompleted}))

	all, err := b.ListInvocations(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Seq, all[i].Seq)
	}

	live, err := b.ListInvocations(ctx, store.Filter{Statuses: store.NonTerminal})
	require.NoError(t, err)
	ids := make([]string, len(live))
	for i, inv := range live {
		ids[i] = inv.ID
	}
	assert.Equal(t, []string{"inv-0", "inv-1", "inv-3", "obj"}, ids)

	objects, err := b.ListInvocations(ctx, store.Filter{Service: "counter"})
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "obj", objects[0].ID)

	limited, err := b.ListInvocations(ctx, store.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := b.ListInvocations(ctx, store.Filter{Statuses: []ir.Status{ir.StatusParked}})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func testSetStatus(t *testing.T, ctx context.Context, b store.Backend) {
	mustCreate(t, ctx, b, newInvocation("a", greetTarget, ir.KindService))

	require.NoError(t, b.SetStatus(ctx, "a", ir.StatusSuspended, "timer:t1"))
	got, err := b.ReadInvocation(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusSuspended, got.Status)
	assert.Equal(t, "timer:t1", got.Awaiting)

	assert.ErrorIs(t, b.SetStatus(ctx, "a", ir.StatusCompleted, ""), ir.ErrInvalid)
	assert.ErrorIs(t, b.SetStatus(ctx, "missing", ir.StatusRunning, ""), ir.ErrNotFound)

	require.NoError(t, b.MarkTerminal(ctx, ir.Outcome{InvocationID: "a", Status: ir.StatusCompleted}))
	assert.ErrorIs(t, b.SetStatus(ctx, "a", ir.StatusRunning, ""), ir.ErrInvalid)
}

func testIncrementAttempts(t *testing.T, ctx context.Context, b store.Backend) {
	mustCreate(t, ctx, b, newInvocation("a", greetTarget, ir.KindService))

	for want := 1; want <= 3; want++ {
		n, err := b.IncrementAttempts(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func testReadmit(t *testing.T, ctx context.Context, b store.Backend) {
	mustCreate(t, ctx, b, newInvocation("timed-out", counterTarget, ir.KindObject))
	require.NoError(t, b.MarkTerminal(ctx, ir.Outcome{
		InvocationID: "timed-out",
		Status:       ir.StatusFailed,
		Failure:      ir.FailureFrom(ir.Errorf(ir.CodeLockTimeout, "busy")),
	}))

	inv, err := b.Readmit(ctx, "timed-out")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusPending, inv.Status)
	assert.Nil(t, inv.Failure)

	mustCreate(t, ctx, b, newInvocation("declined", counterTarget, ir.KindObject))
	require.NoError(t, b.MarkTerminal(ctx, ir.Outcome{
		InvocationID: "declined",
		Status:       ir.StatusFailed,
		Failure:      ir.FailureFrom(ir.TerminalError(fmt.Errorf("declined"))),
	}))
	_, err = b.Readmit(ctx, "declined")
	assert.ErrorIs(t, err, ir.ErrInvalid)
}

func sampleEntries() []ir.Entry {
	return []ir.Entry{
		ir.SideEffectResult("pay", json.RawMessage(`"tx-1"`), nil),
		ir.StateGet("count", nil),
		ir.StateSet("count", json.RawMessage(`1`)),
		ir.SleepUntil("tmr_1", Epoch.Add(time.Minute)),
		ir.SleepCompleted("tmr_1"),
		ir.CallResult(greetTarget, "inv_child", nil, &ir.Failure{Code: ir.CodeTerminal, Message: "no"}),
	}
}

func testAppendGapless(t *testing.T, ctx context.Context, b store.Backend) {
	mustCreate(t, ctx, b, newInvocation("a", counterTarget, ir.KindObject))
	mustCreate(t, ctx, b, newInvocation("b", counterTarget, ir.KindObject))

	entries := sampleEntries()
	for i, e := range entries {
		seq, err := b.Append(ctx, "a", e)
		require.NoError(t, err)
		assert.Equal(t, int64(i), seq)
	}
	seq, err := b.Append(ctx, "b", ir.StateClearAll())
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq, "positions are per invocation")

	records, err := b.ReadJournal(ctx, "a")
	require.NoError(t, err)
	want := make([]ir.Record, len(entries))
	for i, e := range entries {
		want[i] = ir.Record{Seq: int64(i), Entry: e}
	}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Fatalf("journal mismatch (-want +got):\n%s", diff)
	}

	empty, err := b.ReadJournal(ctx, "missing")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func testAppendRejects(t *testing.T, ctx context.Context, b store.Backend) {
	_, err := b.Append(ctx, "missing", ir.StateClearAll())
	assert.ErrorIs(t, err, ir.ErrNotFound)

	mustCreate(t, ctx, b, newInvocation("a", greetTarget, ir.KindService))
	_, err = b.Append(ctx, "a", ir.Entry{Kind: "bogus"})
	assert.ErrorIs(t, err, ir.ErrInvalid)

	require.NoError(t, b.MarkTerminal(ctx, ir.Outcome{InvocationID: "a", Status: ir.StatusCompleted}))
	_, err = b.Append(ctx, "a", ir.StateClearAll())
	assert.ErrorIs(t, err, ir.ErrInvalid, "terminal journals are closed")
}

func testAppendConcurrent(t *testing.T, ctx context.Context, b store.Backend) {
	mustCreate(t, ctx, b, newInvocation("a", greetTarget, ir.KindService))

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.Append(ctx, "a", ir.SideEffectResult(fmt.Sprintf("step-%d", i), json.RawMessage(`null`), nil))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	records, err := b.ReadJournal(ctx, "a")
	require.NoError(t, err)
	require.Len(t, records, n)
	for i, r := range records {
		assert.Equal(t, int64(i), r.Seq)
	}
}

func testMarkTerminalState(t *testing.T, ctx context.Context, b store.Backend) {
	obj := ir.ObjectKey{Type: "counter", Key: "c1"}
	other := ir.ObjectKey{Type: "counter", Key: "c2"}

	mustCreate(t, ctx, b, newInvocation("seed", counterTarget, ir.KindObject))
	require.NoError(t, b.MarkTerminal(ctx, ir.Outcome{
		InvocationID: "seed",
		Status:       ir.StatusCompleted,
		Object:       obj,
		Mutations: []ir.StateMutation{
			{Key: "count", Value: json.RawMessage(`1`)},
			{Key: "name", Value: json.RawMessage(`"c"`)},
		},
	}))

	value, ok, err := b.GetState(ctx, obj, "count")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `1`, string(value))

	_, ok, err = b.GetState(ctx, other, "count")
	require.NoError(t, err)
	assert.False(t, ok, "state is scoped per key")

	mustCreate(t, ctx, b, newInvocation("next", counterTarget, ir.KindObject))
	require.NoError(t, b.MarkTerminal(ctx, ir.Outcome{
		InvocationID: "next",
		Status:       ir.StatusCompleted,
		Object:       obj,
		Mutations: []ir.StateMutation{
			{ClearAll: true},
			{Key: "count", Value: json.RawMessage(`5`)},
			{Key: "count", Clear: true},
			{Key: "total", Value: json.RawMessage(`9`)},
		},
	}))

	all, err := b.GetAllState(ctx, obj)
	require.NoError(t, err)
	assert.Equal(t, map[string]json.RawMessage{"total": json.RawMessage(`9`)}, all)

	// A rejected terminal transition must not leak its mutations.
	err = b.MarkTerminal(ctx, ir.Outcome{
		InvocationID: "next",
		Status:       ir.StatusCompleted,
		Object:       obj,
		Mutations:    []ir.StateMutation{{Key: "leak", Value: json.RawMessage(`1`)}},
	})
	require.ErrorIs(t, err, ir.ErrInvalid)
	_, ok, err = b.GetState(ctx, obj, "leak")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testMarkTerminalOnce(t *testing.T, ctx context.Context, b store.Backend) {
	mustCreate(t, ctx, b, newInvocation("a", greetTarget, ir.KindService))

	require.NoError(t, b.MarkTerminal(ctx, ir.Outcome{
		InvocationID: "a",
		Status:       ir.StatusCompleted,
		Output:       json.RawMessage(`"hi"`),
	}))
	err := b.MarkTerminal(ctx, ir.Outcome{
		InvocationID: "a",
		Status:       ir.StatusFailed,
		Failure:      &ir.Failure{Code: ir.CodeTerminal, Message: "late"},
	})
	assert.ErrorIs(t, err, ir.ErrInvalid)

	got, err := b.ReadInvocation(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusCompleted, got.Status)
	assert.JSONEq(t, `"hi"`, string(got.Output))
	assert.Nil(t, got.Failure)

	assert.ErrorIs(t, b.MarkTerminal(ctx, ir.Outcome{InvocationID: "a", Status: ir.StatusRunning}), ir.ErrInvalid)
}

func testMarkTerminalCancelsTimers(t *testing.T, ctx context.Context, b store.Backend) {
	mustCreate(t, ctx, b, newInvocation("a", greetTarget, ir.KindService))
	for _, tm := range []ir.Timer{
		{ID: "wake", InvocationID: "a", Kind: ir.TimerWake, FireAt: Epoch.Add(time.Hour)},
		{ID: "send", InvocationID: "a", Kind: ir.TimerInvoke, FireAt: Epoch.Add(time.Hour)},
	} {
		_, err := b.ScheduleTimer(ctx, tm)
		require.NoError(t, err)
	}

	require.NoError(t, b.MarkTerminal(ctx, ir.Outcome{InvocationID: "a", Status: ir.StatusCompleted}))

	wake, err := b.ReadTimer(ctx, "wake")
	require.NoError(t, err)
	assert.True(t, wake.Cancelled)

	send, err := b.ReadTimer(ctx, "send")
	require.NoError(t, err)
	assert.False(t, send.Cancelled, "delayed sends outlive their sender")
}

func testClaimWorkflow(t *testing.T, ctx context.Context, b store.Backend) {
	obj := ir.ObjectKey{Type: "signup", Key: "alice"}

	owner, err := b.ClaimWorkflow(ctx, obj, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", owner)

	owner, err = b.ClaimWorkflow(ctx, obj, "run-2")
	require.NoError(t, err)
	assert.Equal(t, "run-1", owner)

	owner, err = b.ClaimWorkflow(ctx, ir.ObjectKey{Type: "signup", Key: "bob"}, "run-3")
	require.NoError(t, err)
	assert.Equal(t, "run-3", owner)
}

func testPromiseCompleteOnce(t *testing.T, ctx context.Context, b store.Backend) {
	p, err := b.CreatePromise(ctx, ir.Promise{ID: "p1", OwnerID: "a", CreatedAt: Epoch})
	require.NoError(t, err)
	assert.Equal(t, ir.PromisePending, p.State)

	p, err = b.CompletePromise(ctx, "p1", ir.Completion{Value: json.RawMessage(`"first"`)}, Epoch.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, ir.PromiseResolved, p.State)

	p, err = b.CompletePromise(ctx, "p1", ir.Completion{Failure: &ir.Failure{Code: ir.CodeTerminal, Message: "second"}}, Epoch.Add(2*time.Second))
	assert.ErrorIs(t, err, ir.ErrAlreadyResolved)
	assert.Equal(t, ir.PromiseResolved, p.State)
	assert.JSONEq(t, `"first"`, string(p.Value))

	stored, err := b.ReadPromise(ctx, "p1")
	require.NoError(t, err)
	assert.JSONEq(t, `"first"`, string(stored.Value))
	assert.Nil(t, stored.Failure)
	assert.True(t, stored.CompletedAt.Equal(Epoch.Add(time.Second)))

	again, err := b.CreatePromise(ctx, ir.Promise{ID: "p1", OwnerID: "a"})
	require.NoError(t, err)
	assert.Equal(t, ir.PromiseResolved, again.State, "re-creating never resets a promise")
}

func testPromiseOwner(t *testing.T, ctx context.Context, b store.Backend) {
	_, err := b.CompletePromise(ctx, "p1", ir.Completion{Value: json.RawMessage(`1`)}, Epoch)
	require.NoError(t, err)

	p, err := b.CreatePromise(ctx, ir.Promise{ID: "p1", OwnerID: "wf-run"})
	require.NoError(t, err)
	assert.Equal(t, "wf-run", p.OwnerID)
	assert.Equal(t, ir.PromiseResolved, p.State)

	p, err = b.CreatePromise(ctx, ir.Promise{ID: "p1", OwnerID: "intruder"})
	require.NoError(t, err)
	assert.Equal(t, "wf-run", p.OwnerID, "an owner is never replaced")
}

func testPromiseCompleteUnknown(t *testing.T, ctx context.Context, b store.Backend) {
	p, err := b.CompletePromise(ctx, "early", ir.Completion{Failure: &ir.Failure{Code: ir.CodeTerminal, Message: "no"}}, Epoch)
	require.NoError(t, err)
	assert.Equal(t, ir.PromiseRejected, p.State)
	assert.Equal(t, "no", p.Failure.Message)
	assert.Empty(t, p.OwnerID)
}

func testTimerSchedule(t *testing.T, ctx context.Context, b store.Backend) {
	tm := ir.Timer{ID: "t1", InvocationID: "a", Kind: ir.TimerInvoke, FireAt: Epoch, Payload: json.RawMessage(`{"x":1}`)}

	inserted, err := b.ScheduleTimer(ctx, tm)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := tm
	dup.FireAt = Epoch.Add(time.Hour)
	inserted, err = b.ScheduleTimer(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := b.ReadTimer(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.FireAt.Equal(Epoch), "the first schedule wins")
	assert.JSONEq(t, `{"x":1}`, string(got.Payload))
	assert.True(t, got.Pending())
}

func testTimerFireOnce(t *testing.T, ctx context.Context, b store.Backend) {
	_, err := b.ScheduleTimer(ctx, ir.Timer{ID: "t1", InvocationID: "a", Kind: ir.TimerWake, FireAt: Epoch})
	require.NoError(t, err)

	fired, err := b.FireTimer(ctx, "t1", Epoch.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, fired)

	fired, err = b.FireTimer(ctx, "t1", Epoch.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, fired)

	got, err := b.ReadTimer(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.FiredAt.Equal(Epoch.Add(time.Second)))

	_, err = b.FireTimer(ctx, "missing", Epoch)
	assert.ErrorIs(t, err, ir.ErrNotFound)
}

func testTimerDue(t *testing.T, ctx context.Context, b store.Backend) {
	for _, tm := range []ir.Timer{
		{ID: "late", InvocationID: "a", Kind: ir.TimerWake, FireAt: Epoch.Add(3 * time.Minute)},
		{ID: "b-early", InvocationID: "a", Kind: ir.TimerWake, FireAt: Epoch.Add(time.Minute)},
		{ID: "a-early", InvocationID: "a", Kind: ir.TimerWake, FireAt: Epoch.Add(time.Minute)},
		{ID: "future", InvocationID: "a", Kind: ir.TimerWake, FireAt: Epoch.Add(time.Hour)},
	} {
		_, err := b.ScheduleTimer(ctx, tm)
		require.NoError(t, err)
	}

	next, ok, err := b.NextFireAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.Equal(Epoch.Add(time.Minute)))

	due, err := b.DueTimers(ctx, Epoch.Add(3*time.Minute), 10)
	require.NoError(t, err)
	ids := make([]string, len(due))
	for i, tm := range due {
		ids[i] = tm.ID
	}
	assert.Equal(t, []string{"a-early", "b-early", "late"}, ids, "fire_at <= now, earliest first")

	limited, err := b.DueTimers(ctx, Epoch.Add(3*time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := b.DueTimers(ctx, Epoch, 10)
	require.NoError(t, err)
	assert.Empty(t, none, "never before fire_at")

	pending, err := b.ListTimers(ctx, true)
	require.NoError(t, err)
	assert.Len(t, pending, 4)
}

func testTimerCancel(t *testing.T, ctx context.Context, b store.Backend) {
	for _, id := range []string{"t1", "t2"} {
		_, err := b.ScheduleTimer(ctx, ir.Timer{ID: id, InvocationID: "a", Kind: ir.TimerWake, FireAt: Epoch})
		require.NoError(t, err)
	}

	cancelled, err := b.CancelTimer(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	fired, err := b.FireTimer(ctx, "t1", Epoch)
	require.NoError(t, err)
	assert.False(t, fired, "cancelled timers never fire")

	_, err = b.FireTimer(ctx, "t2", Epoch)
	require.NoError(t, err)
	cancelled, err = b.CancelTimer(ctx, "t2")
	require.NoError(t, err)
	assert.False(t, cancelled, "fired timers cannot be cancelled")

	_, ok, err := b.NextFireAt(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := b.ListTimers(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testTimerDelivery(t *testing.T, ctx context.Context, b store.Backend) {
	_, err := b.ScheduleTimer(ctx, ir.Timer{ID: "t1", InvocationID: "a", Kind: ir.TimerInvoke, FireAt: Epoch})
	require.NoError(t, err)
	_, err = b.FireTimer(ctx, "t1", Epoch)
	require.NoError(t, err)

	undelivered, err := b.UndeliveredTimers(ctx)
	require.NoError(t, err)
	require.Len(t, undelivered, 1)
	assert.Equal(t, "t1", undelivered[0].ID)

	require.NoError(t, b.MarkDelivered(ctx, "t1"))
	undelivered, err = b.UndeliveredTimers(ctx)
	require.NoError(t, err)
	assert.Empty(t, undelivered)

	got, err := b.ReadTimer(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.Delivered)
}
