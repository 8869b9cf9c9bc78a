package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/dogmatiq/linger/backoff"
	"github.com/google/uuid"

	"github.com/roach88/durable/internal/codec"
	"github.com/roach88/durable/internal/ir"
)

// Context is what a handler sees of the engine. It is a context.Context
// (canceled when the engine stops) and the only door to durable operations:
// every method that observes the outside world or makes a decision records
// its result in the invocation's journal the first time and returns the
// recorded result on every replay.
//
// A Context belongs to one attempt of one invocation and must not be used
// from other goroutines or after the handler returns.
type Context struct {
	context.Context

	engine  *Engine
	inv     ir.Invocation
	def     *Definition
	mode    ir.HandlerMode
	cursor  *cursor
	state   *stateOverlay
	entropy *rand.ChaCha8
	rng     *rand.Rand
	logger  *slog.Logger
}

func newContext(ctx context.Context, e *Engine, inv ir.Invocation, def *Definition, mode ir.HandlerMode, cur *cursor) *Context {
	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[:], ir.RandSeed(inv.ID))
	entropy := rand.NewChaCha8(seed)

	c := &Context{
		Context: ctx,
		engine:  e,
		inv:     inv,
		def:     def,
		mode:    mode,
		cursor:  cur,
		entropy: entropy,
		rng:     rand.New(entropy),
		logger: e.logger.With(
			"invocation_id", inv.ID,
			"target", inv.Target.String(),
		),
	}
	if def.Kind.Policy().Stateful {
		c.state = newStateOverlay(e.backend, inv.ObjectKey())
	}
	return c
}

// InvocationID returns the ID of the running invocation.
func (c *Context) InvocationID() string { return c.inv.ID }

// Target returns the handler being run.
func (c *Context) Target() ir.Target { return c.inv.Target }

// Key returns the object or workflow key; empty for services.
func (c *Context) Key() string { return c.inv.Target.Key }

// Replaying reports whether the handler is still re-executing recorded
// operations. Handlers can use it to silence their own logging.
func (c *Context) Replaying() bool { return c.cursor.Phase() == PhaseReplaying }

// Logger returns a logger annotated with the invocation.
func (c *Context) Logger() *slog.Logger { return c.logger }

// next consumes the recorded entry of the operation being issued, parking
// the invocation on divergence.
func (c *Context) next(kind ir.EntryKind, identity string) (ir.Entry, bool) {
	e, ok, err := c.cursor.Next(kind, identity)
	if err != nil {
		var diverged *ir.Error
		if !errors.As(err, &diverged) {
			diverged = &ir.Error{Code: ir.CodeNonDeterminism, Message: err.Error(), InvocationID: c.inv.ID}
		}
		panic(divergeSignal{err: diverged})
	}
	return e, ok
}

// append journals e or ends the attempt with a retryable failure.
func (c *Context) append(e ir.Entry) {
	if err := c.cursor.Append(c, e); err != nil {
		abortAttempt(err)
	}
}

// check ends the attempt with a retryable failure if err is a storage
// failure, and returns it otherwise.
func (c *Context) check(err error) error {
	if errors.Is(err, ir.ErrStorageUnavailable) || (err != nil && c.Err() != nil) {
		abortAttempt(err)
	}
	return err
}

// RunOnce runs a side effect at most once to completion. Its result, or its
// terminal failure, is journaled under name and returned on every replay
// without calling fn again.
//
// Errors from fn that are not ir.TerminalError are retried in place with
// backoff; when the in-place budget runs out the attempt fails and the whole
// invocation is retried later. fn must not use c's durable operations.
func (c *Context) RunOnce(name string, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if e, ok := c.next(ir.EntrySideEffect, name); ok {
		return e.Value, e.Failure.Err()
	}

	policy := c.engine.retry
	counter := backoff.Counter{Strategy: policy.Backoff}
	for attempt := 1; ; attempt++ {
		value, err := fn(c.Context)
		if err == nil && value != nil && !json.Valid(value) {
			err = ir.TerminalError(fmt.Errorf("side effect %q returned invalid JSON", name))
		}
		if err == nil {
			c.append(ir.SideEffectResult(name, value, nil))
			return value, nil
		}
		if ir.IsTerminal(err) {
			f := ir.FailureFrom(err)
			c.append(ir.SideEffectResult(name, nil, f))
			return nil, f.Err()
		}
		if c.Err() != nil || attempt >= policy.RunAttempts {
			abortAttempt(&ir.Error{
				Code:         ir.CodeTransient,
				Message:      fmt.Sprintf("side effect %q failed after %d attempts: %v", name, attempt, err),
				InvocationID: c.inv.ID,
				Cause:        err,
			})
		}
		c.logger.Warn("side effect failed, retrying",
			"name", name,
			"attempt", attempt,
			"error", err,
		)
		if err := counter.Sleep(c.Context, err); err != nil {
			abortAttempt(err)
		}
	}
}

// Now returns the wall clock, journaled so replays see the same instant.
func (c *Context) Now() time.Time {
	v, _ := c.RunOnce("$now", func(context.Context) (json.RawMessage, error) {
		return codec.Marshal(c.engine.clock.Now())
	})
	t, err := codec.Unmarshal[time.Time](v)
	if err != nil {
		abortAttempt(err)
	}
	return t
}

// Rand returns a random source seeded from the invocation ID. It yields the
// same sequence on every replay as long as the handler draws from it in the
// same order.
func (c *Context) Rand() *rand.Rand { return c.rng }

// UUID returns a version 4 UUID drawn from the invocation's random source.
func (c *Context) UUID() uuid.UUID {
	return uuid.Must(uuid.NewRandomFromReader(c.entropy))
}

// Call invokes target and waits for its result. The child invocation's ID
// is derived from this invocation and the call's journal position, so a
// call re-issued after a crash never creates a second child.
func (c *Context) Call(target ir.Target, input any) (json.RawMessage, error) {
	childID := ir.ChildInvocationID(c.inv.ID, c.cursor.Pos())
	if e, ok := c.next(ir.EntryCall, target.String()); ok {
		return e.Value, e.Failure.Err()
	}

	payload, err := codec.Marshal(input)
	if err != nil {
		return nil, ir.TerminalError(err)
	}

	child, err := c.engine.admit(c, ir.Request{ID: childID, Target: target, Input: payload, CallerID: c.inv.ID})
	switch {
	case errors.Is(err, ir.ErrAlreadyCompleted):
		// A workflow run requested twice: its stored result is the answer.
	case err != nil:
		f := ir.FailureFrom(c.check(err))
		c.append(ir.CallResult(target, childID, nil, f))
		return nil, f.Err()
	}

	if !child.Terminal() {
		var done bool
		if child, done = c.childDone(child.ID); !done {
			suspend(awaitCall(child.ID))
		}
	}
	c.append(ir.CallResult(target, childID, child.Output, child.Failure))
	return child.Output, child.Failure.Err()
}

// CallAsync invokes target without waiting and returns the call as a
// future. Several calls can be in flight at once; collect them with Await
// or race them with Select.
func (c *Context) CallAsync(target ir.Target, input any) *CallFuture {
	childID := ir.ChildInvocationID(c.inv.ID, c.cursor.Pos())
	if e, ok := c.next(ir.EntryCallStarted, target.String()); ok {
		return &CallFuture{c: c, target: target, id: e.ID}
	}

	failed := func(err error) *CallFuture {
		f := &CallFuture{c: c, target: target, id: childID}
		f.settle(nil, ir.FailureFrom(err))
		return f
	}
	if _, _, err := c.engine.registry.resolve(target); err != nil {
		return failed(err)
	}
	payload, err := codec.Marshal(input)
	if err != nil {
		return failed(ir.TerminalError(err))
	}

	child, err := c.engine.admit(c, ir.Request{ID: childID, Target: target, Input: payload, CallerID: c.inv.ID})
	switch {
	case errors.Is(err, ir.ErrAlreadyCompleted):
		// The workflow's finished run is the child.
	case err != nil:
		return failed(c.check(err))
	}
	c.append(ir.CallStarted(target, child.ID, payload))
	return &CallFuture{c: c, target: target, id: child.ID}
}

// childDone reads a child invocation, registering for its completion before
// the second look so a child finishing in between still wakes us.
func (c *Context) childDone(id string) (ir.Invocation, bool) {
	child, err := c.engine.backend.ReadInvocation(c, id)
	if err != nil {
		abortAttempt(err)
	}
	if child.Terminal() {
		return child, true
	}
	c.engine.watch(awaitCall(id), c.inv.ID)
	child, err = c.engine.backend.ReadInvocation(c, id)
	if err != nil {
		abortAttempt(err)
	}
	return child, child.Terminal()
}

// Send submits target without waiting and returns the child invocation ID.
func (c *Context) Send(target ir.Target, input any) (string, error) {
	return c.SendDelayed(target, input, 0)
}

// SendDelayed submits target once delay has elapsed. The send is journaled
// before it is dispatched and re-dispatched idempotently on replay.
func (c *Context) SendDelayed(target ir.Target, input any, delay time.Duration) (string, error) {
	if _, _, err := c.engine.registry.resolve(target); err != nil {
		return "", err
	}
	childID := ir.ChildInvocationID(c.inv.ID, c.cursor.Pos())

	e, ok := c.next(ir.EntrySend, target.String())
	if !ok {
		payload, err := codec.Marshal(input)
		if err != nil {
			return "", ir.TerminalError(err)
		}
		var fireAt time.Time
		if delay > 0 {
			fireAt = c.engine.clock.Now().Add(delay)
		}
		e = ir.SendRecorded(target, childID, payload, fireAt)
		c.append(e)
	}

	if err := c.engine.dispatchSend(c, c.inv.ID, e); err != nil {
		c.check(err)
		c.logger.Warn("send not dispatched", "child_id", e.ID, "error", err)
	}
	return e.ID, nil
}

// Sleep suspends the invocation for d of durable time: the wait survives
// restarts and the invocation holds no goroutine while asleep.
func (c *Context) Sleep(d time.Duration) error {
	return c.After(d).Await()
}

// After starts a durable timer and returns it as a future, for use with
// Select (for example to bound how long an awakeable is awaited).
func (c *Context) After(d time.Duration) *TimerFuture {
	id := ir.SleepTimerID(c.inv.ID, c.cursor.Pos())
	e, ok := c.next(ir.EntrySleepUntil, "")
	if !ok {
		e = ir.SleepUntil(id, c.engine.clock.Now().Add(d))
		c.append(e)
		c.scheduleWake(e.ID, e.FireAt)
	}
	return &TimerFuture{c: c, id: e.ID, fireAt: e.FireAt}
}

func (c *Context) scheduleWake(id string, fireAt time.Time) {
	_, err := c.engine.timers.Schedule(c, ir.Timer{
		ID:           id,
		InvocationID: c.inv.ID,
		Kind:         ir.TimerWake,
		FireAt:       fireAt,
	})
	if err != nil {
		abortAttempt(err)
	}
}

// timerReady reports whether the timer has fired or is due, firing a due
// timer itself rather than waiting for the timer service.
func (c *Context) timerReady(id string, fireAt time.Time) bool {
	t, err := c.engine.backend.ReadTimer(c, id)
	if errors.Is(err, ir.ErrNotFound) {
		// Journaled but never scheduled: the process stopped in between.
		c.scheduleWake(id, fireAt)
		t, err = c.engine.backend.ReadTimer(c, id)
	}
	if err != nil {
		abortAttempt(err)
	}
	if t.Fired() || t.Cancelled {
		return true
	}
	now := c.engine.clock.Now()
	if now.Before(t.FireAt) {
		return false
	}
	fired, err := c.engine.backend.FireTimer(c, id, now)
	if err != nil {
		abortAttempt(err)
	}
	if fired {
		if err := c.engine.backend.MarkDelivered(c, id); err != nil {
			abortAttempt(err)
		}
	}
	return true
}

// Awakeable creates a durable promise owned by this invocation. Its ID can
// be handed to another system, which completes it with
// Engine.ResolvePromise or the CLI; Await suspends until then.
func (c *Context) Awakeable() *Awakeable {
	id := ir.AwakeableID(c.inv.ID, c.cursor.Pos())
	if e, ok := c.next(ir.EntryAwakeableCreated, ""); ok {
		return &Awakeable{c: c, id: e.ID}
	}
	if _, err := c.engine.backend.CreatePromise(c, ir.Promise{
		ID:        id,
		OwnerID:   c.inv.ID,
		CreatedAt: c.engine.clock.Now(),
	}); err != nil {
		abortAttempt(err)
	}
	c.append(ir.AwakeableCreated(id))
	return &Awakeable{c: c, id: id}
}

// Promise returns the named promise of the current workflow run. The run
// awaits it; the workflow's shared handlers resolve it.
func (c *Context) Promise(name string) *Awakeable {
	if c.def.Kind != ir.KindWorkflow {
		return &Awakeable{c: c, done: true, err: ir.TerminalError(
			fmt.Errorf("named promises belong to workflows, not %s %s", c.def.Kind, c.def.Name),
		)}
	}
	return &Awakeable{c: c, id: ir.WorkflowPromiseID(c.def.Name, c.Key(), name)}
}

// ResolveAwakeable completes the promise id with value. If the promise was
// already completed the first completion is kept and ir.ErrAlreadyResolved
// is returned.
func (c *Context) ResolveAwakeable(id string, value any) error {
	payload, err := codec.Marshal(value)
	if err != nil {
		return ir.TerminalError(err)
	}
	return c.completePromise(id, ir.Completion{Value: payload})
}

// RejectAwakeable completes the promise id with a terminal failure.
func (c *Context) RejectAwakeable(id string, reason string) error {
	return c.completePromise(id, ir.Completion{Failure: &ir.Failure{Code: ir.CodeTerminal, Message: reason}})
}

// ResolvePromise resolves the named promise of the current workflow run.
func (c *Context) ResolvePromise(name string, value any) error {
	if c.def.Kind != ir.KindWorkflow {
		return ir.TerminalError(fmt.Errorf("named promises belong to workflows"))
	}
	return c.ResolveAwakeable(ir.WorkflowPromiseID(c.def.Name, c.Key(), name), value)
}

// RejectPromise rejects the named promise of the current workflow run.
func (c *Context) RejectPromise(name string, reason string) error {
	if c.def.Kind != ir.KindWorkflow {
		return ir.TerminalError(fmt.Errorf("named promises belong to workflows"))
	}
	return c.RejectAwakeable(ir.WorkflowPromiseID(c.def.Name, c.Key(), name), reason)
}

func (c *Context) completePromise(id string, comp ir.Completion) error {
	if e, ok := c.next(ir.EntryPromiseCompleted, id); ok {
		if e.Name == "already_resolved" {
			return &ir.Error{Code: ir.CodeAlreadyResolved, Message: "promise " + id + " was already completed"}
		}
		return nil
	}

	p, err := c.engine.completePromise(c, id, comp)
	lost := false
	switch {
	case errors.Is(err, ir.ErrAlreadyResolved):
		// Completed by an earlier attempt of this very call if the stored
		// completion is ours.
		lost = !sameCompletion(p, comp)
	case err != nil:
		abortAttempt(err)
	}
	c.append(ir.PromiseCompleted(id, comp.Value, comp.Failure, lost))
	if lost {
		return &ir.Error{Code: ir.CodeAlreadyResolved, Message: "promise " + id + " was already completed"}
	}
	return nil
}

func sameCompletion(p ir.Promise, c ir.Completion) bool {
	if p.State != c.State() {
		return false
	}
	if c.Failure != nil {
		return p.Failure != nil && *p.Failure == *c.Failure
	}
	a, errA := ir.CanonicalizeJSON(p.Value)
	b, errB := ir.CanonicalizeJSON(c.Value)
	return errA == nil && errB == nil && string(a) == string(b)
}

// Get reads an object state field: the invocation's own uncommitted writes
// first, then the committed state.
func (c *Context) Get(key string) (json.RawMessage, bool, error) {
	if err := c.requireState(false); err != nil {
		return nil, false, err
	}
	if e, ok := c.next(ir.EntryStateGet, key); ok {
		return e.Value, e.Value != nil, nil
	}
	value, ok, err := c.state.get(c, key)
	if err != nil {
		abortAttempt(err)
	}
	c.append(ir.StateGet(key, value))
	return value, ok, nil
}

// Set buffers a state write. It becomes visible to other invocations when
// this one completes, and is discarded if it fails.
func (c *Context) Set(key string, value any) error {
	if err := c.requireState(true); err != nil {
		return err
	}
	if e, ok := c.next(ir.EntryStateSet, key); ok {
		c.state.set(key, e.Value)
		return nil
	}
	payload, err := codec.Marshal(value)
	if err != nil {
		return ir.TerminalError(err)
	}
	if payload == nil {
		payload = json.RawMessage("null")
	}
	c.append(ir.StateSet(key, payload))
	c.state.set(key, payload)
	return nil
}

// Clear buffers the removal of one field.
func (c *Context) Clear(key string) error {
	if err := c.requireState(true); err != nil {
		return err
	}
	if _, ok := c.next(ir.EntryStateClear, key); !ok {
		c.append(ir.StateClear(key))
	}
	c.state.clear(key)
	return nil
}

// ClearAll buffers the removal of every field.
func (c *Context) ClearAll() error {
	if err := c.requireState(true); err != nil {
		return err
	}
	if _, ok := c.next(ir.EntryStateClearAll, ""); !ok {
		c.append(ir.StateClearAll())
	}
	c.state.clearAll()
	return nil
}

// Keys lists the state fields visible to the invocation, sorted.
func (c *Context) Keys() ([]string, error) {
	if err := c.requireState(false); err != nil {
		return nil, err
	}
	v, err := c.RunOnce("$state.keys", func(ctx context.Context) (json.RawMessage, error) {
		keys, err := c.state.keys(ctx)
		if err != nil {
			return nil, err
		}
		return codec.Marshal(keys)
	})
	if err != nil {
		return nil, err
	}
	return codec.Unmarshal[[]string](v)
}

func (c *Context) requireState(write bool) error {
	if c.state == nil {
		return ir.TerminalError(fmt.Errorf("%s %s has no state", c.def.Kind, c.def.Name))
	}
	if write && !ir.Writable(c.def.Kind, c.mode) {
		return ir.TerminalError(fmt.Errorf("shared handler %s cannot change state", c.inv.Target))
	}
	return nil
}

func (c *Context) mutations() []ir.StateMutation {
	if c.state == nil || !ir.Writable(c.def.Kind, c.mode) {
		return nil
	}
	return c.state.mutations
}
