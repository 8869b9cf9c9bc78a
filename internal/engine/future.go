package engine

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/roach88/durable/internal/ir"
)

// Future is a durable operation whose completion the handler can wait for:
// an *Awakeable, a *TimerFuture or a *CallFuture. Pass several to Context.Select to wait
// for whichever completes first.
type Future interface {
	waitKey() waitKey
	// settled reports whether the result is already in hand.
	settled() bool
	// recordedBy reports whether e is the journal entry completing the future.
	recordedBy(e ir.Entry) bool
	// ready reports, outside replay, whether awaiting would not suspend.
	ready() bool
	// resolve awaits a future that is recorded or ready.
	resolve()
}

// Awakeable is a durable promise awaited by the invocation.
type Awakeable struct {
	c     *Context
	id    string
	done  bool
	value json.RawMessage
	err   error
}

// ID is the promise ID to hand to whoever completes it.
func (a *Awakeable) ID() string { return a.id }

// Await returns the promise's value, suspending the invocation until it is
// completed. A rejection is returned as an ir.ErrTerminal error.
func (a *Awakeable) Await() (json.RawMessage, error) {
	if a.done {
		return a.value, a.err
	}
	if e, ok := a.c.next(ir.EntryAwakeableResolved, a.id); ok {
		a.settle(e.Value, e.Failure)
		return a.value, a.err
	}
	p, done := a.poll()
	if !done {
		suspend(a.waitKey())
	}
	a.c.append(ir.AwakeableResolved(a.id, p.Value, p.Failure))
	a.settle(p.Value, p.Failure)
	return a.value, a.err
}

// poll reads the promise, creating it with this invocation as owner if it
// does not exist yet so a later completion wakes us.
func (a *Awakeable) poll() (ir.Promise, bool) {
	a.c.engine.watch(a.waitKey(), a.c.inv.ID)
	p, err := a.c.engine.backend.CreatePromise(a.c, ir.Promise{
		ID:        a.id,
		OwnerID:   a.c.inv.ID,
		CreatedAt: a.c.engine.clock.Now(),
	})
	if err != nil {
		abortAttempt(err)
	}
	return p, p.State.Done()
}

func (a *Awakeable) settle(value json.RawMessage, f *ir.Failure) {
	a.done, a.value, a.err = true, value, f.Err()
}

func (a *Awakeable) waitKey() waitKey { return awaitPromise(a.id) }
func (a *Awakeable) settled() bool    { return a.done }

func (a *Awakeable) recordedBy(e ir.Entry) bool {
	return e.Kind == ir.EntryAwakeableResolved && e.ID == a.id
}

func (a *Awakeable) ready() bool {
	_, done := a.poll()
	return done
}

func (a *Awakeable) resolve() { _, _ = a.Await() }

// TimerFuture is a durable timer started with Context.After.
type TimerFuture struct {
	c      *Context
	id     string
	fireAt time.Time
	done   bool
}

// ID is the timer ID.
func (t *TimerFuture) ID() string { return t.id }

// FireAt is when the timer fires.
func (t *TimerFuture) FireAt() time.Time { return t.fireAt }

// Await suspends the invocation until the timer has fired.
func (t *TimerFuture) Await() error {
	if t.done {
		return nil
	}
	if _, ok := t.c.next(ir.EntrySleepCompleted, t.id); ok {
		t.done = true
		return nil
	}
	if !t.c.timerReady(t.id, t.fireAt) {
		suspend(t.waitKey())
	}
	t.c.append(ir.SleepCompleted(t.id))
	t.done = true
	return nil
}

func (t *TimerFuture) waitKey() waitKey { return awaitTimer(t.id) }
func (t *TimerFuture) settled() bool    { return t.done }

func (t *TimerFuture) recordedBy(e ir.Entry) bool {
	return e.Kind == ir.EntrySleepCompleted && e.ID == t.id
}

func (t *TimerFuture) ready() bool { return t.c.timerReady(t.id, t.fireAt) }
func (t *TimerFuture) resolve()    { _ = t.Await() }

// CallFuture is a call started with Context.CallAsync.
type CallFuture struct {
	c      *Context
	target ir.Target
	id     string
	done   bool
	value  json.RawMessage
	err    error
}

// ID is the child invocation ID.
func (f *CallFuture) ID() string { return f.id }

// Await returns the child's output, suspending the invocation until the
// child finishes.
func (f *CallFuture) Await() (json.RawMessage, error) {
	if f.done {
		return f.value, f.err
	}
	if e, ok := f.c.cursor.Peek(); ok && e.Kind == ir.EntryCall && e.ID != f.id {
		panic(divergeSignal{err: ir.NonDeterminismError(
			f.c.inv.ID,
			f.c.cursor.Pos(),
			describe(e.Kind, e.Identity())+" of "+e.ID,
			describe(ir.EntryCall, f.target.String())+" of "+f.id,
		)})
	}
	if e, ok := f.c.next(ir.EntryCall, f.target.String()); ok {
		f.settle(e.Value, e.Failure)
		return f.value, f.err
	}
	child, done := f.c.childDone(f.id)
	if !done {
		suspend(f.waitKey())
	}
	f.c.append(ir.CallResult(f.target, f.id, child.Output, child.Failure))
	f.settle(child.Output, child.Failure)
	return f.value, f.err
}

func (f *CallFuture) settle(value json.RawMessage, fail *ir.Failure) {
	f.done, f.value, f.err = true, value, fail.Err()
}

func (f *CallFuture) waitKey() waitKey { return awaitCall(f.id) }
func (f *CallFuture) settled() bool    { return f.done }

func (f *CallFuture) recordedBy(e ir.Entry) bool {
	return e.Kind == ir.EntryCall && e.ID == f.id
}

func (f *CallFuture) ready() bool {
	_, done := f.c.childDone(f.id)
	return done
}

func (f *CallFuture) resolve() { _, _ = f.Await() }

// Select waits until one of futures completes and returns its index. The
// winner is journaled, so a replay picks the same one even if others have
// completed since. Retrieve the winner's result with its Await method.
func (c *Context) Select(futures ...Future) (int, error) {
	if len(futures) == 0 {
		return -1, ir.TerminalError(errors.New("select needs at least one future"))
	}
	for i, f := range futures {
		if f.settled() {
			return i, nil
		}
	}

	if e, ok := c.cursor.Peek(); ok {
		for i, f := range futures {
			if f.recordedBy(e) {
				f.resolve()
				return i, nil
			}
		}
		panic(divergeSignal{err: ir.NonDeterminismError(
			c.inv.ID,
			c.cursor.Pos(),
			describe(e.Kind, e.Identity()),
			"select",
		)})
	}

	for i, f := range futures {
		if f.ready() {
			f.resolve()
			return i, nil
		}
	}

	keys := make([]waitKey, len(futures))
	for i, f := range futures {
		keys[i] = f.waitKey()
	}
	suspend(keys...)
	return -1, nil
}
