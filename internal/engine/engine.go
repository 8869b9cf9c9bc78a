package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/durable/internal/codec"
	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/timers"
)

// Engine runs registered handlers durably.
//
// Submissions, promise completions, timer deliveries and finished children
// all become events on one queue. The dispatcher pops them and runs each
// invocation's attempt on its own goroutine, at most one attempt per
// invocation at a time: an event for an invocation that is already running
// is latched and re-dispatched when the attempt ends.
//
// Thread-safety model:
//   - Register: before Run, from one goroutine
//   - Submit, Attach, Output, ResolvePromise, RejectPromise, Resume: safe
//     from any goroutine, before or during Run
//   - Run: exactly once
type Engine struct {
	backend  store.Backend
	registry registry
	locks    *lockManager
	queue    *eventQueue
	timers   *timers.Service
	clock    Clock
	ids      IDGenerator
	logger   *slog.Logger
	retry    RetryPolicy
	sem      *semaphore.Weighted

	lockTimeout    time.Duration
	maxConcurrency int
	sweepInterval  time.Duration
	timerPoll      time.Duration
	timerBatch     int

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	active   map[string]bool
	rewake   map[string]bool
	attached map[string][]chan struct{}
	watchers map[waitKey]map[string]bool
	inflight sync.WaitGroup
}

// New creates an Engine persisting to b.
func New(b store.Backend, opts ...Option) *Engine {
	e := &Engine{
		backend:        b,
		registry:       registry{},
		locks:          newLockManager(),
		queue:          newEventQueue(),
		clock:          SystemClock{},
		ids:            UUIDv7Generator{},
		logger:         slog.Default(),
		retry:          DefaultRetryPolicy(),
		lockTimeout:    DefaultLockTimeout,
		maxConcurrency: DefaultMaxConcurrency,
		sweepInterval:  DefaultSweepInterval,
		timerPoll:      DefaultTimerPollInterval,
		active:         map[string]bool{},
		rewake:         map[string]bool{},
		attached:       map[string][]chan struct{}{},
		watchers:       map[waitKey]map[string]bool{},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.sem = semaphore.NewWeighted(int64(e.maxConcurrency))
	e.timers = timers.New(b, e.deliverTimer,
		timers.WithClock(e.clock),
		timers.WithLogger(e.logger),
		timers.WithPollInterval(e.timerPoll),
		timers.WithBatchSize(e.timerBatch),
	)
	return e
}

// Register adds service, object and workflow definitions. Names are unique.
func (e *Engine) Register(defs ...*Definition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("register after run")
	}
	for _, d := range defs {
		if err := d.validate(); err != nil {
			return err
		}
		if _, ok := e.registry[d.Name]; ok {
			return fmt.Errorf("definition %s registered twice", d.Name)
		}
		e.registry[d.Name] = d
	}
	return nil
}

// Services lists registered definition names in order.
func (e *Engine) Services() []string {
	names := make([]string, 0, len(e.registry))
	for name := range e.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Backend returns the store the engine persists to.
func (e *Engine) Backend() store.Backend { return e.backend }

// Timers returns the engine's timer service.
func (e *Engine) Timers() *timers.Service { return e.timers }

// Run recovers invocations interrupted by a previous process, then
// dispatches events, delivers timers and sweeps for lost wake-ups until ctx
// is canceled or Stop is called. In-flight attempts are waited for.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine is already running")
	}
	e.running = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	e.logger.Info("engine starting",
		"services", len(e.registry),
		"max_concurrency", e.maxConcurrency,
	)

	if err := e.recoverInvocations(runCtx); err != nil {
		return fmt.Errorf("recover invocations: %w", err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.dispatch(gctx) })
	g.Go(func() error { return e.timers.Run(gctx) })
	g.Go(func() error { return e.sweep(gctx) })
	err := g.Wait()

	e.inflight.Wait()
	e.queue.Close()

	switch {
	case ctx.Err() != nil:
		e.logger.Info("engine stopping: context cancelled")
		return ctx.Err()
	case runCtx.Err() != nil:
		e.logger.Info("engine stopping: stopped")
		return nil
	}
	return err
}

// Stop shuts the engine down. Run returns once in-flight attempts end.
func (e *Engine) Stop() {
	e.queue.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Submit accepts a request and returns the invocation ID. Submitting an ID
// that exists returns it without running it again; reusing an ID for a
// different request fails with ir.ErrInvalid. Requesting the primary
// handler of a workflow whose run already finished fails with
// ir.ErrAlreadyCompleted.
func (e *Engine) Submit(ctx context.Context, req ir.Request) (string, error) {
	inv, err := e.admit(ctx, req)
	return inv.ID, err
}

// admit persists a request and queues it. It returns the stored invocation,
// which for a workflow run may be an earlier run of the same key.
func (e *Engine) admit(ctx context.Context, req ir.Request) (ir.Invocation, error) {
	def, h, err := e.registry.resolve(req.Target)
	if err != nil {
		return ir.Invocation{}, err
	}
	if req.Input != nil && !json.Valid(req.Input) {
		return ir.Invocation{}, ir.Errorf(ir.CodeInvalid, "input of %s is not valid JSON", req.Target)
	}
	if req.ID == "" {
		req.ID = e.ids.Generate()
	}

	inv := ir.Invocation{
		ID:          req.ID,
		Target:      req.Target,
		Kind:        def.Kind,
		Mode:        h.mode,
		Input:       req.Input,
		PayloadHash: ir.PayloadHash(req.Target, req.Input),
		CallerID:    req.CallerID,
		CreatedAt:   e.clock.Now(),
	}

	if def.Kind.Policy().RunOnce && h.mode == ir.ModeExclusive {
		owner, err := e.backend.ClaimWorkflow(ctx, inv.ObjectKey(), inv.ID)
		if err != nil {
			return ir.Invocation{}, err
		}
		if owner != inv.ID {
			existing, err := e.backend.ReadInvocation(ctx, owner)
			switch {
			case errors.Is(err, ir.ErrNotFound):
				// Claimed by a submission that stopped before creating it.
				inv.ID = owner
			case err != nil:
				return ir.Invocation{}, err
			case existing.Terminal():
				return existing, &ir.Error{
					Code:         ir.CodeAlreadyCompleted,
					Message:      fmt.Sprintf("workflow %s already ran", inv.ObjectKey()),
					InvocationID: owner,
				}
			default:
				return existing, nil
			}
		}
	}

	stored, created, err := e.backend.CreateInvocation(ctx, inv)
	if err != nil {
		return ir.Invocation{}, err
	}
	if !created {
		return e.readmit(ctx, stored, inv)
	}

	e.logger.Info("invocation submitted",
		"invocation_id", stored.ID,
		"target", stored.Target.String(),
		"caller_id", stored.CallerID,
	)
	e.wake(stored.ID, EventTypeSubmitted, "")
	return stored, nil
}

// readmit handles a repeated submission of an existing invocation.
func (e *Engine) readmit(ctx context.Context, stored, req ir.Invocation) (ir.Invocation, error) {
	if stored.PayloadHash != req.PayloadHash {
		return stored, &ir.Error{
			Code:         ir.CodeInvalid,
			Message:      fmt.Sprintf("invocation %s exists with a different request", stored.ID),
			InvocationID: stored.ID,
		}
	}

	switch {
	case stored.Status == ir.StatusFailed && stored.Failure != nil && stored.Failure.Retryable:
		readmitted, err := e.backend.Readmit(ctx, stored.ID)
		if errors.Is(err, ir.ErrInvalid) {
			return stored, nil
		}
		if err != nil {
			return stored, err
		}
		e.logger.Info("invocation readmitted",
			"invocation_id", stored.ID,
			"previous_failure", stored.Failure.Code,
		)
		e.wake(stored.ID, EventTypeSubmitted, "")
		return readmitted, nil

	case stored.Status == ir.StatusPending:
		e.wake(stored.ID, EventTypeSubmitted, "")
	}
	return stored, nil
}

// Output returns the result of a terminal invocation. done is false while
// the invocation is still in progress. A parked invocation reports
// ir.ErrNonDeterminism.
func (e *Engine) Output(ctx context.Context, id string) (output json.RawMessage, done bool, err error) {
	inv, err := e.backend.ReadInvocation(ctx, id)
	if err != nil {
		return nil, false, err
	}
	switch inv.Status {
	case ir.StatusCompleted:
		return inv.Output, true, nil
	case ir.StatusFailed:
		return nil, true, inv.Failure.Err()
	case ir.StatusParked:
		return nil, false, &ir.Error{
			Code:         ir.CodeNonDeterminism,
			Message:      parkedMessage(inv),
			InvocationID: inv.ID,
		}
	}
	return nil, false, nil
}

// Attach waits for the invocation to finish and returns its result.
func (e *Engine) Attach(ctx context.Context, id string) (json.RawMessage, error) {
	for {
		ch := e.subscribe(id)
		out, done, err := e.Output(ctx, id)
		if done || err != nil {
			e.unsubscribe(id, ch)
			return out, err
		}

		// Another process may finish the invocation; poll as well.
		t := time.NewTimer(e.sweepInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			e.unsubscribe(id, ch)
			return nil, ctx.Err()
		case <-ch:
			t.Stop()
		case <-t.C:
			e.unsubscribe(id, ch)
		}
	}
}

// ResolvePromise completes a promise with value and wakes its owner and
// every invocation awaiting it. The first completion wins: later ones
// return ir.ErrAlreadyResolved.
func (e *Engine) ResolvePromise(ctx context.Context, id string, value json.RawMessage) error {
	if value != nil && !json.Valid(value) {
		return ir.Errorf(ir.CodeInvalid, "value of promise %s is not valid JSON", id)
	}
	_, err := e.completePromise(ctx, id, ir.Completion{Value: value})
	return err
}

// RejectPromise completes a promise with a terminal failure.
func (e *Engine) RejectPromise(ctx context.Context, id string, reason string) error {
	_, err := e.completePromise(ctx, id, ir.Completion{
		Failure: &ir.Failure{Code: ir.CodeTerminal, Message: reason},
	})
	return err
}

func (e *Engine) completePromise(ctx context.Context, id string, c ir.Completion) (ir.Promise, error) {
	p, err := e.backend.CompletePromise(ctx, id, c, e.clock.Now())
	if err != nil {
		return p, err
	}
	e.logger.Debug("promise completed",
		"promise_id", id,
		"state", p.State,
		"owner_id", p.OwnerID,
	)
	woken := e.wakeWatchers(awaitPromise(id))
	if p.OwnerID != "" && !woken[p.OwnerID] {
		e.wake(p.OwnerID, EventTypeWake, awaitPromise(id).String())
	}
	return p, nil
}

// Resume retries a parked invocation, typically after the handler code was
// fixed to match its journal again.
func (e *Engine) Resume(ctx context.Context, id string) error {
	inv, err := e.backend.ReadInvocation(ctx, id)
	if err != nil {
		return err
	}
	if inv.Status != ir.StatusParked {
		return ir.Errorf(ir.CodeInvalid, "invocation %s is %s, not parked", id, inv.Status)
	}
	if err := e.backend.SetStatus(ctx, id, ir.StatusRunning, ""); err != nil {
		return err
	}
	e.logger.Info("invocation resumed", "invocation_id", id)
	e.wake(id, EventTypeWake, "resume")
	return nil
}

// wake queues an invocation for dispatch. After Stop the event is dropped;
// recovery picks the invocation up on the next start.
func (e *Engine) wake(id string, t EventType, cause string) {
	e.queue.Enqueue(Event{Type: t, InvocationID: id, Cause: cause})
}

func (e *Engine) dispatch(ctx context.Context) error {
	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			e.start(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-e.queue.Wait():
			if !ok && e.queue.Len() == 0 {
				return nil
			}
		}
	}
}

// start runs ev on its own goroutine unless the invocation is already
// running, in which case the event is latched for when it ends.
func (e *Engine) start(ctx context.Context, ev Event) {
	e.mu.Lock()
	if e.active[ev.InvocationID] {
		e.rewake[ev.InvocationID] = true
		e.mu.Unlock()
		return
	}
	e.active[ev.InvocationID] = true
	e.mu.Unlock()

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer e.finish(ev.InvocationID)
		e.execute(ctx, ev)
	}()
}

func (e *Engine) finish(id string) {
	e.mu.Lock()
	delete(e.active, id)
	again := e.rewake[id]
	delete(e.rewake, id)
	e.mu.Unlock()

	if again {
		e.wake(id, EventTypeWake, "latched")
	}
}

func (e *Engine) isActive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[id]
}

// execute runs one attempt of an invocation: admission through the lock
// manager, the attempt itself, then the status transition it produced.
func (e *Engine) execute(ctx context.Context, ev Event) {
	inv, err := e.backend.ReadInvocation(ctx, ev.InvocationID)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("read invocation failed",
				"invocation_id", ev.InvocationID,
				"event", ev.Type.String(),
				"error", err,
			)
		}
		return
	}
	if inv.Terminal() || inv.Status == ir.StatusParked {
		return
	}

	def, h, err := e.registry.resolve(inv.Target)
	if err != nil {
		e.logger.Warn("no handler for invocation",
			"invocation_id", inv.ID,
			"target", inv.Target.String(),
			"error", err,
		)
		return
	}
	if inv.Status == ir.StatusSuspended && !e.awaitedReady(ctx, inv) {
		return
	}

	if def.Kind.Policy().Locked {
		if err := e.locks.Acquire(ctx, inv.ObjectKey(), inv.ID, h.mode, e.lockTimeout); err != nil {
			if errors.Is(err, ir.ErrLockTimeout) {
				e.logger.Warn("lock wait timed out",
					"invocation_id", inv.ID,
					"object", inv.ObjectKey().String(),
					"timeout", e.lockTimeout,
				)
				e.settle(ctx, inv, def, h, attempt{status: ir.StatusFailed, failure: ir.FailureFrom(err)})
			}
			return
		}
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.suspendKey(def, inv, h.mode)
		return
	}
	defer e.sem.Release(1)

	if err := e.backend.SetStatus(ctx, inv.ID, ir.StatusRunning, ""); err != nil {
		e.logger.Warn("mark running failed", "invocation_id", inv.ID, "error", err)
		e.suspendKey(def, inv, h.mode)
		return
	}

	e.logger.Debug("attempt starting",
		"invocation_id", inv.ID,
		"target", inv.Target.String(),
		"attempt", inv.Attempts+1,
		"event", ev.Type.String(),
		"cause", ev.Cause,
	)
	res := e.runAttempt(ctx, inv, def, h)
	if ctx.Err() != nil {
		e.logger.Info("attempt abandoned: engine stopping", "invocation_id", inv.ID)
		e.suspendKey(def, inv, h.mode)
		return
	}
	e.settle(ctx, inv, def, h, res)
}

// settle persists the status transition an attempt produced and hands the
// key on accordingly.
func (e *Engine) settle(ctx context.Context, inv ir.Invocation, def *Definition, h handler, res attempt) {
	switch res.status {
	case ir.StatusCompleted, ir.StatusFailed:
		out := ir.Outcome{
			InvocationID: inv.ID,
			Status:       res.status,
			Output:       res.output,
			Failure:      res.failure,
		}
		if res.status == ir.StatusCompleted && len(res.mutations) > 0 {
			out.Object = inv.ObjectKey()
			out.Mutations = res.mutations
		}
		if err := e.backend.MarkTerminal(ctx, out); err != nil {
			e.retryLater(ctx, inv, def, h, fmt.Errorf("record outcome: %w", err))
			return
		}
		e.releaseKey(def, inv, h.mode)
		e.finished(inv, out)

	case ir.StatusSuspended:
		awaiting := encodeAwaiting(res.awaiting)
		if err := e.backend.SetStatus(ctx, inv.ID, ir.StatusSuspended, awaiting); err != nil {
			e.logger.Warn("mark suspended failed", "invocation_id", inv.ID, "error", err)
		}
		e.suspendKey(def, inv, h.mode)
		e.logger.Debug("invocation suspended",
			"invocation_id", inv.ID,
			"awaiting", awaiting,
		)

	case ir.StatusParked:
		if err := e.backend.SetStatus(ctx, inv.ID, ir.StatusParked, parkedPrefix+res.diverged.Message); err != nil {
			e.logger.Warn("mark parked failed", "invocation_id", inv.ID, "error", err)
		}
		e.suspendKey(def, inv, h.mode)
		e.logger.Error("invocation parked: journal mismatch",
			"invocation_id", inv.ID,
			"target", inv.Target.String(),
			"error", res.diverged.Message,
		)
		e.notify(inv.ID)

	default:
		e.retryLater(ctx, inv, def, h, res.err)
	}
}

// retryLater counts a failed attempt and either schedules the next one after
// backoff or, with the budget spent, fails the invocation.
func (e *Engine) retryLater(ctx context.Context, inv ir.Invocation, def *Definition, h handler, cause error) {
	n, err := e.backend.IncrementAttempts(ctx, inv.ID)
	if err != nil {
		e.logger.Error("count attempt failed", "invocation_id", inv.ID, "error", err)
		e.suspendKey(def, inv, h.mode)
		return
	}

	if n >= e.retry.MaxAttempts {
		out := ir.Outcome{
			InvocationID: inv.ID,
			Status:       ir.StatusFailed,
			Failure: &ir.Failure{
				Code:    ir.CodeRetryExhausted,
				Message: fmt.Sprintf("gave up after %d attempts: %v", n, cause),
			},
		}
		if err := e.backend.MarkTerminal(ctx, out); err != nil {
			e.logger.Error("record outcome failed", "invocation_id", inv.ID, "error", err)
			e.suspendKey(def, inv, h.mode)
			return
		}
		e.releaseKey(def, inv, h.mode)
		e.finished(inv, out)
		return
	}

	delay := e.retry.delay(cause, n)
	t := ir.Timer{
		ID:           ir.RetryTimerID(inv.ID, n),
		InvocationID: inv.ID,
		Kind:         ir.TimerWake,
		FireAt:       e.clock.Now().Add(delay),
	}
	if _, err := e.timers.Schedule(ctx, t); err != nil {
		e.logger.Error("schedule retry failed", "invocation_id", inv.ID, "error", err)
	} else if err := e.backend.SetStatus(ctx, inv.ID, ir.StatusSuspended, awaitTimer(t.ID).String()); err != nil {
		e.logger.Error("mark suspended failed", "invocation_id", inv.ID, "error", err)
	}
	e.suspendKey(def, inv, h.mode)

	e.logger.Warn("attempt failed, retrying",
		"invocation_id", inv.ID,
		"target", inv.Target.String(),
		"attempt", n,
		"delay", delay,
		"error", cause,
	)
}

// finished announces a terminal invocation to attachers and its caller.
func (e *Engine) finished(inv ir.Invocation, out ir.Outcome) {
	if out.Status == ir.StatusCompleted {
		e.logger.Info("invocation completed",
			"invocation_id", inv.ID,
			"target", inv.Target.String(),
		)
	} else {
		e.logger.Warn("invocation failed",
			"invocation_id", inv.ID,
			"target", inv.Target.String(),
			"code", out.Failure.Code,
			"message", out.Failure.Message,
		)
	}
	e.notify(inv.ID)
	e.unwatch(inv.ID)
	woken := e.wakeWatchers(awaitCall(inv.ID))
	if inv.CallerID != "" && !woken[inv.CallerID] {
		e.wake(inv.CallerID, EventTypeWake, awaitCall(inv.ID).String())
	}
}

// watch registers id to be woken when k completes in this process. Call
// sites register before they check k, so a completion racing the check
// still wakes them.
func (e *Engine) watch(k waitKey, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := e.watchers[k]
	if ids == nil {
		ids = map[string]bool{}
		e.watchers[k] = ids
	}
	ids[id] = true
}

// wakeWatchers wakes and forgets every invocation watching k.
func (e *Engine) wakeWatchers(k waitKey) map[string]bool {
	e.mu.Lock()
	ids := e.watchers[k]
	delete(e.watchers, k)
	e.mu.Unlock()

	for id := range ids {
		e.wake(id, EventTypeWake, k.String())
	}
	return ids
}

// unwatch drops a finished invocation's registrations, such as the losers
// of a Select.
func (e *Engine) unwatch(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, ids := range e.watchers {
		delete(ids, id)
		if len(ids) == 0 {
			delete(e.watchers, k)
		}
	}
}

func (e *Engine) releaseKey(def *Definition, inv ir.Invocation, mode ir.HandlerMode) {
	if def.Kind.Policy().Locked {
		e.locks.Release(inv.ObjectKey(), inv.ID, mode)
	}
}

func (e *Engine) suspendKey(def *Definition, inv ir.Invocation, mode ir.HandlerMode) {
	if def.Kind.Policy().Locked {
		e.locks.Suspend(inv.ObjectKey(), inv.ID, mode)
	}
}

// awaitedReady reports whether any event a suspended invocation waits for
// has happened. Unreadable markers and storage errors count as ready: the
// replay decides.
func (e *Engine) awaitedReady(ctx context.Context, inv ir.Invocation) bool {
	keys, err := decodeAwaiting(inv.Awaiting)
	if err != nil || len(keys) == 0 {
		return true
	}
	for _, k := range keys {
		switch k.kind {
		case "promise":
			p, err := e.backend.ReadPromise(ctx, k.id)
			if errors.Is(err, ir.ErrNotFound) {
				continue
			}
			if err != nil || p.State.Done() {
				return true
			}
		case "timer":
			t, err := e.backend.ReadTimer(ctx, k.id)
			if err != nil || !t.Pending() || !e.clock.Now().Before(t.FireAt) {
				return true
			}
		case "call":
			child, err := e.backend.ReadInvocation(ctx, k.id)
			if err != nil || child.Terminal() {
				return true
			}
		}
	}
	return false
}

// recoverInvocations restores lock ownership of exclusive invocations that
// were past admission, then queues everything that can make progress.
func (e *Engine) recoverInvocations(ctx context.Context) error {
	started, err := e.backend.ListInvocations(ctx, store.Filter{
		Statuses: []ir.Status{ir.StatusRunning, ir.StatusSuspended, ir.StatusParked},
	})
	if err != nil {
		return err
	}
	for _, inv := range started {
		def, h, err := e.registry.resolve(inv.Target)
		if err != nil {
			continue
		}
		if def.Kind.Policy().Locked && h.mode == ir.ModeExclusive {
			e.locks.Restore(inv.ObjectKey(), inv.ID)
		}
	}

	resumed := 0
	for _, inv := range started {
		if inv.Status == ir.StatusRunning || (inv.Status == ir.StatusSuspended && e.awaitedReady(ctx, inv)) {
			e.wake(inv.ID, EventTypeRecovered, "")
			resumed++
		}
	}

	pending, err := e.backend.ListInvocations(ctx, store.Filter{Statuses: []ir.Status{ir.StatusPending}})
	if err != nil {
		return err
	}
	for _, inv := range pending {
		e.wake(inv.ID, EventTypeRecovered, "")
	}

	e.logger.Info("recovered invocations",
		"in_progress", len(started),
		"resumed", resumed,
		"pending", len(pending),
	)
	return nil
}

// sweep periodically re-queues invocations whose wake-up was lost: a crash
// between completing a promise and enqueueing its owner, a completion made
// by another process, a timer fired by the CLI.
func (e *Engine) sweep(ctx context.Context) error {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := e.sweepOnce(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("sweep failed", "error", err)
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) error {
	invs, err := e.backend.ListInvocations(ctx, store.Filter{Statuses: store.NonTerminal})
	if err != nil {
		return err
	}
	for _, inv := range invs {
		if e.isActive(inv.ID) {
			continue
		}
		if inv.Status != ir.StatusSuspended || e.awaitedReady(ctx, inv) {
			e.wake(inv.ID, EventTypeRecovered, "sweep")
		}
	}
	return nil
}

// deliverTimer is the timer service's hand-off: wake timers resume their
// invocation, invoke timers submit the request they carry.
func (e *Engine) deliverTimer(ctx context.Context, t ir.Timer) error {
	switch t.Kind {
	case ir.TimerWake:
		e.wake(t.InvocationID, EventTypeWake, awaitTimer(t.ID).String())
		return nil

	case ir.TimerInvoke:
		req, err := codec.Unmarshal[ir.Request](t.Payload)
		if err != nil {
			e.logger.Error("dropping delayed send with unreadable payload", "timer_id", t.ID, "error", err)
			return nil
		}
		_, err = e.admit(ctx, req)
		if err == nil || !ir.IsRetryable(err) {
			if err != nil {
				e.logger.Warn("delayed send rejected", "timer_id", t.ID, "target", req.Target.String(), "error", err)
			}
			return nil
		}
		return err
	}
	return nil
}

// dispatchSend submits a journaled send, now or through an invoke timer.
// Both are idempotent, so replays re-dispatch freely.
func (e *Engine) dispatchSend(ctx context.Context, callerID string, s ir.Entry) error {
	req := ir.Request{ID: s.ID, Target: *s.Target, Input: s.Value}
	if s.FireAt.IsZero() {
		_, err := e.admit(ctx, req)
		if errors.Is(err, ir.ErrAlreadyCompleted) {
			return nil
		}
		return err
	}

	payload, err := codec.Marshal(req)
	if err != nil {
		return err
	}
	_, err = e.timers.Schedule(ctx, ir.Timer{
		ID:           ir.TimerID(s.ID, "send"),
		InvocationID: callerID,
		Kind:         ir.TimerInvoke,
		FireAt:       s.FireAt,
		Payload:      payload,
	})
	return err
}

func (e *Engine) subscribe(id string) chan struct{} {
	ch := make(chan struct{})
	e.mu.Lock()
	e.attached[id] = append(e.attached[id], ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) unsubscribe(id string, ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.attached[id]
	for i, c := range subs {
		if c == ch {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(e.attached, id)
	} else {
		e.attached[id] = subs
	}
}

func (e *Engine) notify(id string) {
	e.mu.Lock()
	subs := e.attached[id]
	delete(e.attached, id)
	e.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

func parkedMessage(inv ir.Invocation) string {
	if msg, ok := strings.CutPrefix(inv.Awaiting, parkedPrefix); ok {
		return msg
	}
	return "journal mismatch"
}
