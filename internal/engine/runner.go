package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/roach88/durable/internal/ir"
)

// attempt is the result of running a handler once, from journal position 0
// to wherever it stopped.
type attempt struct {
	status    ir.Status // Completed, Failed, Suspended or Parked; "" to retry
	output    json.RawMessage
	failure   *ir.Failure
	awaiting  []waitKey
	diverged  *ir.Error
	err       error // why a retry is needed
	mutations []ir.StateMutation
}

// runAttempt replays the invocation's journal through its handler and runs
// it live past the end. Attempt-ending signals raised by durable call sites
// are recovered here; any other panic is a retryable failure.
func (e *Engine) runAttempt(ctx context.Context, inv ir.Invocation, def *Definition, h handler) (res attempt) {
	cur, err := loadCursor(ctx, e.backend, inv.ID)
	if err != nil {
		return attempt{err: err}
	}
	hctx := newContext(ctx, e, inv, def, h.mode, cur)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch sig := r.(type) {
		case suspendSignal:
			res = attempt{status: ir.StatusSuspended, awaiting: sig.awaiting}
		case abortSignal:
			res = attempt{err: sig.err}
		case divergeSignal:
			res = attempt{status: ir.StatusParked, diverged: sig.err}
		default:
			e.logger.Error("handler panicked",
				"invocation_id", inv.ID,
				"target", inv.Target.String(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			res = attempt{err: fmt.Errorf("handler panicked: %v", r)}
		}
	}()

	output, err := h.fn(hctx, inv.Input)
	if err == nil && output != nil && !json.Valid(output) {
		err = ir.TerminalError(fmt.Errorf("handler returned invalid JSON"))
	}
	switch {
	case err == nil:
		return attempt{status: ir.StatusCompleted, output: output, mutations: hctx.mutations()}
	case retryableAttemptError(err):
		return attempt{err: err}
	default:
		return attempt{status: ir.StatusFailed, failure: ir.FailureFrom(err)}
	}
}

// retryableAttemptError reports whether a handler error warrants another
// attempt. Plain errors do. Coded errors are final, except transient and
// storage failures: a recorded failure (a child's RETRY_EXHAUSTED, say)
// replays identically, so retrying it cannot help.
func retryableAttemptError(err error) bool {
	switch ir.CodeOf(err) {
	case "", ir.CodeTransient, ir.CodeStorageUnavailable:
		return true
	}
	return false
}
