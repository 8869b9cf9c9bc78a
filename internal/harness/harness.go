package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/testutil"
)

// pollInterval is how often wait steps re-read an invocation.
const pollInterval = 2 * time.Millisecond

// Harness is a running engine a scenario is executed against.
type Harness struct {
	backend store.Backend
	engine  *engine.Engine
	clock   *testutil.ManualClock
	logger  *slog.Logger
}

// Run executes scenario against a fresh engine hosting defs and returns the
// result. The returned error reports a harness that could not be set up;
// step and assertion failures are recorded in the result.
func Run(scenario *Scenario, defs ...*engine.Definition) (*Result, error) {
	dir, err := os.MkdirTemp("", "durable-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	backend, err := store.Open(filepath.Join(dir, "scenario.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer backend.Close()

	h := &Harness{
		backend: backend,
		clock:   testutil.NewManualClock(testutil.Epoch),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.engine = engine.New(backend,
		engine.WithClock(h.clock),
		engine.WithLogger(h.logger),
		engine.WithIDGenerator(testutil.NewSequentialIDs("inv")),
		engine.WithSweepInterval(20*time.Millisecond),
		engine.WithTimerPollInterval(5*time.Millisecond),
		engine.WithRetryPolicy(engine.RetryPolicy{MaxAttempts: 3, RunAttempts: 2, Backoff: engine.ConstantBackoff(0)}),
	)
	if err := h.engine.Register(defs...); err != nil {
		return nil, fmt.Errorf("failed to register definitions: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			result.AddError(fmt.Sprintf("steps[%d] %s: %v", i, step.Action(), err))
			break
		}
	}

	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("engine stopped: %w", err)
	}

	// The engine is stopped, so the store no longer changes under us.
	readCtx := context.Background()
	if err := h.collect(readCtx, result); err != nil {
		return nil, fmt.Errorf("failed to collect trace: %w", err)
	}

	actx := &AssertionContext{Backend: backend, Ctx: readCtx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch step.Action() {
	case StepSubmit:
		return h.submit(ctx, step)
	case StepWait:
		return h.wait(ctx, step)
	case StepAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		now := h.clock.Advance(d)
		h.logger.Debug("clock advanced", "now", now)
		return nil
	case StepResolve:
		value, err := json.Marshal(step.Value)
		if err != nil {
			return err
		}
		return h.engine.ResolvePromise(ctx, step.Resolve, value)
	case StepReject:
		return h.engine.RejectPromise(ctx, step.Reject, step.Reason)
	case StepResume:
		return h.engine.Resume(ctx, step.Resume)
	}
	return fmt.Errorf("step sets no single action")
}

func (h *Harness) submit(ctx context.Context, step Step) error {
	target, err := ir.ParseTarget(step.Submit)
	if err != nil {
		return err
	}
	req := ir.Request{ID: step.ID, Target: target}
	if step.Input != nil {
		if req.Input, err = json.Marshal(step.Input); err != nil {
			return fmt.Errorf("invalid input: %w", err)
		}
	}
	id, err := h.engine.Submit(ctx, req)
	if err != nil && !errors.Is(err, ir.ErrAlreadyCompleted) {
		return err
	}
	h.logger.Debug("submitted", "target", target, "invocation_id", id)
	return nil
}

func (h *Harness) wait(ctx context.Context, step Step) error {
	timeout := DefaultWaitTimeout
	if step.Timeout != "" {
		d, err := time.ParseDuration(step.Timeout)
		if err != nil {
			return err
		}
		timeout = d
	}
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	want := ir.Status(step.Status)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var last ir.Invocation
	for {
		inv, err := h.backend.ReadInvocation(ctx, step.Wait)
		switch {
		case err == nil:
			last = inv
			if inv.Status == want && strings.HasPrefix(inv.Awaiting, step.Awaiting) {
				return nil
			}
		case !errors.Is(err, ir.ErrNotFound):
			return err
		}

		select {
		case <-deadline.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			if last.ID == "" {
				return fmt.Errorf("invocation %s not found after %s", step.Wait, timeout)
			}
			return fmt.Errorf("invocation %s is %s (awaiting %q) after %s, want %s",
				step.Wait, last.Status, last.Awaiting, timeout, want)
		case <-ticker.C:
		}
	}
}

// collect records every invocation and its journal in result.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	invs, err := h.backend.ListInvocations(ctx, store.Filter{})
	if err != nil {
		return err
	}
	for _, inv := range invs {
		result.Invocations = append(result.Invocations, InvocationSummary{
			ID:       inv.ID,
			Target:   inv.Target.String(),
			Status:   inv.Status,
			Awaiting: inv.Awaiting,
			Output:   inv.Output,
			Failure:  inv.Failure,
		})
		records, err := h.backend.ReadJournal(ctx, inv.ID)
		if err != nil {
			return err
		}
		for _, rec := range records {
			result.Trace = append(result.Trace, traceEvent(inv.ID, rec))
		}
	}
	return nil
}
