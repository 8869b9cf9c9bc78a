// Package saga keeps a stack of compensations inside a durable handler and
// unwinds it when the handler fails terminally.
//
// Compensations are descriptors, an action name plus JSON arguments, resolved
// against a Registry at unwind time. The stack itself is not persisted: a
// handler pushes the same descriptors on every replay, so the stack is rebuilt
// from the journal like any other handler-local value. Actions run through
// the handler Context and should use RunOnce or Call for their effects so
// that a crash during unwinding does not repeat finished compensations.
package saga

import (
	"encoding/json"
	"fmt"
	"slices"

	"go.uber.org/multierr"

	"github.com/roach88/durable/internal/codec"
	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/ir"
)

// Action undoes one completed step. args is the JSON recorded by Add.
type Action func(ctx *engine.Context, args json.RawMessage) error

// Compensation is a serializable undo descriptor.
type Compensation struct {
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Registry maps action names to implementations.
type Registry struct {
	actions map[string]Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: map[string]Action{}}
}

// Register adds an action. It panics on a duplicate or nil action, which is
// a programming error caught at startup.
func (r *Registry) Register(name string, fn Action) *Registry {
	if fn == nil {
		panic(fmt.Sprintf("saga: nil action %q", name))
	}
	if _, dup := r.actions[name]; dup {
		panic(fmt.Sprintf("saga: action %q registered twice", name))
	}
	r.actions[name] = fn
	return r
}

// Lookup returns the action registered under name.
func (r *Registry) Lookup(name string) (Action, bool) {
	fn, ok := r.actions[name]
	return fn, ok
}

// Saga is the compensation stack of one handler attempt.
type Saga struct {
	ctx      *engine.Context
	registry *Registry
	steps    []Compensation
}

// New starts an empty saga bound to ctx.
func New(ctx *engine.Context, registry *Registry) *Saga {
	return &Saga{ctx: ctx, registry: registry}
}

// Add pushes a compensation. The action must be registered and args must
// encode to JSON; either failure is terminal since retrying cannot fix it.
func (s *Saga) Add(action string, args any) error {
	if _, ok := s.registry.Lookup(action); !ok {
		return ir.TerminalError(fmt.Errorf("saga: unknown action %q", action))
	}
	raw, err := codec.Marshal(args)
	if err != nil {
		return ir.TerminalError(fmt.Errorf("saga: encode args for %q: %w", action, err))
	}
	s.steps = append(s.steps, Compensation{Action: action, Args: raw})
	return nil
}

// Steps returns a copy of the stack, oldest first.
func (s *Saga) Steps() []Compensation {
	return slices.Clone(s.steps)
}

// Compensate runs every pushed compensation newest first and empties the
// stack. It is best effort: a failing compensation is logged and the rest
// still run. The returned error aggregates the failures.
func (s *Saga) Compensate(cause error) error {
	log := s.ctx.Logger()
	log.Info("saga compensating",
		"invocation_id", s.ctx.InvocationID(),
		"steps", len(s.steps),
		"cause", cause)

	var errs error
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		fn, _ := s.registry.Lookup(step.Action)
		if err := fn(s.ctx, step.Args); err != nil {
			log.Warn("compensation failed",
				"invocation_id", s.ctx.InvocationID(),
				"action", step.Action,
				"error", err)
			errs = multierr.Append(errs, fmt.Errorf("compensate %s: %w", step.Action, err))
		}
	}
	s.steps = nil
	return errs
}

// Run executes fn and, when it fails terminally, compensates before
// returning. The returned error is fn's error combined with any compensation
// failures. Retryable errors are returned untouched so the attempt is retried
// with the stack rebuilt on replay.
func (s *Saga) Run(fn func() error) error {
	err := fn()
	if err == nil || !ir.IsTerminal(err) {
		return err
	}
	return multierr.Append(err, s.Compensate(err))
}
