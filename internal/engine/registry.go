package engine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/roach88/durable/internal/codec"
	"github.com/roach88/durable/internal/ir"
)

// HandlerFunc is user code run durably. Every externally visible decision it
// makes must go through ctx so it is journaled and replayed.
type HandlerFunc func(ctx *Context, input json.RawMessage) (json.RawMessage, error)

// WorkflowRun is the name of a workflow's primary handler.
const WorkflowRun = "run"

// Definition declares a service, virtual object or workflow and its
// handlers. Build one with NewService, NewObject or NewWorkflow and pass it
// to Engine.Register.
type Definition struct {
	Name     string
	Kind     ir.HandlerKind
	handlers map[string]handler
}

type handler struct {
	fn   HandlerFunc
	mode ir.HandlerMode
}

// NewService declares a stateless service. Its handlers run concurrently and
// without a key.
func NewService(name string) *Definition {
	return &Definition{Name: name, Kind: ir.KindService, handlers: map[string]handler{}}
}

// NewObject declares a virtual object: keyed, with per-key state and
// exclusive handlers serialized per key.
func NewObject(name string) *Definition {
	return &Definition{Name: name, Kind: ir.KindObject, handlers: map[string]handler{}}
}

// NewWorkflow declares a workflow whose primary handler run executes at most
// once per key. Other handlers added with Handler or Shared are shared: they
// read state and signal the run through named promises.
func NewWorkflow(name string, run HandlerFunc) *Definition {
	d := &Definition{Name: name, Kind: ir.KindWorkflow, handlers: map[string]handler{}}
	d.handlers[WorkflowRun] = handler{fn: run, mode: ir.ModeExclusive}
	return d
}

// Handler adds an exclusive handler (shared for workflows).
func (d *Definition) Handler(name string, fn HandlerFunc) *Definition {
	mode := ir.ModeExclusive
	if d.Kind == ir.KindWorkflow {
		mode = ir.ModeShared
	}
	return d.add(name, fn, mode)
}

// Shared adds a handler that may run concurrently with other shared
// handlers of the same key and with a suspended exclusive handler. It
// reads state but cannot change it.
func (d *Definition) Shared(name string, fn HandlerFunc) *Definition {
	return d.add(name, fn, ir.ModeShared)
}

func (d *Definition) add(name string, fn HandlerFunc, mode ir.HandlerMode) *Definition {
	if d.Kind == ir.KindWorkflow && name == WorkflowRun {
		panic(fmt.Sprintf("workflow %s: %q is the primary handler", d.Name, WorkflowRun))
	}
	d.handlers[name] = handler{fn: fn, mode: mode}
	return d
}

// HandlerNames lists the handlers in name order.
func (d *Definition) HandlerNames() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition name is required")
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("definition %s: unknown kind %q", d.Name, d.Kind)
	}
	if len(d.handlers) == 0 {
		return fmt.Errorf("definition %s: no handlers", d.Name)
	}
	for name, h := range d.handlers {
		if h.fn == nil {
			return fmt.Errorf("definition %s: handler %s is nil", d.Name, name)
		}
		if d.Kind == ir.KindService && h.mode == ir.ModeShared {
			return fmt.Errorf("definition %s: services have no shared handlers", d.Name)
		}
	}
	return nil
}

// registry maps service names to definitions. It is written only by
// Register, before Run.
type registry map[string]*Definition

// resolve finds the handler for target and checks the key matches the kind.
func (r registry) resolve(target ir.Target) (*Definition, handler, error) {
	if err := target.Validate(); err != nil {
		return nil, handler{}, ir.Errorf(ir.CodeInvalid, "%v", err)
	}
	d, ok := r[target.Service]
	if !ok {
		return nil, handler{}, ir.Errorf(ir.CodeNotFound, "unknown service %q", target.Service)
	}
	h, ok := d.handlers[target.Handler]
	if !ok {
		return nil, handler{}, ir.Errorf(ir.CodeNotFound, "%s has no handler %q", target.Service, target.Handler)
	}
	keyed := d.Kind.Policy().Keyed
	switch {
	case keyed && target.Key == "":
		return nil, handler{}, ir.Errorf(ir.CodeInvalid, "%s %s requires a key", d.Kind, d.Name)
	case !keyed && target.Key != "":
		return nil, handler{}, ir.Errorf(ir.CodeInvalid, "service %s does not take a key", d.Name)
	}
	return d, h, nil
}

// Handler adapts a typed function to a HandlerFunc. Input that does not
// decode into I fails the invocation terminally.
func Handler[I, O any](fn func(ctx *Context, in I) (O, error)) HandlerFunc {
	return func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		var in I
		if len(input) > 0 {
			decoded, err := codec.Unmarshal[I](input)
			if err != nil {
				return nil, ir.TerminalError(fmt.Errorf("decode input: %w", err))
			}
			in = decoded
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return codec.Marshal(out)
	}
}
