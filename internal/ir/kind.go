package ir

import (
	"fmt"
	"strings"
)

// HandlerKind is the closed set of handler families.
type HandlerKind string

const (
	// KindService handlers are stateless and never locked.
	KindService HandlerKind = "service"

	// KindObject handlers (virtual objects) own per-key state guarded by the
	// invocation lock manager.
	KindObject HandlerKind = "object"

	// KindWorkflow handlers are objects whose primary handler runs at most
	// once per key.
	KindWorkflow HandlerKind = "workflow"
)

// HandlerMode selects exclusive or shared access to a keyed handler's state.
type HandlerMode string

const (
	ModeExclusive HandlerMode = "exclusive"
	ModeShared    HandlerMode = "shared"
)

// Policy is the behaviour a handler kind implies. The engine consults it at a
// single dispatch point instead of switching on kinds.
type Policy struct {
	Keyed    bool // invocations carry an object key
	Locked   bool // invocations go through the lock manager
	Stateful bool // handlers may read object state
	RunOnce  bool // the exclusive handler runs at most once per key
}

var policies = map[HandlerKind]Policy{
	KindService:  {},
	KindObject:   {Keyed: true, Locked: true, Stateful: true},
	KindWorkflow: {Keyed: true, Locked: true, Stateful: true, RunOnce: true},
}

// Policy returns the policy of k. Unknown kinds get the zero policy.
func (k HandlerKind) Policy() Policy {
	return policies[k]
}

// Valid reports whether k is a known handler kind.
func (k HandlerKind) Valid() bool {
	_, ok := policies[k]
	return ok
}

// Valid reports whether m is a known mode.
func (m HandlerMode) Valid() bool {
	return m == ModeExclusive || m == ModeShared
}

// Writable reports whether a handler of kind k running in mode m may mutate
// object state.
func Writable(k HandlerKind, m HandlerMode) bool {
	return k.Policy().Stateful && m == ModeExclusive
}

// Target addresses a handler: service (or object/workflow type), optional
// key, handler name.
type Target struct {
	Service string `json:"service"`
	Key     string `json:"key,omitempty"`
	Handler string `json:"handler"`
}

// String renders "service/handler" or "service/key/handler".
func (t Target) String() string {
	if t.Key == "" {
		return fmt.Sprintf("%s/%s", t.Service, t.Handler)
	}
	return fmt.Sprintf("%s/%s/%s", t.Service, t.Key, t.Handler)
}

// Validate checks required fields.
func (t Target) Validate() error {
	if t.Service == "" {
		return fmt.Errorf("target service is required")
	}
	if t.Handler == "" {
		return fmt.Errorf("target handler is required")
	}
	return nil
}

// ParseTarget reads the String form back: "service/handler" or
// "service/key/handler". Keys containing "/" cannot be parsed.
func ParseTarget(s string) (Target, error) {
	parts := strings.Split(s, "/")
	var t Target
	switch len(parts) {
	case 2:
		t = Target{Service: parts[0], Handler: parts[1]}
	case 3:
		t = Target{Service: parts[0], Key: parts[1], Handler: parts[2]}
		if t.Key == "" {
			return Target{}, Errorf(CodeInvalid, "target %q has an empty key", s)
		}
	default:
		return Target{}, Errorf(CodeInvalid, "target %q is not service/handler or service/key/handler", s)
	}
	if err := t.Validate(); err != nil {
		return Target{}, Errorf(CodeInvalid, "target %q: %v", s, err)
	}
	return t, nil
}
