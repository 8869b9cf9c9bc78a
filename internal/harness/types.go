package harness

import (
	"encoding/json"
	"time"

	"github.com/roach88/durable/internal/ir"
)

// TraceEvent is one journal entry of one invocation.
type TraceEvent struct {
	Invocation string          `json:"invocation"`
	Seq        int64           `json:"seq"`
	Kind       ir.EntryKind    `json:"kind"`
	Name       string          `json:"name,omitempty"`
	Target     string          `json:"target,omitempty"`
	ID         string          `json:"id,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Failure    *ir.Failure     `json:"failure,omitempty"`
	FireAt     time.Time       `json:"fire_at,omitzero"`
}

// Label is "kind:identity", or "kind" for entries without an identity. It
// is the form journal_order assertions are written in.
func (e TraceEvent) Label() string {
	entry := ir.Entry{Kind: e.Kind, Name: e.Name, ID: e.ID}
	if e.Target != "" {
		t, _ := ir.ParseTarget(e.Target)
		entry.Target = &t
	}
	if id := entry.Identity(); id != "" {
		return string(e.Kind) + ":" + id
	}
	return string(e.Kind)
}

func traceEvent(invocationID string, rec ir.Record) TraceEvent {
	e := rec.Entry
	ev := TraceEvent{
		Invocation: invocationID,
		Seq:        rec.Seq,
		Kind:       e.Kind,
		Name:       e.Name,
		ID:         e.ID,
		Value:      e.Value,
		Failure:    e.Failure,
	}
	if e.Target != nil {
		ev.Target = e.Target.String()
	}
	if !e.FireAt.IsZero() {
		ev.FireAt = e.FireAt.UTC()
	}
	return ev
}

// InvocationSummary is where an invocation ended up.
type InvocationSummary struct {
	ID       string          `json:"id"`
	Target   string          `json:"target"`
	Status   ir.Status       `json:"status"`
	Awaiting string          `json:"awaiting,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Failure  *ir.Failure     `json:"failure,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step ran and every assertion held.
	Pass bool `json:"pass"`

	// Invocations lists every invocation in arrival order.
	Invocations []InvocationSummary `json:"invocations"`

	// Trace holds the journals of all invocations, grouped by invocation
	// in arrival order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains step and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Invocation returns the summary for id.
func (r *Result) Invocation(id string) (InvocationSummary, bool) {
	for _, inv := range r.Invocations {
		if inv.ID == id {
			return inv, true
		}
	}
	return InvocationSummary{}, false
}

// Journal returns the trace events of one invocation.
func (r *Result) Journal(id string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Invocation == id {
			out = append(out, ev)
		}
	}
	return out
}
