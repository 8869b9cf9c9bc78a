package ir

import (
	"encoding/json"
	"time"
)

// PromiseState is the lifecycle of a durable promise.
type PromiseState string

const (
	PromisePending  PromiseState = "pending"
	PromiseResolved PromiseState = "resolved"
	PromiseRejected PromiseState = "rejected"
)

// Done reports whether the promise has left Pending.
func (s PromiseState) Done() bool {
	return s == PromiseResolved || s == PromiseRejected
}

// Promise is a one-shot durable completion slot, resolvable from any process.
// OwnerID is the invocation woken when it completes.
type Promise struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id,omitempty"`
	State       PromiseState    `json:"state"`
	Value       json.RawMessage `json:"value,omitempty"`
	Failure     *Failure        `json:"failure,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at,omitzero"`
}

// Completion is the value or rejection applied to a promise.
type Completion struct {
	Value   json.RawMessage
	Failure *Failure
}

// State returns the promise state this completion produces.
func (c Completion) State() PromiseState {
	if c.Failure != nil {
		return PromiseRejected
	}
	return PromiseResolved
}
