package ir

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an invocation.
type Status string

const (
	StatusPending   Status = "pending"   // accepted, not yet admitted
	StatusRunning   Status = "running"   // an attempt is executing
	StatusSuspended Status = "suspended" // waiting on a promise, timer or call
	StatusParked    Status = "parked"    // journal mismatch; needs manual attention
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is Completed or Failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuspended, StatusParked, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Invocation is a single request to run a handler, the unit of durability.
//
// ID is stable across retries and restarts. Seq is the store-assigned arrival
// order used to rebuild lock queues after a restart.
type Invocation struct {
	ID          string          `json:"id"`
	Target      Target          `json:"target"`
	Kind        HandlerKind     `json:"kind"`
	Mode        HandlerMode     `json:"mode"`
	Input       json.RawMessage `json:"input,omitempty"`
	PayloadHash string          `json:"payload_hash"`
	Status      Status          `json:"status"`
	Seq         int64           `json:"seq"`
	Attempts    int             `json:"attempts"`
	CallerID    string          `json:"caller_id,omitempty"`
	Awaiting    string          `json:"awaiting,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Failure     *Failure        `json:"failure,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the invocation has reached a terminal status.
func (inv Invocation) Terminal() bool {
	return inv.Status.Terminal()
}

// ObjectKey identifies the lock and state scope of a keyed invocation.
func (inv Invocation) ObjectKey() ObjectKey {
	return ObjectKey{Type: inv.Target.Service, Key: inv.Target.Key}
}

// ObjectKey scopes object state and locks: (object type, object key).
type ObjectKey struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// String renders "type/key".
func (k ObjectKey) String() string {
	return k.Type + "/" + k.Key
}

// StateMutation is one buffered object state change committed together with
// the terminal status of the invocation that made it.
type StateMutation struct {
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Clear bool            `json:"clear,omitempty"`
	// ClearAll removes every field of the object before later mutations apply.
	ClearAll bool `json:"clear_all,omitempty"`
}

// Outcome is the terminal result of an invocation as persisted by
// MarkTerminal.
type Outcome struct {
	InvocationID string
	Status       Status
	Output       json.RawMessage
	Failure      *Failure
	// Object receives Mutations; zero for stateless invocations.
	Object    ObjectKey
	Mutations []StateMutation
}

// Request is a submission: what to run, with which input, under which ID.
// Empty ID asks the engine to generate one.
type Request struct {
	ID       string          `json:"id,omitempty"`
	Target   Target          `json:"target"`
	Input    json.RawMessage `json:"input,omitempty"`
	CallerID string          `json:"caller_id,omitempty"`
}
