package ir

import (
	"encoding/json"
	"time"
)

// TimerKind selects what delivering a timer does.
type TimerKind string

const (
	// TimerWake resumes InvocationID (sleep, After, retry backoff).
	TimerWake TimerKind = "wake"

	// TimerInvoke submits the Request in Payload as a new invocation
	// (delayed send).
	TimerInvoke TimerKind = "invoke"
)

// Timer is a durable wake-up. It fires at or after FireAt, never before.
type Timer struct {
	ID           string          `json:"id"`
	InvocationID string          `json:"invocation_id"`
	Kind         TimerKind       `json:"kind"`
	FireAt       time.Time       `json:"fire_at"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	FiredAt      time.Time       `json:"fired_at,omitzero"`
	Delivered    bool            `json:"delivered,omitempty"`
	Cancelled    bool            `json:"cancelled,omitempty"`
}

// Fired reports whether the timer has been marked fired.
func (t Timer) Fired() bool {
	return !t.FiredAt.IsZero()
}

// Pending reports whether the timer still waits to fire.
func (t Timer) Pending() bool {
	return !t.Fired() && !t.Cancelled
}
