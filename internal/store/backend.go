package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/roach88/durable/internal/ir"
)

// Backend is durable storage for invocations, their journals, object state,
// promises and timers. Store (SQLite) and boltstore.Store (bbolt) implement
// it; storetest holds the conformance suite both must pass.
//
// Every method is atomic. Failures of the underlying medium are reported as
// ir.ErrStorageUnavailable; semantic failures use the other ir codes
// (ErrNotFound, ErrInvalid, ErrAlreadyResolved).
type Backend interface {
	// CreateInvocation inserts inv, assigning Seq. If an invocation with the
	// same ID exists it is returned unchanged with created=false.
	CreateInvocation(ctx context.Context, inv ir.Invocation) (stored ir.Invocation, created bool, err error)

	// ReadInvocation returns ir.ErrNotFound for unknown IDs.
	ReadInvocation(ctx context.Context, id string) (ir.Invocation, error)

	// ListInvocations returns matching invocations ordered by Seq.
	ListInvocations(ctx context.Context, f Filter) ([]ir.Invocation, error)

	// SetStatus moves a non-terminal invocation to a non-terminal status and
	// records what it awaits (empty unless suspended).
	SetStatus(ctx context.Context, id string, status ir.Status, awaiting string) error

	// IncrementAttempts bumps the attempt counter and returns the new value.
	IncrementAttempts(ctx context.Context, id string) (int, error)

	// Readmit returns a Failed invocation whose failure is retryable and whose
	// journal is empty to Pending.
	Readmit(ctx context.Context, id string) (ir.Invocation, error)

	// Append durably records e at the next journal position and returns it.
	// Positions start at 0 and have no gaps. Appending to a terminal
	// invocation fails with ir.ErrInvalid.
	Append(ctx context.Context, id string, e ir.Entry) (int64, error)

	// ReadJournal returns the journal in position order.
	ReadJournal(ctx context.Context, id string) ([]ir.Record, error)

	// MarkTerminal records the outcome, applies its state mutations and
	// cancels the invocation's pending wake timers, all or nothing.
	MarkTerminal(ctx context.Context, out ir.Outcome) error

	// GetState returns the committed value of one field.
	GetState(ctx context.Context, obj ir.ObjectKey, field string) (json.RawMessage, bool, error)

	// GetAllState returns every committed field of an object.
	GetAllState(ctx context.Context, obj ir.ObjectKey) (map[string]json.RawMessage, error)

	// ClaimWorkflow records invocationID as the run of obj unless one is
	// already recorded, and returns the recorded owner.
	ClaimWorkflow(ctx context.Context, obj ir.ObjectKey, invocationID string) (string, error)

	// CreatePromise inserts p if absent. An existing promise without an owner
	// adopts p.OwnerID. The stored promise is returned.
	CreatePromise(ctx context.Context, p ir.Promise) (ir.Promise, error)

	ReadPromise(ctx context.Context, id string) (ir.Promise, error)

	// CompletePromise resolves or rejects a promise; the first completion
	// wins. Later completions return the stored promise and
	// ir.ErrAlreadyResolved. Unknown IDs are created already completed.
	CompletePromise(ctx context.Context, id string, c ir.Completion, at time.Time) (ir.Promise, error)

	// ScheduleTimer inserts t unless a timer with its ID exists.
	ScheduleTimer(ctx context.Context, t ir.Timer) (bool, error)

	ReadTimer(ctx context.Context, id string) (ir.Timer, error)

	// CancelTimer cancels a timer that has not fired.
	CancelTimer(ctx context.Context, id string) (bool, error)

	// FireTimer marks a pending timer fired. Only the first call for a timer
	// returns true.
	FireTimer(ctx context.Context, id string, at time.Time) (bool, error)

	// MarkDelivered records that a fired timer's effect was handed off.
	MarkDelivered(ctx context.Context, id string) error

	// DueTimers returns pending timers with FireAt <= now, earliest first.
	DueTimers(ctx context.Context, now time.Time, limit int) ([]ir.Timer, error)

	// NextFireAt returns the earliest FireAt among pending timers.
	NextFireAt(ctx context.Context) (time.Time, bool, error)

	// UndeliveredTimers returns fired timers not yet marked delivered.
	UndeliveredTimers(ctx context.Context) ([]ir.Timer, error)

	// ListTimers returns timers ordered by FireAt.
	ListTimers(ctx context.Context, pendingOnly bool) ([]ir.Timer, error)

	Close() error
}

// Filter selects invocations. Zero values match everything.
type Filter struct {
	Statuses []ir.Status
	Service  string
	Limit    int
}

// Matches reports whether inv passes the filter.
func (f Filter) Matches(inv ir.Invocation) bool {
	if f.Service != "" && inv.Target.Service != f.Service {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if inv.Status == s {
			return true
		}
	}
	return false
}

// NonTerminal lists the statuses recovery resumes.
var NonTerminal = []ir.Status{ir.StatusPending, ir.StatusRunning, ir.StatusSuspended}
