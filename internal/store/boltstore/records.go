package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/roach88/durable/internal/ir"
)

// GetState returns the committed value of one object field.
func (s *Store) GetState(ctx context.Context, obj ir.ObjectKey, field string) (json.RawMessage, bool, error) {
	var (
		value json.RawMessage
		ok    bool
	)
	err := s.view(ctx, "get state", func(tx *bbolt.Tx) error {
		if b := tx.Bucket(stateBucket).Bucket(objectKey(obj)); b != nil {
			if v := b.Get([]byte(field)); v != nil {
				value, ok = slices.Clone(json.RawMessage(v)), true
			}
		}
		return nil
	})
	return value, ok, err
}

// GetAllState returns every committed field of an object.
func (s *Store) GetAllState(ctx context.Context, obj ir.ObjectKey) (map[string]json.RawMessage, error) {
	state := map[string]json.RawMessage{}
	err := s.view(ctx, "get all state", func(tx *bbolt.Tx) error {
		b := tx.Bucket(stateBucket).Bucket(objectKey(obj))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			state[string(k)] = slices.Clone(json.RawMessage(v))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// ClaimWorkflow records invocationID as the run of obj unless a run is
// already recorded, and returns the recorded run.
func (s *Store) ClaimWorkflow(ctx context.Context, obj ir.ObjectKey, invocationID string) (string, error) {
	var owner string
	err := s.update(ctx, "claim workflow", func(tx *bbolt.Tx) error {
		workflows := tx.Bucket(workflowsBucket)
		key := objectKey(obj)
		if v := workflows.Get(key); v != nil {
			owner = string(v)
			return nil
		}
		put(workflows, key, []byte(invocationID))
		owner = invocationID
		return nil
	})
	return owner, err
}

// CreatePromise inserts p if absent; an ownerless promise adopts p's owner.
func (s *Store) CreatePromise(ctx context.Context, p ir.Promise) (ir.Promise, error) {
	var stored ir.Promise
	err := s.update(ctx, "create promise", func(tx *bbolt.Tx) error {
		promises := tx.Bucket(promisesBucket)
		if getJSON(promises, []byte(p.ID), &stored) {
			if stored.OwnerID == "" && p.OwnerID != "" {
				stored.OwnerID = p.OwnerID
				putJSON(promises, []byte(p.ID), stored)
			}
			return nil
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = s.now()
		}
		stored = ir.Promise{
			ID:        p.ID,
			OwnerID:   p.OwnerID,
			State:     ir.PromisePending,
			CreatedAt: p.CreatedAt,
		}
		putJSON(promises, []byte(p.ID), stored)
		return nil
	})
	return stored, err
}

// ReadPromise returns the promise with the given ID.
func (s *Store) ReadPromise(ctx context.Context, id string) (ir.Promise, error) {
	var p ir.Promise
	err := s.view(ctx, "read promise", func(tx *bbolt.Tx) error {
		if !getJSON(tx.Bucket(promisesBucket), []byte(id), &p) {
			return ir.Errorf(ir.CodeNotFound, "promise %s not found", id)
		}
		return nil
	})
	return p, err
}

// CompletePromise applies c unless the promise is already completed, in
// which case the stored promise is returned with ir.ErrAlreadyResolved.
func (s *Store) CompletePromise(ctx context.Context, id string, c ir.Completion, at time.Time) (ir.Promise, error) {
	var stored ir.Promise
	err := s.update(ctx, "complete promise", func(tx *bbolt.Tx) error {
		promises := tx.Bucket(promisesBucket)
		if !getJSON(promises, []byte(id), &stored) {
			stored = ir.Promise{ID: id, CreatedAt: at}
		} else if stored.State.Done() {
			return &ir.Error{Code: ir.CodeAlreadyResolved, Message: "promise " + id + " is already " + string(stored.State)}
		}
		stored.State = c.State()
		stored.Value = c.Value
		stored.Failure = c.Failure
		stored.CompletedAt = at
		putJSON(promises, []byte(id), stored)
		return nil
	})
	return stored, err
}

// ScheduleTimer inserts t unless a timer with its ID already exists.
func (s *Store) ScheduleTimer(ctx context.Context, t ir.Timer) (bool, error) {
	var inserted bool
	err := s.update(ctx, "schedule timer", func(tx *bbolt.Tx) error {
		timers := tx.Bucket(timersBucket)
		if timers.Get([]byte(t.ID)) != nil {
			return nil
		}
		t.FiredAt = time.Time{}
		t.Delivered = false
		t.Cancelled = false
		putJSON(timers, []byte(t.ID), t)
		put(tx.Bucket(dueBucket), dueKey(t), []byte{})
		inserted = true
		return nil
	})
	return inserted, err
}

// ReadTimer returns the timer with the given ID.
func (s *Store) ReadTimer(ctx context.Context, id string) (ir.Timer, error) {
	var t ir.Timer
	err := s.view(ctx, "read timer", func(tx *bbolt.Tx) error {
		var err error
		t, err = readTimer(tx, id)
		return err
	})
	return t, err
}

// CancelTimer cancels a timer that has neither fired nor been cancelled.
func (s *Store) CancelTimer(ctx context.Context, id string) (bool, error) {
	return s.updateTimer(ctx, "cancel timer", id, func(t *ir.Timer) bool {
		if !t.Pending() {
			return false
		}
		t.Cancelled = true
		return true
	})
}

// FireTimer marks a pending timer fired; only the first call returns true.
func (s *Store) FireTimer(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.updateTimer(ctx, "fire timer", id, func(t *ir.Timer) bool {
		if !t.Pending() {
			return false
		}
		t.FiredAt = at
		return true
	})
}

// MarkDelivered records that a fired timer's effect was handed off.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	_, err := s.updateTimer(ctx, "mark delivered", id, func(t *ir.Timer) bool {
		if !t.Fired() || t.Delivered {
			return false
		}
		t.Delivered = true
		return true
	})
	return err
}

// updateTimer applies fn to the stored timer and persists it when fn
// reports a change. Timers that leave the pending state drop out of the due
// index.
func (s *Store) updateTimer(ctx context.Context, op, id string, fn func(t *ir.Timer) bool) (bool, error) {
	var changed bool
	err := s.update(ctx, op, func(tx *bbolt.Tx) error {
		t, err := readTimer(tx, id)
		if err != nil {
			return err
		}
		if !fn(&t) {
			return nil
		}
		writeTimer(tx, t)
		changed = true
		return nil
	})
	return changed, err
}

// DueTimers returns pending timers with fire_at <= now, earliest first.
func (s *Store) DueTimers(ctx context.Context, now time.Time, limit int) ([]ir.Timer, error) {
	if limit <= 0 {
		limit = 100
	}
	timers := []ir.Timer{}
	err := s.view(ctx, "due timers", func(tx *bbolt.Tx) error {
		bound := u64(uint64(now.UnixNano()))
		c := tx.Bucket(dueBucket).Cursor()
		for k, _ := c.First(); k != nil && len(timers) < limit; k, _ = c.Next() {
			if bytes.Compare(k[:8], bound) > 0 {
				break
			}
			t, err := readTimer(tx, string(k[8:]))
			if err != nil {
				return err
			}
			timers = append(timers, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return timers, nil
}

// NextFireAt returns the earliest fire_at among pending timers.
func (s *Store) NextFireAt(ctx context.Context) (time.Time, bool, error) {
	var (
		next time.Time
		ok   bool
	)
	err := s.view(ctx, "next fire time", func(tx *bbolt.Tx) error {
		if k, _ := tx.Bucket(dueBucket).Cursor().First(); k != nil {
			next = time.Unix(0, int64(decodeU64(k[:8]))).UTC()
			ok = true
		}
		return nil
	})
	return next, ok, err
}

// UndeliveredTimers returns fired timers whose effect was never handed off.
func (s *Store) UndeliveredTimers(ctx context.Context) ([]ir.Timer, error) {
	return s.scanTimers(ctx, "undelivered timers", func(t ir.Timer) bool {
		return t.Fired() && !t.Delivered
	})
}

// ListTimers returns timers ordered by fire_at.
func (s *Store) ListTimers(ctx context.Context, pendingOnly bool) ([]ir.Timer, error) {
	return s.scanTimers(ctx, "list timers", func(t ir.Timer) bool {
		return !pendingOnly || t.Pending()
	})
}

func (s *Store) scanTimers(ctx context.Context, op string, keep func(ir.Timer) bool) ([]ir.Timer, error) {
	timers := []ir.Timer{}
	err := s.view(ctx, op, func(tx *bbolt.Tx) error {
		return tx.Bucket(timersBucket).ForEach(func(_, v []byte) error {
			var t ir.Timer
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if keep(t) {
				timers = append(timers, t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(timers, func(a, b ir.Timer) int {
		if c := a.FireAt.Compare(b.FireAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return timers, nil
}

// cancelWakeTimers cancels the pending wake timers owned by an invocation.
func cancelWakeTimers(tx *bbolt.Tx, invocationID string) {
	var cancelled []ir.Timer
	must(tx.Bucket(timersBucket).ForEach(func(_, v []byte) error {
		var t ir.Timer
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		if t.InvocationID == invocationID && t.Kind == ir.TimerWake && t.Pending() {
			t.Cancelled = true
			cancelled = append(cancelled, t)
		}
		return nil
	}))
	for _, t := range cancelled {
		writeTimer(tx, t)
	}
}

func readTimer(tx *bbolt.Tx, id string) (ir.Timer, error) {
	var t ir.Timer
	if !getJSON(tx.Bucket(timersBucket), []byte(id), &t) {
		return ir.Timer{}, ir.Errorf(ir.CodeNotFound, "timer %s not found", id)
	}
	return t, nil
}

func writeTimer(tx *bbolt.Tx, t ir.Timer) {
	putJSON(tx.Bucket(timersBucket), []byte(t.ID), t)
	if !t.Pending() {
		must(tx.Bucket(dueBucket).Delete(dueKey(t)))
	}
}

func dueKey(t ir.Timer) []byte {
	return append(u64(uint64(t.FireAt.UnixNano())), t.ID...)
}

func decodeU64(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}
