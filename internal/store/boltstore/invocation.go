package boltstore

import (
	"context"
	"slices"

	"go.etcd.io/bbolt"

	"github.com/roach88/durable/internal/codec"
	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store"
)

// CreateInvocation inserts inv with the next arrival seq, or returns the
// existing invocation with the same ID.
func (s *Store) CreateInvocation(ctx context.Context, inv ir.Invocation) (ir.Invocation, bool, error) {
	var (
		stored  ir.Invocation
		created bool
	)
	err := s.update(ctx, "create invocation", func(tx *bbolt.Tx) error {
		invocations := tx.Bucket(invocationsBucket)
		if getJSON(invocations, []byte(inv.ID), &stored) {
			return nil
		}

		seq, err := invocations.NextSequence()
		must(err)
		inv.Seq = int64(seq)
		if inv.Status == "" {
			inv.Status = ir.StatusPending
		}
		if inv.CreatedAt.IsZero() {
			inv.CreatedAt = s.now()
		}
		inv.UpdatedAt = inv.CreatedAt

		putJSON(invocations, []byte(inv.ID), inv)
		put(tx.Bucket(arrivalsBucket), u64(seq), []byte(inv.ID))
		getJSON(invocations, []byte(inv.ID), &stored)
		created = true
		return nil
	})
	if err != nil {
		return ir.Invocation{}, false, err
	}
	return stored, created, nil
}

// ReadInvocation returns the invocation with the given ID.
func (s *Store) ReadInvocation(ctx context.Context, id string) (ir.Invocation, error) {
	var inv ir.Invocation
	err := s.view(ctx, "read invocation", func(tx *bbolt.Tx) error {
		var err error
		inv, err = readInvocation(tx, id)
		return err
	})
	return inv, err
}

// ListInvocations walks arrivals in seq order.
func (s *Store) ListInvocations(ctx context.Context, f store.Filter) ([]ir.Invocation, error) {
	invocations := []ir.Invocation{}
	err := s.view(ctx, "list invocations", func(tx *bbolt.Tx) error {
		records := tx.Bucket(invocationsBucket)
		c := tx.Bucket(arrivalsBucket).Cursor()
		for k, id := c.First(); k != nil; k, id = c.Next() {
			var inv ir.Invocation
			if !getJSON(records, id, &inv) || !f.Matches(inv) {
				continue
			}
			invocations = append(invocations, inv)
			if f.Limit > 0 && len(invocations) == f.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return invocations, nil
}

// SetStatus moves a non-terminal invocation to another non-terminal status.
func (s *Store) SetStatus(ctx context.Context, id string, status ir.Status, awaiting string) error {
	if !status.Valid() || status.Terminal() {
		return ir.Errorf(ir.CodeInvalid, "set status %q: use MarkTerminal for terminal statuses", status)
	}
	return s.update(ctx, "set status", func(tx *bbolt.Tx) error {
		inv, err := liveInvocation(tx, id)
		if err != nil {
			return err
		}
		inv.Status = status
		inv.Awaiting = awaiting
		inv.UpdatedAt = s.now()
		putJSON(tx.Bucket(invocationsBucket), []byte(id), inv)
		return nil
	})
}

// IncrementAttempts bumps and returns the attempt counter.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.update(ctx, "increment attempts", func(tx *bbolt.Tx) error {
		inv, err := liveInvocation(tx, id)
		if err != nil {
			return err
		}
		inv.Attempts++
		inv.UpdatedAt = s.now()
		attempts = inv.Attempts
		putJSON(tx.Bucket(invocationsBucket), []byte(id), inv)
		return nil
	})
	return attempts, err
}

// Readmit returns a retryable Failed invocation with an empty journal to
// Pending.
func (s *Store) Readmit(ctx context.Context, id string) (ir.Invocation, error) {
	var inv ir.Invocation
	err := s.update(ctx, "readmit", func(tx *bbolt.Tx) error {
		var err error
		if inv, err = readInvocation(tx, id); err != nil {
			return err
		}
		if inv.Status != ir.StatusFailed || inv.Failure == nil || !inv.Failure.Retryable {
			return ir.Errorf(ir.CodeInvalid, "invocation %s is not a retryable failure", id)
		}
		if j := tx.Bucket(journalBucket).Bucket([]byte(id)); j != nil && j.Stats().KeyN > 0 {
			return ir.Errorf(ir.CodeInvalid, "invocation %s has already journaled entries", id)
		}
		inv.Status = ir.StatusPending
		inv.Failure = nil
		inv.Output = nil
		inv.Attempts = 0
		inv.Awaiting = ""
		inv.UpdatedAt = s.now()
		putJSON(tx.Bucket(invocationsBucket), []byte(id), inv)
		return nil
	})
	return inv, err
}

// Append records e at the next position of the invocation's journal bucket.
func (s *Store) Append(ctx context.Context, id string, e ir.Entry) (int64, error) {
	data, err := codec.EncodeEntry(e)
	if err != nil {
		return 0, &ir.Error{Code: ir.CodeInvalid, Message: err.Error(), InvocationID: id, Cause: err}
	}

	var seq int64
	err = s.update(ctx, "append entry", func(tx *bbolt.Tx) error {
		if _, err := liveInvocation(tx, id); err != nil {
			return err
		}
		journal := createBucket(tx.Bucket(journalBucket), []byte(id))
		if k, _ := journal.Cursor().Last(); k != nil {
			seq = int64(decodeU64(k)) + 1
		}
		put(journal, u64(uint64(seq)), data)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// ReadJournal returns the journal in position order.
func (s *Store) ReadJournal(ctx context.Context, id string) ([]ir.Record, error) {
	records := []ir.Record{}
	err := s.view(ctx, "read journal", func(tx *bbolt.Tx) error {
		journal := tx.Bucket(journalBucket).Bucket([]byte(id))
		if journal == nil {
			return nil
		}
		return journal.ForEach(func(k, v []byte) error {
			e, err := codec.DecodeEntry(v)
			if err != nil {
				return err
			}
			records = append(records, ir.Record{Seq: int64(decodeU64(k)), Entry: e})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// MarkTerminal records the outcome, its state mutations and the
// cancellation of pending wake timers in one transaction.
func (s *Store) MarkTerminal(ctx context.Context, out ir.Outcome) error {
	if !out.Status.Terminal() {
		return ir.Errorf(ir.CodeInvalid, "mark terminal %s: status %q is not terminal", out.InvocationID, out.Status)
	}
	return s.update(ctx, "mark terminal", func(tx *bbolt.Tx) error {
		inv, err := liveInvocation(tx, out.InvocationID)
		if err != nil {
			return err
		}
		inv.Status = out.Status
		inv.Output = out.Output
		inv.Failure = out.Failure
		inv.Awaiting = ""
		inv.UpdatedAt = s.now()
		putJSON(tx.Bucket(invocationsBucket), []byte(inv.ID), inv)

		if len(out.Mutations) > 0 {
			applyMutations(tx, out.Object, out.Mutations)
		}
		cancelWakeTimers(tx, inv.ID)
		return nil
	})
}

func readInvocation(tx *bbolt.Tx, id string) (ir.Invocation, error) {
	var inv ir.Invocation
	if !getJSON(tx.Bucket(invocationsBucket), []byte(id), &inv) {
		return ir.Invocation{}, ir.Errorf(ir.CodeNotFound, "invocation %s not found", id)
	}
	return inv, nil
}

func liveInvocation(tx *bbolt.Tx, id string) (ir.Invocation, error) {
	inv, err := readInvocation(tx, id)
	if err != nil {
		return ir.Invocation{}, err
	}
	if inv.Terminal() {
		return ir.Invocation{}, ir.Errorf(ir.CodeInvalid, "invocation %s is already %s", id, inv.Status)
	}
	return inv, nil
}

func applyMutations(tx *bbolt.Tx, obj ir.ObjectKey, mutations []ir.StateMutation) {
	states := tx.Bucket(stateBucket)
	key := objectKey(obj)
	for _, m := range mutations {
		switch {
		case m.ClearAll:
			if states.Bucket(key) != nil {
				must(states.DeleteBucket(key))
			}
		case m.Clear:
			if b := states.Bucket(key); b != nil {
				must(b.Delete([]byte(m.Key)))
			}
		default:
			put(createBucket(states, key), []byte(m.Key), slices.Clone(m.Value))
		}
	}
}
