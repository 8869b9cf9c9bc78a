package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/roach88/durable/internal/ir"
)

// CreatePromise inserts p if absent; an ownerless promise adopts p's owner.
func (s *Store) CreatePromise(ctx context.Context, p ir.Promise) (ir.Promise, error) {
	var stored ir.Promise
	err := s.withTx(ctx, "create promise", func(tx *sql.Tx) error {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = s.now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO promises (id, owner_id, state, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id
			WHERE promises.owner_id = '' AND excluded.owner_id != ''
		`, p.ID, p.OwnerID, string(ir.PromisePending), nanos(p.CreatedAt)); err != nil {
			return err
		}
		var err error
		stored, err = readPromise(ctx, tx, p.ID)
		return err
	})
	return stored, err
}

// ReadPromise returns the promise with the given ID.
func (s *Store) ReadPromise(ctx context.Context, id string) (ir.Promise, error) {
	p, err := readPromise(ctx, s.db, id)
	if err != nil {
		return ir.Promise{}, classify("read promise", err)
	}
	return p, nil
}

// CompletePromise applies c unless the promise is already completed, in
// which case the stored promise is returned with ir.ErrAlreadyResolved.
func (s *Store) CompletePromise(ctx context.Context, id string, c ir.Completion, at time.Time) (ir.Promise, error) {
	failure, err := marshalFailure(c.Failure)
	if err != nil {
		return ir.Promise{}, err
	}

	var stored ir.Promise
	err = s.withTx(ctx, "complete promise", func(tx *sql.Tx) error {
		cur, err := readPromise(ctx, tx, id)
		switch {
		case errors.Is(err, ir.ErrNotFound):
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO promises (id, owner_id, state, value, failure, created_at, completed_at)
				VALUES (?, '', ?, ?, ?, ?, ?)
			`, id, string(c.State()), nullText(c.Value), failure, nanos(at), nanos(at)); err != nil {
				return err
			}
		case err != nil:
			return err
		case cur.State.Done():
			stored = cur
			return &ir.Error{Code: ir.CodeAlreadyResolved, Message: "promise " + id + " is already " + string(cur.State)}
		default:
			if _, err := tx.ExecContext(ctx, `
				UPDATE promises SET state = ?, value = ?, failure = ?, completed_at = ?
				WHERE id = ?
			`, string(c.State()), nullText(c.Value), failure, nanos(at), id); err != nil {
				return err
			}
		}
		stored, err = readPromise(ctx, tx, id)
		return err
	})
	return stored, err
}

func readPromise(ctx context.Context, q querier, id string) (ir.Promise, error) {
	var (
		p                      ir.Promise
		state                  string
		value, failure         sql.NullString
		createdAt, completedAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, owner_id, state, value, failure, created_at, completed_at
		FROM promises WHERE id = ?
	`, id).Scan(&p.ID, &p.OwnerID, &state, &value, &failure, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Promise{}, ir.Errorf(ir.CodeNotFound, "promise %s not found", id)
	}
	if err != nil {
		return ir.Promise{}, err
	}
	p.State = ir.PromiseState(state)
	p.Value = rawFrom(value)
	p.CreatedAt = fromNanos(createdAt)
	p.CompletedAt = fromNanos(completedAt)
	if p.Failure, err = unmarshalFailure(failure); err != nil {
		return ir.Promise{}, err
	}
	return p, nil
}
