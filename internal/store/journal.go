package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/durable/internal/codec"
	"github.com/roach88/durable/internal/ir"
)

// Append records e at the next journal position of invocation id.
// The position is assigned inside the transaction, so concurrent appends to
// one invocation can never produce a gap or a duplicate.
func (s *Store) Append(ctx context.Context, id string, e ir.Entry) (int64, error) {
	data, err := codec.EncodeEntry(e)
	if err != nil {
		return 0, &ir.Error{Code: ir.CodeInvalid, Message: err.Error(), InvocationID: id, Cause: err}
	}

	var seq int64
	err = s.withTx(ctx, "append entry", func(tx *sql.Tx) error {
		if _, err := liveStatus(ctx, tx, id); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq) + 1, 0) FROM journal WHERE invocation_id = ?
		`, id).Scan(&seq); err != nil {
			return fmt.Errorf("next journal seq: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO journal (invocation_id, seq, kind, entry) VALUES (?, ?, ?, ?)
		`, id, seq, string(e.Kind), string(data))
		return err
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// ReadJournal returns every entry of invocation id in position order.
// Returns an empty slice (not nil) if the journal is empty.
func (s *Store) ReadJournal(ctx context.Context, id string) ([]ir.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, entry FROM journal WHERE invocation_id = ? ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, ir.StorageUnavailable("read journal", err)
	}
	defer rows.Close()

	records := []ir.Record{}
	for rows.Next() {
		var (
			seq  int64
			data string
		)
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, ir.StorageUnavailable("read journal", err)
		}
		e, err := codec.DecodeEntry([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("read journal %s at %d: %w", id, seq, err)
		}
		records = append(records, ir.Record{Seq: seq, Entry: e})
	}
	if err := rows.Err(); err != nil {
		return nil, ir.StorageUnavailable("read journal", err)
	}
	return records, nil
}

// MarkTerminal records a terminal outcome. Status, state mutations and the
// cancellation of pending wake timers commit together or not at all.
func (s *Store) MarkTerminal(ctx context.Context, out ir.Outcome) error {
	if !out.Status.Terminal() {
		return ir.Errorf(ir.CodeInvalid, "mark terminal %s: status %q is not terminal", out.InvocationID, out.Status)
	}
	failure, err := marshalFailure(out.Failure)
	if err != nil {
		return err
	}

	return s.withTx(ctx, "mark terminal", func(tx *sql.Tx) error {
		if _, err := liveStatus(ctx, tx, out.InvocationID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE invocations
			SET status = ?, output = ?, failure = ?, awaiting = '', updated_at = ?
			WHERE id = ?
		`, string(out.Status), nullText(out.Output), failure, nanos(s.now()), out.InvocationID); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if err := applyMutations(ctx, tx, out.Object, out.Mutations); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE timers SET cancelled = 1
			WHERE invocation_id = ? AND kind = ? AND fired_at = 0 AND cancelled = 0
		`, out.InvocationID, string(ir.TimerWake)); err != nil {
			return fmt.Errorf("cancel timers: %w", err)
		}
		return nil
	})
}

func applyMutations(ctx context.Context, tx *sql.Tx, obj ir.ObjectKey, mutations []ir.StateMutation) error {
	for _, m := range mutations {
		var err error
		switch {
		case m.ClearAll:
			_, err = tx.ExecContext(ctx, `
				DELETE FROM object_state WHERE object_type = ? AND object_key = ?
			`, obj.Type, obj.Key)
		case m.Clear:
			_, err = tx.ExecContext(ctx, `
				DELETE FROM object_state WHERE object_type = ? AND object_key = ? AND field = ?
			`, obj.Type, obj.Key, m.Key)
		default:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO object_state (object_type, object_key, field, value) VALUES (?, ?, ?, ?)
				ON CONFLICT(object_type, object_key, field) DO UPDATE SET value = excluded.value
			`, obj.Type, obj.Key, m.Key, string(m.Value))
		}
		if err != nil {
			return fmt.Errorf("apply state mutation %q: %w", m.Key, err)
		}
	}
	return nil
}
