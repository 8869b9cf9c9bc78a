package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/durable/internal/ir"
)

const invocationColumns = `id, seq, service, object_key, handler, kind, mode, input, payload_hash,
	status, attempts, caller_id, awaiting, output, failure, created_at, updated_at`

// CreateInvocation inserts inv with the next arrival seq. An existing
// invocation with the same ID is returned instead (created=false).
func (s *Store) CreateInvocation(ctx context.Context, inv ir.Invocation) (ir.Invocation, bool, error) {
	var (
		stored  ir.Invocation
		created bool
	)
	err := s.withTx(ctx, "create invocation", func(tx *sql.Tx) error {
		existing, err := readInvocation(ctx, tx, inv.ID)
		if err == nil {
			stored = existing
			return nil
		}
		if !errors.Is(err, ir.ErrNotFound) {
			return err
		}

		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM invocations`).Scan(&inv.Seq); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}
		if inv.Status == "" {
			inv.Status = ir.StatusPending
		}
		if inv.CreatedAt.IsZero() {
			inv.CreatedAt = s.now()
		}
		inv.UpdatedAt = inv.CreatedAt

		failure, err := marshalFailure(inv.Failure)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO invocations (`+invocationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			inv.ID,
			inv.Seq,
			inv.Target.Service,
			inv.Target.Key,
			inv.Target.Handler,
			string(inv.Kind),
			string(inv.Mode),
			nullText(inv.Input),
			inv.PayloadHash,
			string(inv.Status),
			inv.Attempts,
			inv.CallerID,
			inv.Awaiting,
			nullText(inv.Output),
			failure,
			nanos(inv.CreatedAt),
			nanos(inv.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert invocation: %w", err)
		}
		created = true
		stored, err = readInvocation(ctx, tx, inv.ID)
		return err
	})
	if err != nil {
		return ir.Invocation{}, false, err
	}
	return stored, created, nil
}

// ReadInvocation returns the invocation with the given ID.
func (s *Store) ReadInvocation(ctx context.Context, id string) (ir.Invocation, error) {
	inv, err := readInvocation(ctx, s.db, id)
	if err != nil {
		return ir.Invocation{}, classify("read invocation", err)
	}
	return inv, nil
}

// ListInvocations returns matching invocations ordered by seq.
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ListInvocations(ctx context.Context, f Filter) ([]ir.Invocation, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Service != "" {
		where = append(where, "service = ?")
		args = append(args, f.Service)
	}

	query := `SELECT ` + invocationColumns + ` FROM invocations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ir.StorageUnavailable("list invocations", err)
	}
	defer rows.Close()

	invocations := []ir.Invocation{}
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, classify("list invocations", err)
		}
		invocations = append(invocations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, ir.StorageUnavailable("list invocations", err)
	}
	return invocations, nil
}

// SetStatus moves a non-terminal invocation to another non-terminal status.
func (s *Store) SetStatus(ctx context.Context, id string, status ir.Status, awaiting string) error {
	if !status.Valid() || status.Terminal() {
		return ir.Errorf(ir.CodeInvalid, "set status %q: use MarkTerminal for terminal statuses", status)
	}
	return s.withTx(ctx, "set status", func(tx *sql.Tx) error {
		if _, err := liveStatus(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE invocations SET status = ?, awaiting = ?, updated_at = ?
			WHERE id = ?
		`, string(status), awaiting, nanos(s.now()), id)
		return err
	})
}

// IncrementAttempts bumps and returns the attempt counter.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.withTx(ctx, "increment attempts", func(tx *sql.Tx) error {
		if _, err := liveStatus(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE invocations SET attempts = attempts + 1, updated_at = ? WHERE id = ?
		`, nanos(s.now()), id); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT attempts FROM invocations WHERE id = ?`, id).Scan(&attempts)
	})
	return attempts, err
}

// Readmit returns a retryable Failed invocation with an empty journal to
// Pending.
func (s *Store) Readmit(ctx context.Context, id string) (ir.Invocation, error) {
	var inv ir.Invocation
	err := s.withTx(ctx, "readmit", func(tx *sql.Tx) error {
		cur, err := readInvocation(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != ir.StatusFailed || cur.Failure == nil || !cur.Failure.Retryable {
			return ir.Errorf(ir.CodeInvalid, "invocation %s is not a retryable failure", id)
		}
		var entries int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM journal WHERE invocation_id = ?`, id).Scan(&entries); err != nil {
			return err
		}
		if entries > 0 {
			return ir.Errorf(ir.CodeInvalid, "invocation %s has already journaled %d entries", id, entries)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE invocations
			SET status = ?, failure = NULL, output = NULL, attempts = 0, awaiting = '', updated_at = ?
			WHERE id = ?
		`, string(ir.StatusPending), nanos(s.now()), id); err != nil {
			return err
		}
		inv, err = readInvocation(ctx, tx, id)
		return err
	})
	return inv, err
}

// liveStatus returns the status of a non-terminal invocation, failing for
// unknown or terminal ones.
func liveStatus(ctx context.Context, q querier, id string) (ir.Status, error) {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM invocations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ir.Errorf(ir.CodeNotFound, "invocation %s not found", id)
	}
	if err != nil {
		return "", err
	}
	if ir.Status(status).Terminal() {
		return "", ir.Errorf(ir.CodeInvalid, "invocation %s is already %s", id, status)
	}
	return ir.Status(status), nil
}

func readInvocation(ctx context.Context, q querier, id string) (ir.Invocation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+invocationColumns+` FROM invocations WHERE id = ?`, id)
	inv, err := scanInvocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Invocation{}, ir.Errorf(ir.CodeNotFound, "invocation %s not found", id)
	}
	return inv, err
}

func scanInvocation(row scanner) (ir.Invocation, error) {
	var (
		inv                    ir.Invocation
		kind, mode, status     string
		input, output, failure sql.NullString
		createdAt, updatedAt   int64
	)
	err := row.Scan(
		&inv.ID,
		&inv.Seq,
		&inv.Target.Service,
		&inv.Target.Key,
		&inv.Target.Handler,
		&kind,
		&mode,
		&input,
		&inv.PayloadHash,
		&status,
		&inv.Attempts,
		&inv.CallerID,
		&inv.Awaiting,
		&output,
		&failure,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return ir.Invocation{}, err
	}
	inv.Kind = ir.HandlerKind(kind)
	inv.Mode = ir.HandlerMode(mode)
	inv.Status = ir.Status(status)
	inv.Input = rawFrom(input)
	inv.Output = rawFrom(output)
	inv.CreatedAt = fromNanos(createdAt)
	inv.UpdatedAt = fromNanos(updatedAt)
	if inv.Failure, err = unmarshalFailure(failure); err != nil {
		return ir.Invocation{}, err
	}
	return inv, nil
}
