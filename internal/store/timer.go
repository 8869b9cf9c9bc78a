package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/roach88/durable/internal/ir"
)

const timerColumns = `id, invocation_id, kind, fire_at, payload, fired_at, delivered, cancelled`

// ScheduleTimer inserts t unless a timer with its ID already exists.
func (s *Store) ScheduleTimer(ctx context.Context, t ir.Timer) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO timers (id, invocation_id, kind, fire_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, t.ID, t.InvocationID, string(t.Kind), nanos(t.FireAt), nullText(t.Payload))
	if err != nil {
		return false, ir.StorageUnavailable("schedule timer", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ir.StorageUnavailable("schedule timer", err)
	}
	return n > 0, nil
}

// ReadTimer returns the timer with the given ID.
func (s *Store) ReadTimer(ctx context.Context, id string) (ir.Timer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+timerColumns+` FROM timers WHERE id = ?`, id)
	t, err := scanTimer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Timer{}, ir.Errorf(ir.CodeNotFound, "timer %s not found", id)
	}
	if err != nil {
		return ir.Timer{}, ir.StorageUnavailable("read timer", err)
	}
	return t, nil
}

// CancelTimer cancels a timer that has neither fired nor been cancelled.
func (s *Store) CancelTimer(ctx context.Context, id string) (bool, error) {
	return s.updateTimer(ctx, "cancel timer", id, `
		UPDATE timers SET cancelled = 1 WHERE id = ? AND fired_at = 0 AND cancelled = 0
	`, id)
}

// FireTimer marks a pending timer fired; only the first call returns true.
func (s *Store) FireTimer(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.updateTimer(ctx, "fire timer", id, `
		UPDATE timers SET fired_at = ? WHERE id = ? AND fired_at = 0 AND cancelled = 0
	`, nanos(at), id)
}

// MarkDelivered records that a fired timer's effect was handed off.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	_, err := s.updateTimer(ctx, "mark delivered", id, `
		UPDATE timers SET delivered = 1 WHERE id = ? AND fired_at != 0
	`, id)
	return err
}

// updateTimer runs a conditional update and reports whether it matched.
// Unknown timers are reported as ir.ErrNotFound.
func (s *Store) updateTimer(ctx context.Context, op, id, query string, args ...any) (bool, error) {
	var changed bool
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			changed = true
			return nil
		}
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM timers WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ir.Errorf(ir.CodeNotFound, "timer %s not found", id)
		}
		return nil
	})
	return changed, err
}

// DueTimers returns pending timers with fire_at <= now, earliest first.
func (s *Store) DueTimers(ctx context.Context, now time.Time, limit int) ([]ir.Timer, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTimers(ctx, "due timers", `
		SELECT `+timerColumns+` FROM timers
		WHERE fired_at = 0 AND cancelled = 0 AND fire_at <= ?
		ORDER BY fire_at ASC, id ASC
		LIMIT ?
	`, nanos(now), limit)
}

// NextFireAt returns the earliest fire_at among pending timers.
func (s *Store) NextFireAt(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(fire_at) FROM timers WHERE fired_at = 0 AND cancelled = 0
	`).Scan(&next)
	if err != nil {
		return time.Time{}, false, ir.StorageUnavailable("next fire time", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(next.Int64), true, nil
}

// UndeliveredTimers returns fired timers whose effect was never handed off.
func (s *Store) UndeliveredTimers(ctx context.Context) ([]ir.Timer, error) {
	return s.queryTimers(ctx, "undelivered timers", `
		SELECT `+timerColumns+` FROM timers
		WHERE fired_at != 0 AND delivered = 0
		ORDER BY fire_at ASC, id ASC
	`)
}

// ListTimers returns timers ordered by fire_at.
func (s *Store) ListTimers(ctx context.Context, pendingOnly bool) ([]ir.Timer, error) {
	query := `SELECT ` + timerColumns + ` FROM timers`
	if pendingOnly {
		query += ` WHERE fired_at = 0 AND cancelled = 0`
	}
	query += ` ORDER BY fire_at ASC, id ASC`
	return s.queryTimers(ctx, "list timers", query)
}

func (s *Store) queryTimers(ctx context.Context, op, query string, args ...any) ([]ir.Timer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ir.StorageUnavailable(op, err)
	}
	defer rows.Close()

	timers := []ir.Timer{}
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, ir.StorageUnavailable(op, err)
		}
		timers = append(timers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, ir.StorageUnavailable(op, err)
	}
	return timers, nil
}

func scanTimer(row scanner) (ir.Timer, error) {
	var (
		t                    ir.Timer
		kind                 string
		payload              sql.NullString
		fireAt, firedAt      int64
		delivered, cancelled int
	)
	if err := row.Scan(&t.ID, &t.InvocationID, &kind, &fireAt, &payload, &firedAt, &delivered, &cancelled); err != nil {
		return ir.Timer{}, err
	}
	t.Kind = ir.TimerKind(kind)
	t.FireAt = fromNanos(fireAt)
	t.Payload = rawFrom(payload)
	t.FiredAt = fromNanos(firedAt)
	t.Delivered = delivered != 0
	t.Cancelled = cancelled != 0
	return t, nil
}
