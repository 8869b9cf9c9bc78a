package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/roach88/durable/internal/ir"
)

// GetState returns the committed value of one object field.
func (s *Store) GetState(ctx context.Context, obj ir.ObjectKey, field string) (json.RawMessage, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM object_state WHERE object_type = ? AND object_key = ? AND field = ?
	`, obj.Type, obj.Key, field).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ir.StorageUnavailable("get state", err)
	}
	return json.RawMessage(value), true, nil
}

// GetAllState returns every committed field of an object.
func (s *Store) GetAllState(ctx context.Context, obj ir.ObjectKey) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field, value FROM object_state
		WHERE object_type = ? AND object_key = ?
		ORDER BY field ASC
	`, obj.Type, obj.Key)
	if err != nil {
		return nil, ir.StorageUnavailable("get all state", err)
	}
	defer rows.Close()

	state := map[string]json.RawMessage{}
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, ir.StorageUnavailable("get all state", err)
		}
		state[field] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, ir.StorageUnavailable("get all state", err)
	}
	return state, nil
}

// ClaimWorkflow records invocationID as the run of obj unless a run is
// already recorded, and returns the recorded run.
func (s *Store) ClaimWorkflow(ctx context.Context, obj ir.ObjectKey, invocationID string) (string, error) {
	var owner string
	err := s.withTx(ctx, "claim workflow", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_runs (workflow, workflow_key, invocation_id) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`, obj.Type, obj.Key, invocationID); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `
			SELECT invocation_id FROM workflow_runs WHERE workflow = ? AND workflow_key = ?
		`, obj.Type, obj.Key).Scan(&owner)
	})
	return owner, err
}
