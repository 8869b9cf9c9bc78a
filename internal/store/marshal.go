package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/durable/internal/ir"
)

// nullText stores a payload as JSON TEXT, or NULL when absent.
func nullText(raw json.RawMessage) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// rawFrom is the inverse of nullText.
func rawFrom(ns sql.NullString) json.RawMessage {
	if !ns.Valid {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalFailure(f *ir.Failure) (sql.NullString, error) {
	if f == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal failure: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalFailure(ns sql.NullString) (*ir.Failure, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var f ir.Failure
	if err := json.Unmarshal([]byte(ns.String), &f); err != nil {
		return nil, fmt.Errorf("unmarshal failure: %w", err)
	}
	return &f, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
