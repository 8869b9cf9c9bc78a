// Package codec converts journal entries to and from their stored bytes.
//
// The codec is pure and stateless. Entries are stored as a JSON envelope
// carrying a version, a kind discriminator and the variant fields. Payloads
// are embedded as raw JSON so a journal can be read with any JSON tool.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/durable/internal/ir"
)

// envelope is the stored shape of an entry. FireAt is Unix nanoseconds so
// that the encoding carries no time zone.
type envelope struct {
	V       string          `json:"v"`
	Kind    ir.EntryKind    `json:"kind"`
	Name    string          `json:"name,omitempty"`
	Target  *ir.Target      `json:"target,omitempty"`
	ID      string          `json:"id,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Failure *ir.Failure     `json:"failure,omitempty"`
	FireAt  int64           `json:"fire_at,omitempty"`
}

// EncodeEntry validates e and returns its stored bytes.
func EncodeEntry(e ir.Entry) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	if e.Value != nil && !json.Valid(e.Value) {
		return nil, fmt.Errorf("encode entry: %s value is not valid JSON", e.Kind)
	}

	env := envelope{
		V:       ir.JournalVersion,
		Kind:    e.Kind,
		Name:    e.Name,
		Target:  e.Target,
		ID:      e.ID,
		Value:   e.Value,
		Failure: e.Failure,
	}
	if !e.FireAt.IsZero() {
		env.FireAt = e.FireAt.UnixNano()
	}

	data, err := marshalNoEscape(env)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return data, nil
}

// DecodeEntry parses stored bytes back into an entry.
func DecodeEntry(data []byte) (ir.Entry, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return ir.Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	if env.V != ir.JournalVersion {
		return ir.Entry{}, fmt.Errorf("decode entry: unsupported journal version %q", env.V)
	}

	e := ir.Entry{
		Kind:    env.Kind,
		Name:    env.Name,
		Target:  env.Target,
		ID:      env.ID,
		Value:   env.Value,
		Failure: env.Failure,
	}
	if env.FireAt != 0 {
		e.FireAt = time.Unix(0, env.FireAt).UTC()
	}
	if err := e.Validate(); err != nil {
		return ir.Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return e, nil
}

// marshalNoEscape encodes v without HTML escaping so payload text is stored
// exactly as the handler produced it.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return []byte(strings.TrimSuffix(buf.String(), "\n")), nil
}
