package codec

import (
	"encoding/json"
	"fmt"
)

// Marshal encodes a handler value as a JSON payload. Values that already are
// payloads pass through unchanged, and an empty payload stays empty.
func Marshal(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(val) == 0 {
			return nil, nil
		}
		if !json.Valid(val) {
			return nil, fmt.Errorf("marshal payload: invalid JSON")
		}
		return val, nil
	}
	data, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a payload into a T. An empty payload yields the zero T.
func Unmarshal[T any](data json.RawMessage) (T, error) {
	var out T
	if len(data) == 0 {
		return out, nil
	}
	if raw, ok := any(&out).(*json.RawMessage); ok {
		*raw = append(json.RawMessage(nil), data...)
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("unmarshal payload: %w", err)
	}
	return out, nil
}

// MustMarshal is like Marshal but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustMarshal(v any) json.RawMessage {
	data, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
