package engine

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store"
)

// stateOverlay layers an attempt's buffered state changes over the committed
// object state. It is rebuilt from the journal on every replay; the
// mutations reach the store only with the invocation's Completed status.
type stateOverlay struct {
	backend    store.Backend
	object     ir.ObjectKey
	clearedAll bool
	values     map[string]json.RawMessage // nil value: cleared
	mutations  []ir.StateMutation
}

func newStateOverlay(b store.Backend, object ir.ObjectKey) *stateOverlay {
	return &stateOverlay{backend: b, object: object, values: map[string]json.RawMessage{}}
}

func (s *stateOverlay) get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if v, ok := s.values[key]; ok {
		return v, v != nil, nil
	}
	if s.clearedAll {
		return nil, false, nil
	}
	return s.backend.GetState(ctx, s.object, key)
}

func (s *stateOverlay) set(key string, value json.RawMessage) {
	s.values[key] = value
	s.mutations = append(s.mutations, ir.StateMutation{Key: key, Value: value})
}

func (s *stateOverlay) clear(key string) {
	s.values[key] = nil
	s.mutations = append(s.mutations, ir.StateMutation{Key: key, Clear: true})
}

func (s *stateOverlay) clearAll() {
	s.values = map[string]json.RawMessage{}
	s.clearedAll = true
	s.mutations = append(s.mutations, ir.StateMutation{ClearAll: true})
}

func (s *stateOverlay) keys(ctx context.Context) ([]string, error) {
	visible := map[string]bool{}
	if !s.clearedAll {
		committed, err := s.backend.GetAllState(ctx, s.object)
		if err != nil {
			return nil, err
		}
		for k := range committed {
			visible[k] = true
		}
	}
	for k, v := range s.values {
		visible[k] = v != nil
	}

	keys := []string{}
	for k, ok := range visible {
		if ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
