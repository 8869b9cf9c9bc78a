package testutil

import (
	"slices"
	"sync"
)

// Effects counts how many times each named side effect actually ran, and in
// what order. Handlers under test call Record inside their side-effect
// closures; assertions then prove that replays did not re-execute them.
type Effects struct {
	mu     sync.Mutex
	counts map[string]int
	order  []string
}

// NewEffects creates an empty recorder.
func NewEffects() *Effects {
	return &Effects{counts: map[string]int{}}
}

// Record notes one execution of name and returns how many times it has run.
func (e *Effects) Record(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts[name]++
	e.order = append(e.order, name)
	return e.counts[name]
}

// Count returns how many times name ran.
func (e *Effects) Count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[name]
}

// Order returns every recorded execution in the order it happened.
func (e *Effects) Order() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.order)
}
