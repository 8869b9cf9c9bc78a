package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates "<prefix>-1", "<prefix>-2", ... as invocation IDs.
//
// Implements engine.IDGenerator. Tests that submit without an explicit ID
// get predictable IDs they can attach to and compare in golden output.
//
// Thread-safety: SequentialIDs is safe for concurrent use via internal mutex.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. Empty prefix means "inv".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "inv"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next ID.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
