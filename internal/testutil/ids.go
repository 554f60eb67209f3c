// Package testutil provides deterministic collaborators for tests: fixed
// identifier sequences in place of the engine's real UUIDv7 generator, so
// the same scenario produces byte-identical state ids and journal content
// across runs.
package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDGenerator returns ids of the form "<prefix>-0001", "<prefix>-0002",
// ... in order. Thread-safe.
type SequentialIDGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDGenerator constructs a generator that starts at 1.
func NewSequentialIDGenerator(prefix string) *SequentialIDGenerator {
	if prefix == "" {
		prefix = "state"
	}
	return &SequentialIDGenerator{prefix: prefix}
}

// Next returns the next id in sequence.
func (g *SequentialIDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// Reset returns the generator to its initial state, for test reuse.
func (g *SequentialIDGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
