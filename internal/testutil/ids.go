package testutil

import (
	"fmt"
	"sync"
)

// SeqIDGenerator generates "<prefix>-1", "<prefix>-2", ... for deterministic
// session ids and golden traces.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SeqIDGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSeqIDGenerator creates a generator. An empty prefix defaults to "session".
func NewSeqIDGenerator(prefix string) *SeqIDGenerator {
	if prefix == "" {
		prefix = "session"
	}
	return &SeqIDGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *SeqIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
