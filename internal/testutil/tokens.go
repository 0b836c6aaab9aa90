// Package testutil holds deterministic helpers shared by package tests and
// the scenario harness.
package testutil

import (
	"fmt"
	"sync"
)

// SequenceTokenGenerator produces "<prefix>-1", "<prefix>-2", ... so traces
// and golden files are byte-identical between runs.
//
// Implements correlator.TokenGenerator.
// Thread-safety: safe for concurrent use via internal mutex.
type SequenceTokenGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceTokenGenerator creates a generator. An empty prefix defaults to
// "tok".
func NewSequenceTokenGenerator(prefix string) *SequenceTokenGenerator {
	if prefix == "" {
		prefix = "tok"
	}
	return &SequenceTokenGenerator{prefix: prefix}
}

// Generate returns the next token.
func (g *SequenceTokenGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Issued returns how many tokens have been generated.
func (g *SequenceTokenGenerator) Issued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

// Reset restarts the sequence at 1.
func (g *SequenceTokenGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
