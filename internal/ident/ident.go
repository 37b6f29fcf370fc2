// Package ident generates the opaque identifiers the module hands out:
// session ids, default actor ids and relay subscription ids.
package ident

import (
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator interface {
	Generate() string
}

// UUIDv7 generates time-sortable UUIDv7 identifiers. UUIDv7 embeds a
// timestamp in the most significant bits, which keeps ids roughly ordered by
// creation time in logs and in the session table.
//
// Thread-safety: UUIDv7 is stateless and safe for concurrent use.
type UUIDv7 struct{}

// Generate returns a hyphenated UUIDv7 string.
// Panics if the random source fails, which does not happen in practice.
func (UUIDv7) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Fixed returns predetermined identifiers in order, for deterministic tests
// and golden output.
//
// Thread-safety: Fixed is safe for concurrent use.
type Fixed struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixed creates a generator that returns ids in order.
//
//	gen := NewFixed("sub-1", "sub-2")
//	gen.Generate() // "sub-1"
//	gen.Generate() // "sub-2"
//	gen.Generate() // panic: all ids exhausted
func NewFixed(ids ...string) *Fixed {
	return &Fixed{ids: ids}
}

// Generate returns the next id. Panics once all ids are consumed, which
// surfaces a test that creates more ids than it declared.
func (g *Fixed) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.ids) {
		panic("ident.Fixed: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// Sequence generates prefix-1, prefix-2, ... without limit.
//
// Thread-safety: Sequence is safe for concurrent use.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequence creates a counting generator.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// Generate returns the next id in the sequence.
func (g *Sequence) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return g.prefix + "-" + strconv.Itoa(g.n)
}
