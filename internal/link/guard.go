package link

import (
	"slices"
	"sync"
	"time"

	"github.com/roach88/rift/internal/clock"
)

// DefaultEchoWindow bounds how long a written field stays suppressed.
const DefaultEchoWindow = 2 * time.Second

// EchoGuard remembers fields the bridge just wrote so their own change
// notifications are not applied as external changes.
//
// Entries are one-shot: Consume removes the entry it matches. Every entry
// also expires after the window whether or not it was consumed. Expired
// entries are pruned lazily against the clock.
//
// Thread-safety: EchoGuard is safe for concurrent use.
type EchoGuard struct {
	mu      sync.Mutex
	clock   clock.Clock
	window  time.Duration
	entries map[guardKey]time.Time // key → expiresAt
}

type guardKey struct {
	entityID string
	field    string
}

// NewEchoGuard creates a guard. A non-positive window uses DefaultEchoWindow.
func NewEchoGuard(c clock.Clock, window time.Duration) *EchoGuard {
	if window <= 0 {
		window = DefaultEchoWindow
	}
	return &EchoGuard{
		clock:   c,
		window:  window,
		entries: make(map[guardKey]time.Time),
	}
}

// Register guards fields of entityID for one window from now. Registering a
// guarded field again extends its expiry.
func (g *EchoGuard) Register(entityID string, fields ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	expiresAt := g.clock.Now().Add(g.window)
	for _, f := range fields {
		g.entries[guardKey{entityID, f}] = expiresAt
	}
}

// Consume reports whether field is guarded for entityID and, if so, releases
// it.
func (g *EchoGuard) Consume(entityID, field string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.pruneLocked(now)

	key := guardKey{entityID, field}
	if _, ok := g.entries[key]; !ok {
		return false
	}
	delete(g.entries, key)
	return true
}

// Guarded returns the live guarded fields of entityID, sorted.
func (g *EchoGuard) Guarded(entityID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneLocked(g.clock.Now())
	var out []string
	for k := range g.entries {
		if k.entityID == entityID {
			out = append(out, k.field)
		}
	}
	slices.Sort(out)
	return out
}

// Len returns the number of live entries.
func (g *EchoGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneLocked(g.clock.Now())
	return len(g.entries)
}

// Forget drops every entry for entityID.
func (g *EchoGuard) Forget(entityID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for k := range g.entries {
		if k.entityID == entityID {
			delete(g.entries, k)
		}
	}
}

// Clear drops every entry.
func (g *EchoGuard) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.entries)
}

func (g *EchoGuard) pruneLocked(now time.Time) {
	for k, expiresAt := range g.entries {
		if !now.Before(expiresAt) {
			delete(g.entries, k)
		}
	}
}
