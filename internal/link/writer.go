package link

import (
	"github.com/roach88/rift/internal/clock"
	"github.com/roach88/rift/internal/doc"
)

// writerState is the outbound state of one tracked entity.
type writerState int

const (
	// stateIdle has nothing to send.
	stateIdle writerState = iota
	// statePending holds a snapshot and an armed debounce timer.
	statePending
	// stateFlushing has a write in flight. A snapshot captured meanwhile
	// waits for the write to return.
	stateFlushing
)

func (s writerState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case statePending:
		return "pending"
	case stateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// entityWriter is the per-entity pending write record.
// All fields are guarded by Bridge.mu.
type entityWriter struct {
	id    string
	state writerState

	// pending is the latest local snapshot not yet sent, or nil.
	pending doc.Document
	timer   clock.Timer
	// gen invalidates timers that fired after being replaced.
	gen uint64

	// lastRemote is the most recently applied remote data; nil while the
	// document does not exist.
	lastRemote doc.Document

	// base is the entity as the bridge last saw it in the state tree, after
	// staging or applying remote data. A tree value that differs from base
	// is a local edit not yet staged. nil until the first apply.
	base doc.Document
}

func newEntityWriter(id string) *entityWriter {
	return &entityWriter{id: id}
}

// stage records snapshot as the pending write. It returns true when the
// caller must arm a new debounce timer (the writer is not mid-flush).
func (w *entityWriter) stage(snapshot doc.Document) bool {
	w.pending = snapshot
	w.base = snapshot.Clone()
	switch w.state {
	case stateFlushing:
		return false
	default:
		w.stopTimer()
		w.state = statePending
		return true
	}
}

// arm installs the debounce timer for the current generation.
func (w *entityWriter) arm(t clock.Timer) {
	w.timer = t
}

// take moves the writer to Flushing and returns the snapshot to send. It
// returns false when there is nothing to send or a flush is already running.
func (w *entityWriter) take() (doc.Document, bool) {
	if w.pending == nil || w.state == stateFlushing {
		return nil, false
	}
	w.stopTimer()
	snapshot := w.pending
	w.pending = nil
	w.state = stateFlushing
	return snapshot, true
}

// finish ends a flush. It returns true when a snapshot arrived mid-flush and
// a follow-up timer must be armed.
func (w *entityWriter) finish() bool {
	if w.pending != nil {
		w.state = statePending
		return true
	}
	w.state = stateIdle
	return false
}

// drop discards the pending snapshot after the remote document was removed.
// A write already in flight finishes on its own.
func (w *entityWriter) drop() {
	w.stopTimer()
	w.pending = nil
	w.lastRemote = nil
	w.base = nil
	if w.state == statePending {
		w.state = stateIdle
	}
}

// unsent reports whether the writer holds a snapshot or has one in flight.
func (w *entityWriter) unsent() bool {
	return w.pending != nil || w.state == stateFlushing
}

// stopTimer cancels the debounce timer and invalidates any callback that
// already fired.
func (w *entityWriter) stopTimer() {
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
