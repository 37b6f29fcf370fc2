package store

import "sync/atomic"

// seqClock is a monotonic logical clock for document writes.
//
// Writes are stamped with strictly increasing seq values so the write order
// can be recovered without trusting wall-clock timestamps.
//
// Thread-safety: seqClock is safe for concurrent use.
type seqClock struct {
	seq atomic.Int64
}

// newSeqClockAt creates a clock resuming after start.
func newSeqClockAt(start int64) *seqClock {
	c := &seqClock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *seqClock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *seqClock) Current() int64 {
	return c.seq.Load()
}
