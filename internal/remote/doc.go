// Package remote defines the remote document store the sync bridge talks
// to, and ships the in-memory backend.
//
// The contract mirrors a realtime document database:
//   - Documents live in collections addressed by slash paths
//     ("rooms/R1/characters").
//   - Update writes only the named fields. Keys are dot paths, so
//     {"hp.current": 25} rewrites one nested value and leaves hp.max alone.
//     Updating a missing document fails with ErrNotFound.
//   - Create replaces the whole document.
//   - ServerTimestamp and Delete are sentinels resolved at write time.
//   - Listeners receive the current state immediately, then one
//     notification per committed write, in commit order.
//
// # Delivery
//
// Each listener owns a FIFO queue drained by its own goroutine (see Hub).
// Backends enqueue while still holding their write lock, so the order a
// listener observes is the order writes committed. Callbacks never run on the
// writer's goroutine, which lets a listener call back into the store (or into
// code that writes to the store) without deadlocking.
package remote
