// Package store provides the SQLite backend for rift.
//
// One database file holds two things:
//   - Documents: the remote document store. Documents implements
//     remote.Store on top of the documents table, with in-process change
//     listeners fed from the same write path.
//   - Session snapshots: the persisted namespaces of a state.Store, keyed by
//     session id (SessionStore implements state.Persister).
//
// # Ordering
//
// Every committed document write is stamped with a seq from a monotonic
// logical clock seeded from MAX(seq) on open. Listing queries order by
// id; seq is kept for change-feed style inspection ("rift get --since").
// Listener notifications are queued while the write lock is held, so they
// reach each listener in commit order.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Document bodies are stored as canonical JSON (see internal/doc), so equal
// documents have byte-equal rows and equal content hashes.
package store
