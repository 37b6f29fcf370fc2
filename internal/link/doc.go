// Package link implements the sync bridge between a state.Store and a
// remote.Store.
//
// A Bridge tracks entities stored under "characters.<id>" in the state tree
// and mirrors each one to a document in the room's characters collection.
//
// ARCHITECTURE:
//
// Inbound (remote → local):
// 1. The remote store delivers a document or collection notification on the
// listener goroutine.
// 2. The bridge diffs the remote data against the entity in the state tree.
// 3. Changed fields registered in the EchoGuard are dropped (one-shot).
// 4. Remaining changes replace the entity with origin "remote" and emit
// "entity:updated"; removed documents emit "entity:removed".
//
// Outbound (local → remote):
// 1. A local change under "characters.<id>" becomes the entity's pending
// snapshot, replacing any earlier one.
// 2. The per-entity writer restarts its debounce timer.
// 3. On fire, changed top-level fields are registered in the EchoGuard and
// sent as one partial update with updatedAt and lastModifiedBy.
// 4. A missing document falls back to Create with the full snapshot.
//
// Writer states:
//
//	Idle ──change──▶ Pending ──timer──▶ Flushing ──done──▶ Idle
//	                   ▲  │change                 │pending
//	                   └──┘(restart timer)        ▼
//	                                           Pending
//
// A change arriving while Flushing is kept as the pending snapshot and
// exactly one follow-up flush is scheduled when the in-flight write returns.
//
// Thread-safety: all Bridge methods are safe for concurrent use. The bridge
// lock is never held across a remote call or a state.Store call.
package link
