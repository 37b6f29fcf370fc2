// Package state implements the reactive state store: a namespaced tree of
// JSON-like values addressed by dot paths, with a synchronous event bus,
// best-effort snapshot persistence and a legacy compatibility sink.
//
// Namespaces are the first path segment ("user", "room", "characters", ...).
// Every successful Set emits an event named after the namespace and, for
// nested paths, a second event named after the full path:
//
//	st.Set("characters.c1.hp.current", 25)
//	// emits "characters" then "characters.c1.hp.current"
//
// Only allow-listed namespaces are handed to the Persister. Characters and
// presence are mirrors of remote data and are rebuilt on every run.
//
// Thread-safety: Store is safe for concurrent use. Handlers run on the
// goroutine that triggered the event, outside any store lock, so a handler
// may call back into the store.
package state
