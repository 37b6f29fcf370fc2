// Package doc provides the JSON-like document values shared by the state
// store, the sync bridge and the remote backends.
//
// Documents are schema-less: a Document is a map of top-level fields whose
// values are nil, bool, string, numbers, []any or nested map[string]any. The
// sync layer only inspects top-level keys; nested game data (stat blocks,
// inventories) is carried through untouched.
//
// # Equality
//
// Two values are equal when their canonical serializations are byte-equal.
// Canonical form sorts object keys by UTF-16 code units, NFC-normalizes
// strings and prints integral floats as integers, so 25, int64(25) and
// float64(25) compare equal. This is what makes a value survive a JSON round
// trip through SQLite or the relay without showing up as a change.
//
// # Diffing
//
// Diff walks plain objects field by field and treats every other value,
// arrays included, as atomic: one differing array element marks the whole
// array field as changed.
package doc
