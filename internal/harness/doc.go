// Package harness runs sync scenarios against an in-memory rift app.
//
// A scenario seeds a remote store, drives the state store and bridge through
// a list of steps, records what happened as a trace, and checks assertions
// against the trace and the final local and remote state.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: debounced_edit
//	description: "Rapid local edits coalesce into one remote write"
//	room: R1
//	remote:
//	  c1: { name: Aria, hp: 10 }
//	steps:
//	  - action: watch
//	    id: c1
//	  - action: set
//	    path: characters.c1.hp
//	    value: 7
//	  - action: advance
//	    duration: 500ms
//	assertions:
//	  - type: remote_state
//	    id: c1
//	    expect: { hp: 7 }
//	  - type: trace_count
//	    event: write:update
//	    count: 1
//
// # Steps
//
//   - set, delete, merge: local state writes (origin local)
//   - advance: move the fake clock, firing due debounce timers
//   - watch, watch_collection, disconnect, flush: bridge lifecycle
//   - write, write_batch, write_all: direct writes (write_all takes an expr)
//   - remote_update, remote_create, remote_delete: another client's writes
//   - fail_writes: make the remote reject (value: true) or accept writes
//   - switch_room: move the app to another room
//
// A step that is expected to fail names the error class in expect_error:
// validation, remote, transform, not_tracked, not_connected, invalid_path,
// no_room or error.
//
// # Trace
//
// The trace lists, per step, the step itself, then every remote write the
// app made during it, then every entity:updated and entity:removed event.
// Writes are keyed write:<op>, events by name and steps step:<action>.
//
// # Deterministic Testing
//
// Every run uses a fresh remote.Memory, a fake clock starting at
// 2024-01-01T00:00:00Z and the actor "harness" unless the scenario names
// one. After each step the harness waits until every listener has drained,
// so traces are identical across runs and can be compared with golden files.
package harness
