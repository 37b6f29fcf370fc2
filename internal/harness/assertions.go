package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/rift/internal/doc"
	"github.com/roach88/rift/internal/link"
	"github.com/roach88/rift/internal/remote"
	"github.com/roach88/rift/internal/state"
)

// AssertionContext provides what state assertions inspect.
type AssertionContext struct {
	Ctx    context.Context
	Remote remote.Store
	State  *state.Store
	Bridge *link.Bridge
	// Room selects the characters collection remote_state reads.
	Room string
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			raw, err := doc.MarshalCanonical(event.Data)
			if err != nil {
				raw = []byte(fmt.Sprint(event.Data))
			}
			fmt.Fprintf(&buf, "  [%d] %s %s\n", event.Seq, event.Key(), raw)
		}
	}

	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertRemoteState:
		return assertRemoteState(actx, a)
	case AssertLocalState:
		return assertLocalState(actx, a)
	case AssertStatus:
		return assertStatus(actx, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertTraceContains checks that some entry has the assertion's key and
// matches its data subset.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if event.Key() == a.Event && matchSubset(event.Data, a.Match) == "" {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s matching %v", a.Event, a.Match),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceCount checks that exactly Count entries match.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Key() == a.Event && matchSubset(event.Data, a.Match) == "" {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks that the first occurrence of each key appears in
// the listed order. Other entries may come in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		key := event.Key()
		if _, seen := positions[key]; !seen {
			positions[key] = i + 1
		}
	}

	for _, key := range a.Events {
		if positions[key] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all entries present: %v", a.Events),
				Actual:   fmt.Sprintf("missing entry: %s", key),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Events); i++ {
		prev, curr := a.Events[i-1], a.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("entries in order: %v", a.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertRemoteState checks a document in the active room's characters
// collection.
func assertRemoteState(actx *AssertionContext, a Assertion) error {
	collection := remote.CharactersCollection(actx.Room)
	snap, err := actx.Remote.Get(actx.Ctx, collection, a.ID)
	if err != nil {
		return fmt.Errorf("remote_state: get %s/%s: %w", collection, a.ID, err)
	}

	if a.Exists != nil && *a.Exists != snap.Exists {
		return &AssertionError{
			Type:     AssertRemoteState,
			Expected: fmt.Sprintf("%s/%s exists=%t", collection, a.ID, *a.Exists),
			Actual:   fmt.Sprintf("exists=%t", snap.Exists),
		}
	}
	if a.Expect == nil {
		return nil
	}
	if !snap.Exists {
		return &AssertionError{
			Type:     AssertRemoteState,
			Expected: fmt.Sprintf("%s/%s with %v", collection, a.ID, a.Expect),
			Actual:   "document not found",
		}
	}
	expect, ok := normalize(a.Expect).(map[string]any)
	if !ok {
		return fmt.Errorf("remote_state: expect must be a map")
	}
	if msg := matchSubset(snap.Data.Map(), expect); msg != "" {
		return &AssertionError{
			Type:     AssertRemoteState,
			Expected: fmt.Sprintf("%s/%s with %v", collection, a.ID, a.Expect),
			Actual:   msg,
		}
	}
	return nil
}

// assertLocalState checks a path in the state tree. A map expectation is a
// subset match; anything else must be equal.
func assertLocalState(actx *AssertionContext, a Assertion) error {
	actual, exists := actx.State.Lookup(a.Path)

	if a.Exists != nil && *a.Exists != exists {
		return &AssertionError{
			Type:     AssertLocalState,
			Expected: fmt.Sprintf("%s exists=%t", a.Path, *a.Exists),
			Actual:   fmt.Sprintf("exists=%t", exists),
		}
	}
	if a.Expect == nil {
		return nil
	}

	expect := normalize(a.Expect)
	if em, ok := expect.(map[string]any); ok {
		am, isMap := actual.(map[string]any)
		if !isMap {
			return &AssertionError{
				Type:     AssertLocalState,
				Expected: fmt.Sprintf("%s is an object with %v", a.Path, a.Expect),
				Actual:   describe(actual, exists),
			}
		}
		if msg := matchSubset(am, em); msg != "" {
			return &AssertionError{
				Type:     AssertLocalState,
				Expected: fmt.Sprintf("%s with %v", a.Path, a.Expect),
				Actual:   msg,
			}
		}
		return nil
	}
	if !exists || !doc.Equal(actual, expect) {
		return &AssertionError{
			Type:     AssertLocalState,
			Expected: fmt.Sprintf("%s = %v", a.Path, a.Expect),
			Actual:   describe(actual, exists),
		}
	}
	return nil
}

// assertStatus compares the bridge status with the expected fields.
func assertStatus(actx *AssertionContext, a Assertion) error {
	raw, err := doc.MarshalCanonical(actx.Bridge.Status())
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	actual, err := doc.Decode(raw)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	expect, _ := normalize(a.Expect).(map[string]any)
	if msg := matchSubset(actual.Map(), expect); msg != "" {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("status with %v", a.Expect),
			Actual:   msg,
		}
	}
	return nil
}

// matchSubset checks every expected key against actual. Keys may be dot
// paths. It returns "" on a match, otherwise a description of the first
// mismatch.
func matchSubset(actual, expect map[string]any) string {
	for _, key := range sortedKeys(expect) {
		want := expect[key]
		parts, err := doc.SplitPath(key)
		if err != nil {
			return fmt.Sprintf("invalid key %q", key)
		}
		got, ok := doc.GetPath(actual, parts)
		if !ok {
			return fmt.Sprintf("%s missing", key)
		}
		wm, wantMap := want.(map[string]any)
		gm, gotMap := got.(map[string]any)
		if wantMap && gotMap {
			if msg := matchSubset(gm, wm); msg != "" {
				return key + "." + msg
			}
			continue
		}
		if !doc.Equal(got, want) {
			return fmt.Sprintf("%s = %v, want %v", key, got, want)
		}
	}
	return ""
}

func describe(v any, exists bool) string {
	if !exists {
		return "path not found"
	}
	return fmt.Sprintf("%v", v)
}
