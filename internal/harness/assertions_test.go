package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rift/internal/doc"
	"github.com/roach88/rift/internal/link"
	"github.com/roach88/rift/internal/remote"
	"github.com/roach88/rift/internal/state"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Kind: KindStep, Name: "watch", Data: map[string]any{"id": "c1"}},
		{Seq: 2, Kind: KindEvent, Name: "entity:updated", Data: map[string]any{"id": "c1", "fields": []any{"hp"}, "origin": "remote"}},
		{Seq: 3, Kind: KindStep, Name: "advance", Data: map[string]any{"duration": "500ms"}},
		{Seq: 4, Kind: KindWrite, Name: "update", Data: map[string]any{"id": "c1", "fields": map[string]any{"hp": float64(7)}}},
		{Seq: 5, Kind: KindWrite, Name: "update", Data: map[string]any{"id": "c2", "fields": map[string]any{"hp": float64(3)}}},
	}
}

func TestTraceEvent_Key(t *testing.T) {
	trace := sampleTrace()
	assert.Equal(t, "step:watch", trace[0].Key())
	assert.Equal(t, "entity:updated", trace[1].Key())
	assert.Equal(t, "write:update", trace[3].Key())
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Event: "write:update"}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Event: "write:update", Match: map[string]any{"fields.hp": 3}}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Event: "entity:updated", Match: map[string]any{"fields": []any{"hp"}}}))

	err := assertTraceContains(trace, Assertion{Event: "write:update", Match: map[string]any{"id": "c9"}})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Equal(t, "not found in trace", ae.Actual)
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Event: "write:update", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Event: "write:update", Count: 1, Match: map[string]any{"id": "c2"}}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Event: "write:create", Count: 0}))

	err := assertTraceCount(trace, Assertion{Event: "write:update", Count: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 occurrences")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Events: []string{"step:watch", "entity:updated", "write:update"}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Events: []string{"step:watch", "write:update"}}))

	err := assertTraceOrder(trace, Assertion{Events: []string{"write:update", "step:watch"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "should be before")

	err = assertTraceOrder(trace, Assertion{Events: []string{"step:watch", "entity:removed"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing entry: entity:removed")
}

func TestMatchSubset(t *testing.T) {
	actual := map[string]any{
		"name": "Aria",
		"hp":   map[string]any{"current": float64(7), "max": float64(10)},
		"tags": []any{"a", "b"},
	}

	tests := []struct {
		name   string
		expect map[string]any
		ok     bool
	}{
		{"empty", nil, true},
		{"top level", map[string]any{"name": "Aria"}, true},
		{"dot path", map[string]any{"hp.current": 7}, true},
		{"nested subset", map[string]any{"hp": map[string]any{"max": 10}}, true},
		{"array", map[string]any{"tags": []any{"a", "b"}}, true},
		{"wrong value", map[string]any{"name": "Bo"}, false},
		{"missing", map[string]any{"level": 1}, false},
		{"array order", map[string]any{"tags": []any{"b", "a"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, matchSubset(actual, tt.expect) == "")
		})
	}
}

func TestAssertRemoteAndLocalState(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	require.NoError(t, mem.Create(ctx, remote.CharactersCollection("R1"), "c1", doc.Document{"name": "Aria", "hp": float64(7)}))
	st := state.New()
	st.Set("characters.c1", map[string]any{"name": "Aria", "hp": float64(7)})

	actx := &AssertionContext{Ctx: ctx, Remote: mem, State: st, Bridge: link.New(st, mem), Room: "R1"}

	assert.NoError(t, assertRemoteState(actx, Assertion{ID: "c1", Expect: map[string]any{"hp": 7}}))
	assert.NoError(t, assertRemoteState(actx, Assertion{ID: "c2", Exists: boolPtr(false)}))
	assert.Error(t, assertRemoteState(actx, Assertion{ID: "c1", Expect: map[string]any{"hp": 8}}))
	assert.Error(t, assertRemoteState(actx, Assertion{ID: "c2", Expect: map[string]any{"hp": 7}}))

	assert.NoError(t, assertLocalState(actx, Assertion{Path: "characters.c1.hp", Expect: 7}))
	assert.NoError(t, assertLocalState(actx, Assertion{Path: "characters.c1", Expect: map[string]any{"name": "Aria"}}))
	assert.NoError(t, assertLocalState(actx, Assertion{Path: "characters.c2", Exists: boolPtr(false)}))
	assert.Error(t, assertLocalState(actx, Assertion{Path: "characters.c1.hp", Expect: 8}))
	assert.Error(t, assertLocalState(actx, Assertion{Path: "characters.c1.hp", Expect: map[string]any{"x": 1}}))

	assert.NoError(t, assertStatus(actx, Assertion{Expect: map[string]any{"mode": "none"}}))
	assert.Error(t, assertStatus(actx, Assertion{Expect: map[string]any{"mode": "single"}}))
}

func TestEvaluateAssertions(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceCount, Event: "write:update", Count: 2},
		{Type: AssertTraceContains, Event: "entity:removed"},
		{Type: "bogus"},
	}, &AssertionContext{})

	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "assertions[1]")
	assert.Contains(t, errs[1], `unknown assertion type "bogus"`)
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceCount,
		Expected: "1 occurrences of write:update",
		Actual:   "2 occurrences",
		Trace:    sampleTrace()[:1],
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "Expected: 1 occurrences of write:update")
	assert.Contains(t, msg, "Actual: 2 occurrences")
	assert.Contains(t, msg, `[1] step:watch {"id":"c1"}`)
}
