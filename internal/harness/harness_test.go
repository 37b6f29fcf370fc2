package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rift/internal/link"
	"github.com/roach88/rift/internal/remote"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err, "failed to load scenario %s", name)
	return s
}

func TestScenarios(t *testing.T) {
	for _, name := range []string{
		"debounced_edit",
		"collection_write_all",
		"pending_edit_survives_remote",
		"switch_room",
		"validation_rejected",
		"remote_failure",
	} {
		t.Run(name, func(t *testing.T) {
			scenario := loadTestScenario(t, name)
			assert.Equal(t, name, scenario.Name)

			result, err := Run(context.Background(), scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "scenario should pass: errors=%v", result.Errors)
			assert.NotEmpty(t, result.Trace)
		})
	}
}

func TestRunWithGolden_DebouncedEdit(t *testing.T) {
	result, err := RunWithGolden(t, loadTestScenario(t, "debounced_edit"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
}

func TestRunWithGolden_CollectionWriteAll(t *testing.T) {
	result, err := RunWithGolden(t, loadTestScenario(t, "collection_write_all"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
}

func TestRun_Deterministic(t *testing.T) {
	scenario := loadTestScenario(t, "debounced_edit")

	first, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	second, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	a, err := MarshalTrace(scenario.Name, first.Trace)
	require.NoError(t, err)
	b, err := MarshalTrace(scenario.Name, second.Trace)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_UnexpectedErrorFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "unexpected",
		Description: "write without a watch",
		Steps: []Step{
			{Action: StepWrite, ID: "c1", Path: "hp", Value: 1},
		},
		Assertions: []Assertion{{Type: AssertTraceCount, Event: "write:update", Count: 0}},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "unexpected error")
	assert.Equal(t, "not_connected", result.Trace[0].Data["error"])
}

func TestRun_WrongErrorClassFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_class",
		Description: "expects validation, gets not_connected",
		Steps: []Step{
			{Action: StepWrite, ID: "c1", Path: "hp", Value: 1, ExpectError: "validation"},
		},
		Assertions: []Assertion{{Type: AssertTraceCount, Event: "write:update", Count: 0}},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected validation error, got not_connected")
}

func TestRun_MissingExpectedErrorFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "missing_error",
		Description: "expects an error that never happens",
		Steps: []Step{
			{Action: StepSet, Path: "user.name", Value: "Aria", ExpectError: "validation"},
		},
		Assertions: []Assertion{{Type: AssertLocalState, Path: "user.name", Expect: "Aria"}},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "got none")
}

func TestRun_ExternalWritesNotTraced(t *testing.T) {
	scenario := &Scenario{
		Name:        "external",
		Description: "another client creates a document",
		Steps: []Step{
			{Action: StepWatchCollection},
			{Action: StepRemoteCreate, ID: "n1", Fields: map[string]any{"name": "Nox", "hp": 4}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Event: "write:create", Count: 0},
			{Type: AssertTraceContains, Event: "entity:updated", Match: map[string]any{"id": "n1"}},
			{Type: AssertLocalState, Path: "characters.n1.hp", Expect: 4},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
	assert.Equal(t, "Nox", result.State["characters"].(map[string]any)["n1"].(map[string]any)["name"])
}

func TestRun_SentinelsInWrites(t *testing.T) {
	scenario := &Scenario{
		Name:        "sentinels",
		Description: "write_batch with a delete sentinel",
		Remote:      map[string]map[string]any{"c1": {"name": "Aria", "hp": 10, "note": "x"}},
		Steps: []Step{
			{Action: StepWatch, ID: "c1"},
			{Action: StepWriteBatch, ID: "c1", Fields: map[string]any{"note": "$delete", "hp": 9}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceContains, Event: "write:update", Match: map[string]any{"fields.note": "$delete", "fields.hp": 9}},
			{Type: AssertRemoteState, ID: "c1", Expect: map[string]any{"hp": 9, "updatedAt": "2024-01-01T00:00:00Z"}},
			{Type: AssertLocalState, Path: "characters.c1.note", Exists: boolPtr(false)},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
}

func TestRun_SetupFailsOnBadSchema(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_schema",
		Description: "schema path does not exist",
		Schema:      filepath.Join(t.TempDir(), "missing.cue"),
		Steps:       []Step{{Action: StepDisconnect}},
		Assertions:  []Assertion{{Type: AssertStatus, Expect: map[string]any{"mode": "none"}}},
	}

	_, err := Run(context.Background(), scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to set up scenario bad_schema")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&link.WriteError{Code: link.ErrCodeValidation, EntityID: "a"}, "validation"},
		{&link.WriteError{Code: link.ErrCodeRemote, EntityID: "a"}, "remote"},
		{&link.WriteError{Code: link.ErrCodeTransform, EntityID: "a"}, "transform"},
		{errBadTransform, "transform"},
		{link.ErrNotTracked, "not_tracked"},
		{link.ErrNotConnected, "not_connected"},
		{link.ErrInvalidPath, "invalid_path"},
		{remote.ErrNotFound, "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.err), "classify(%v)", tt.err)
	}
}

func TestNormalizeAndSentinels(t *testing.T) {
	in := map[string]any{"n": 3, "list": []any{1, "$serverTimestamp"}, "nested": map[string]any{"d": "$delete"}}
	out := toRemote(normalize(in)).(map[string]any)

	assert.Equal(t, float64(3), out["n"])
	assert.Equal(t, []any{float64(1), remote.ServerTimestamp}, out["list"])
	assert.Equal(t, remote.Delete, out["nested"].(map[string]any)["d"])
	assert.Equal(t, in["nested"], fromRemote(out["nested"]))
}

func boolPtr(b bool) *bool {
	return &b
}
