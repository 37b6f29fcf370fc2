package doc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeysAndNormalizesNumbers(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"b":  1,
		"a":  float64(2),
		"c":  []any{"x", int64(3), 1.5},
		"<>": nil,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"<>":null,"a":2,"b":1,"c":["x",3,1.5]}`, string(got))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	decomposed, err := MarshalCanonical("e\u0301")
	require.NoError(t, err)
	precomposed, err := MarshalCanonical("\u00e9")
	require.NoError(t, err)
	assert.Equal(t, precomposed, decomposed)
}

func TestMarshalCanonical_TypedValues(t *testing.T) {
	type stat struct {
		Current int `json:"current"`
		Max     int `json:"max"`
	}
	got, err := MarshalCanonical(stat{Current: 3, Max: 10})
	require.NoError(t, err)
	assert.Equal(t, `{"current":3,"max":10}`, string(got))

	got, err = MarshalCanonical(json.Number("42"))
	require.NoError(t, err)
	assert.Equal(t, "42", string(got))
}

func TestEqual_SurvivesJSONRoundTrip(t *testing.T) {
	original := Document{"hp": map[string]any{"current": 25, "max": 40}, "tags": []any{"elf"}}
	raw, err := json.Marshal(original)
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)

	assert.True(t, Equal(original, decoded))
	assert.Empty(t, Diff(original, decoded))
}

func TestPath_SetGetRoundTrip(t *testing.T) {
	root := map[string]any{}
	parts, err := SplitPath("characters.c1.hp.current")
	require.NoError(t, err)

	SetPath(root, parts, 50)
	got, ok := GetPath(root, parts)
	require.True(t, ok)
	assert.Equal(t, 50, got)

	_, ok = GetPath(root, []string{"characters", "missing", "hp"})
	assert.False(t, ok)
}

func TestPath_SetReplacesScalarIntermediate(t *testing.T) {
	root := map[string]any{"room": "lobby"}
	SetPath(root, []string{"room", "code"}, "R1")
	assert.Equal(t, map[string]any{"code": "R1"}, root["room"])
}

func TestPath_DeletePath(t *testing.T) {
	root := map[string]any{"a": map[string]any{"b": 1, "c": 2}}
	DeletePath(root, []string{"a", "b"})
	assert.Equal(t, map[string]any{"a": map[string]any{"c": 2}}, root)
	DeletePath(root, []string{"x", "y"})
}

func TestSplitPath_RejectsEmptySegments(t *testing.T) {
	for _, p := range []string{".a", "a.", "a..b"} {
		_, err := SplitPath(p)
		assert.ErrorIs(t, err, ErrEmptySegment, p)
	}
	parts, err := SplitPath("")
	require.NoError(t, err)
	assert.Nil(t, parts)
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name string
		next Document
		prev Document
		want []string
	}{
		{
			name: "single nested field",
			next: Document{"hp": map[string]any{"current": 25, "max": 40}, "name": "Vex"},
			prev: Document{"hp": map[string]any{"current": 40, "max": 40}, "name": "Vex"},
			want: []string{"hp.current"},
		},
		{
			name: "arrays are atomic",
			next: Document{"inventory": []any{"rope", "torch", "sword"}},
			prev: Document{"inventory": []any{"rope", "lamp", "sword"}},
			want: []string{"inventory"},
		},
		{
			name: "added and removed fields",
			next: Document{"a": 1, "c": map[string]any{"d": 1}},
			prev: Document{"a": 1, "b": 2},
			want: []string{"b", "c"},
		},
		{
			name: "object replaced by scalar",
			next: Document{"hp": 10},
			prev: Document{"hp": map[string]any{"current": 10}},
			want: []string{"hp"},
		},
		{
			name: "identical",
			next: Document{"x": []any{1, 2}},
			prev: Document{"x": []any{float64(1), float64(2)}},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Diff(tt.next, tt.prev))
		})
	}
}

func TestChangedFields(t *testing.T) {
	next := Document{"hp": map[string]any{"current": 1}, "name": "Vex", "xp": 10}
	prev := Document{"hp": map[string]any{"current": 2}, "name": "Vex", "gold": 5}
	assert.Equal(t, []string{"gold", "hp", "xp"}, ChangedFields(next, prev))
	assert.Empty(t, ChangedFields(next, next.Clone()))
}

func TestTopLevelFields(t *testing.T) {
	assert.Equal(t, []string{"hp", "name"}, TopLevelFields([]string{"hp.current", "name", "hp.max"}))
}

func TestClone_IsDeep(t *testing.T) {
	original := Document{"hp": map[string]any{"current": 1}, "tags": []any{"a"}}
	clone := original.Clone()
	clone["hp"].(map[string]any)["current"] = 99
	clone["tags"].([]any)[0] = "z"

	assert.Equal(t, 1, original["hp"].(map[string]any)["current"])
	assert.Equal(t, "a", original["tags"].([]any)[0])
}

func TestHash_StableAcrossKeyOrderAndNumberTypes(t *testing.T) {
	a, err := Hash(Document{"a": 1, "b": "x"})
	require.NoError(t, err)
	b, err := Hash(Document{"b": "x", "a": float64(1)})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestDecodeValue(t *testing.T) {
	assert.Equal(t, float64(25), DecodeValue("25"))
	assert.Equal(t, map[string]any{"a": true}, DecodeValue(`{"a":true}`))
	assert.Equal(t, "Bob", DecodeValue("Bob"))
}
