package doc

import (
	"encoding/json"
	"slices"
	"strings"
)

// Document is a remote document body or a tracked entity representation.
type Document map[string]any

// From converts a value read from the state tree into a Document.
// Returns false when v is not an object.
func From(v any) (Document, bool) {
	switch m := v.(type) {
	case Document:
		return m, true
	case map[string]any:
		return Document(m), true
	default:
		return nil, false
	}
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = Clone(v)
	}
	return out
}

// Map returns the document as a plain map for storing in the state tree.
func (d Document) Map() map[string]any {
	return map[string]any(d)
}

// Field returns a top-level field.
func (d Document) Field(name string) (any, bool) {
	v, ok := d[name]
	return v, ok
}

// Keys returns the top-level field names in sorted order.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Without returns a shallow copy of d minus the named top-level fields.
func (d Document) Without(names ...string) Document {
	out := make(Document, len(d))
	for k, v := range d {
		if slices.Contains(names, k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Clone deep-copies maps and slices. Nested Documents are normalized to
// map[string]any so trees have a single object representation.
func Clone(v any) any {
	switch val := v.(type) {
	case Document:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = Clone(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = Clone(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = Clone(elem)
		}
		return out
	case []string:
		return slices.Clone(val)
	default:
		return v
	}
}

// Decode parses JSON into a Document. Numbers decode as float64, matching
// what every backend hands back after a round trip.
func Decode(data []byte) (Document, error) {
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = Document{}
	}
	return out, nil
}

// DecodeValue parses a single JSON value. Input that is not valid JSON is
// returned as a plain string, which is what a CLI user typing `hp=Bob`
// usually means.
func DecodeValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &v); err != nil {
		return s
	}
	return v
}
