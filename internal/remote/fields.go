package remote

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/rift/internal/doc"
)

// FieldValue is a write-time sentinel. Backends resolve it when the write
// commits; it never appears in stored data.
type FieldValue struct {
	kind string
}

var (
	// ServerTimestamp is replaced with the backend's commit time.
	ServerTimestamp = FieldValue{kind: "serverTimestamp"}
	// Delete removes the field it is assigned to.
	Delete = FieldValue{kind: "delete"}
)

// sentinelKey marks an encoded FieldValue on the wire.
const sentinelKey = "$rift"

// String returns the sentinel name.
func (v FieldValue) String() string {
	return v.kind
}

// MarshalJSON encodes the sentinel as {"$rift": kind} so it can cross the
// relay and be recognized on the other side.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{sentinelKey: v.kind})
}

// DecodeSentinels walks a decoded JSON value and turns {"$rift": kind}
// objects back into FieldValues.
func DecodeSentinels(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 1 {
			if kind, ok := val[sentinelKey].(string); ok {
				switch kind {
				case ServerTimestamp.kind:
					return ServerTimestamp
				case Delete.kind:
					return Delete
				}
			}
		}
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = DecodeSentinels(elem)
		}
		return out
	case doc.Document:
		return DecodeSentinels(map[string]any(val))
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = DecodeSentinels(elem)
		}
		return out
	default:
		return v
	}
}

// FormatTimestamp is the stored representation of a resolved ServerTimestamp.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ApplyUpdate returns a copy of current with the dot-path fields written.
// Fields are applied in sorted key order so overlapping paths ("hp" and
// "hp.current") resolve deterministically.
func ApplyUpdate(current doc.Document, fields map[string]any, now time.Time) (doc.Document, error) {
	out := current.Clone()
	if out == nil {
		out = doc.Document{}
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		parts, err := doc.SplitPath(k)
		if err != nil || len(parts) == 0 {
			return nil, fmt.Errorf("field %q: invalid path", k)
		}
		v := fields[k]
		if v == Delete {
			doc.DeletePath(out, parts)
			continue
		}
		doc.SetPath(out, parts, resolve(v, now))
	}
	return out, nil
}

// ResolveDocument returns a copy of data with sentinels resolved, for Create.
// Delete sentinels drop their field.
func ResolveDocument(data doc.Document, now time.Time) doc.Document {
	out := make(doc.Document, len(data))
	for k, v := range data {
		if v == Delete {
			continue
		}
		out[k] = resolve(v, now)
	}
	return out
}

func resolve(v any, now time.Time) any {
	switch val := v.(type) {
	case FieldValue:
		if val == ServerTimestamp {
			return FormatTimestamp(now)
		}
		return nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			if elem == Delete {
				continue
			}
			out[k] = resolve(elem, now)
		}
		return out
	case doc.Document:
		return resolve(map[string]any(val), now)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = resolve(elem, now)
		}
		return out
	default:
		return doc.Clone(v)
	}
}
