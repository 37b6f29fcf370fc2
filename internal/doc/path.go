package doc

import (
	"errors"
	"strings"
)

// ErrEmptySegment is returned for paths such as "a..b" or ".a".
var ErrEmptySegment = errors.New("path has an empty segment")

// SplitPath splits a dot-separated path. The empty path yields nil.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, ErrEmptySegment
		}
	}
	return parts, nil
}

// JoinPath joins non-empty segments with dots.
func JoinPath(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}

// TopLevel returns the first segment of a path.
func TopLevel(path string) string {
	head, _, _ := strings.Cut(path, ".")
	return head
}

// GetPath walks root along parts. Any missing or non-object intermediate
// segment yields (nil, false).
func GetPath(root map[string]any, parts []string) (any, bool) {
	var cur any = root
	for _, p := range parts {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath writes value at parts, creating intermediate maps and replacing
// non-object intermediates. parts must not be empty.
func SetPath(root map[string]any, parts []string, value any) {
	cur := root
	for _, p := range parts[:len(parts)-1] {
		next, ok := asMap(cur[p])
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// DeletePath removes the value at parts. Missing paths are a no-op.
func DeletePath(root map[string]any, parts []string) {
	if len(parts) == 0 {
		return
	}
	cur := root
	for _, p := range parts[:len(parts)-1] {
		next, ok := asMap(cur[p])
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, m != nil
	case Document:
		return map[string]any(m), m != nil
	default:
		return nil, false
	}
}
