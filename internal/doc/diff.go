package doc

import "slices"

// Diff returns the sorted dot paths at which next and prev differ.
//
// Plain objects are compared field by field. Every other value, arrays
// included, is compared atomically by canonical encoding. A field present on
// one side only is reported at its own path without descending into it.
func Diff(next, prev Document) []string {
	var out []string
	diffObjects("", next.Map(), prev.Map(), &out)
	slices.Sort(out)
	return out
}

func diffObjects(prefix string, next, prev map[string]any, out *[]string) {
	for k, nv := range next {
		path := JoinPath(prefix, k)
		pv, ok := prev[k]
		if !ok {
			*out = append(*out, path)
			continue
		}
		diffValues(path, nv, pv, out)
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			*out = append(*out, JoinPath(prefix, k))
		}
	}
}

func diffValues(path string, next, prev any, out *[]string) {
	nm, nok := asMap(next)
	pm, pok := asMap(prev)
	if nok && pok {
		diffObjects(path, nm, pm, out)
		return
	}
	if !Equal(next, prev) {
		*out = append(*out, path)
	}
}

// ChangedFields returns the sorted top-level fields whose values differ
// between next and prev, including fields present on only one side.
func ChangedFields(next, prev Document) []string {
	var out []string
	for k, nv := range next {
		pv, ok := prev[k]
		if !ok || !Equal(nv, pv) {
			out = append(out, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// TopLevelFields reduces a list of paths to their distinct first segments.
func TopLevelFields(paths []string) []string {
	var out []string
	for _, p := range paths {
		top := TopLevel(p)
		if !slices.Contains(out, top) {
			out = append(out, top)
		}
	}
	slices.Sort(out)
	return out
}
