package merge

import (
	"fmt"
	"reflect"
	"strconv"
)

// Conflict reports a field changed differently on both sides of a
// merge, addressed by field path ("stats.hp", "gear.2.name"). Conflicts
// are data for external resolution, not errors.
type Conflict struct {
	Path   string      `json:"path"`
	Base   interface{} `json:"base"`
	Source interface{} `json:"source"`
	Target interface{} `json:"target"`
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s: source=%v target=%v (base=%v)", c.Path, c.Source, c.Target, c.Base)
}

// value carries presence alongside content so a field set to null is
// distinguishable from a missing field.
type value struct {
	v  interface{}
	ok bool
}

// Diff3 merges source and target against their common base at the
// field-path level: maps and arrays are compared by key, never by
// position in the serialized form. Fields changed on one side are
// taken as-is; fields changed differently on both sides keep the
// target's value and are reported as conflicts.
func Diff3(base, source, target map[string]interface{}) (map[string]interface{}, []Conflict) {
	merged, conflicts := mergeValue("", value{base, base != nil}, value{source, source != nil}, value{target, target != nil})
	out, _ := merged.v.(map[string]interface{})
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, conflicts
}

func mergeValue(path string, base, source, target value) (value, []Conflict) {
	// Unchanged or converged.
	if equalValue(source, target) {
		return source, nil
	}
	// Only target changed.
	if equalValue(base, source) {
		return target, nil
	}
	// Only source changed.
	if equalValue(base, target) {
		return source, nil
	}

	// Both changed, differently. Recurse where both sides still hold
	// the same structure; report a conflict at this path otherwise.
	sm, sok := asMap(source)
	tm, tok := asMap(target)
	if sok && tok {
		bm, _ := asMap(base)
		return mergeMaps(path, bm, sm, tm)
	}

	sa, sok := asArray(source)
	ta, tok := asArray(target)
	if sok && tok {
		ba, _ := asArray(base)
		return mergeArrays(path, ba, sa, ta)
	}

	// Divergent scalars (or shape changes): target wins, conflict reported.
	return target, []Conflict{{Path: path, Base: base.v, Source: source.v, Target: target.v}}
}

func mergeMaps(path string, base, source, target map[string]interface{}) (value, []Conflict) {
	keys := map[string]bool{}
	for k := range base {
		keys[k] = true
	}
	for k := range source {
		keys[k] = true
	}
	for k := range target {
		keys[k] = true
	}

	merged := make(map[string]interface{})
	var conflicts []Conflict
	for k := range keys {
		b := lookup(base, k)
		s := lookup(source, k)
		t := lookup(target, k)

		v, c := mergeValue(childPath(path, k), b, s, t)
		conflicts = append(conflicts, c...)
		if v.ok {
			merged[k] = v.v
		}
	}
	return value{merged, true}, conflicts
}

func mergeArrays(path string, base, source, target []interface{}) (value, []Conflict) {
	n := len(source)
	if len(target) > n {
		n = len(target)
	}
	if len(base) > n {
		n = len(base)
	}

	var merged []interface{}
	var conflicts []Conflict
	for i := 0; i < n; i++ {
		b := index(base, i)
		s := index(source, i)
		t := index(target, i)

		v, c := mergeValue(childPath(path, strconv.Itoa(i)), b, s, t)
		conflicts = append(conflicts, c...)
		if v.ok {
			merged = append(merged, v.v)
		}
	}
	return value{merged, true}, conflicts
}

func lookup(m map[string]interface{}, k string) value {
	if m == nil {
		return value{}
	}
	v, ok := m[k]
	return value{v, ok}
}

func index(a []interface{}, i int) value {
	if i >= len(a) {
		return value{}
	}
	return value{a[i], true}
}

func asMap(v value) (map[string]interface{}, bool) {
	if !v.ok {
		return nil, false
	}
	m, ok := v.v.(map[string]interface{})
	return m, ok
}

func asArray(v value) ([]interface{}, bool) {
	if !v.ok {
		return nil, false
	}
	a, ok := v.v.([]interface{})
	return a, ok
}

func equalValue(a, b value) bool {
	if a.ok != b.ok {
		return false
	}
	if !a.ok {
		return true
	}
	return reflect.DeepEqual(a.v, b.v)
}

func childPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}
