package manifest

import (
	"reflect"
	"sort"
	"strings"
)

// Change describes a single difference between two manifest snapshots.
// Path addresses the changed key, one element per nesting level.
// Old is unset for added keys, New is unset for deleted keys.
type Change struct {
	Path []string
	Old  any
	New  any
}

func (c *Change) String() string {
	return strings.Join(c.Path, ".")
}

// DiffResult is the structural difference between two snapshots, split into
// three disjoint change sets.
// The slices are ordered by key, two diff runs over the same snapshots
// produce identical results.
type DiffResult struct {
	Added   []Change
	Deleted []Change
	Updated []Change
}

// HasStructuralChanges returns true if keys were added or deleted.
func (r *DiffResult) HasStructuralChanges() bool {
	return len(r.Added) != 0 || len(r.Deleted) != 0
}

// Diff deep-compares two decoded manifest snapshots.
// A key that exists on one side only is recorded as added or deleted, at any
// nesting level. A key that exists on both sides with unequal values is
// recorded as updated with the old and the new value.
// Nested objects are compared per key, all other value shapes (strings,
// numbers, booleans, arrays, null) are compared as a whole.
// The comparison is generic, it knows nothing about dependency semantics.
func Diff(base, head map[string]any) *DiffResult {
	var result DiffResult
	diffObjects(nil, base, head, &result)

	return &result
}

func diffObjects(path []string, base, head map[string]any, result *DiffResult) {
	for _, key := range sortedKeys(base) {
		keyPath := childPath(path, key)
		baseVal := base[key]

		headVal, inHead := head[key]
		if !inHead {
			result.Deleted = append(result.Deleted, Change{Path: keyPath, Old: baseVal})
			continue
		}

		baseObj, baseIsObj := baseVal.(map[string]any)
		headObj, headIsObj := headVal.(map[string]any)
		if baseIsObj && headIsObj {
			diffObjects(keyPath, baseObj, headObj, result)
			continue
		}

		if !reflect.DeepEqual(baseVal, headVal) {
			result.Updated = append(result.Updated, Change{Path: keyPath, Old: baseVal, New: headVal})
		}
	}

	for _, key := range sortedKeys(head) {
		if _, inBase := base[key]; !inBase {
			result.Added = append(result.Added, Change{Path: childPath(path, key), New: head[key]})
		}
	}
}

func childPath(path []string, key string) []string {
	result := make([]string, len(path), len(path)+1)
	copy(result, path)

	return append(result, key)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
