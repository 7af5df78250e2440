package rules

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// nil and empty slices (Conditions, Actions, the lists themselves) compare equal.
var compareOpts = []cmp.Option{cmpopts.EquateEmpty()}

// Equivalent reports whether two canonical rule lists hold the same rules in
// the same order. Ordering matters: callers sort with SortByID on both sides.
func Equivalent(a, b []Rule) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Equal reports whether two rules are structurally identical.
func Equal(a, b Rule) bool {
	return cmp.Equal(a, b, compareOpts...)
}

// Diff renders a human-readable difference between two rule lists, empty when equivalent.
func Diff(previous, current []Rule) string {
	return cmp.Diff(previous, current, compareOpts...)
}
