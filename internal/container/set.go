// Package container provides small generic collections.
package container

import (
	"cmp"
	"slices"
)

type Set[T comparable] map[T]struct{}

func (set Set[T]) Add(v T) {
	set[v] = struct{}{}
}

func (set Set[T]) Delete(v T) {
	delete(set, v)
}

func (set Set[T]) Has(v T) bool {
	_, ok := set[v]
	return ok
}

// Merge adds every element of other to set.
func (set Set[T]) Merge(other Set[T]) {
	for v := range other {
		set[v] = struct{}{}
	}
}

// Sorted returns the elements in ascending order.
func Sorted[T cmp.Ordered](set Set[T]) []T {
	out := make([]T, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
