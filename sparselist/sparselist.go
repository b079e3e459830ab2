// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sparselist implements a sparse, index-addressed list with a fill
// default, used for partition tables where slots are registered out of
// order and unregistered slots must still enumerate densely.
package sparselist

// List is an ordered mapping from a non-negative integer index to a value
// of type T, with a configurable default for unassigned indices. Its size
// is the highest assigned index plus one, so dense iteration always starts
// at zero and ends at the last assignment, regardless of which indices were
// actually set.
type List[T any] struct {
	values  map[int]T
	deflt   T
	maxSeen int // -1 when nothing has been assigned
}

// New creates an empty List with the given fill default.
func New[T any](deflt T) *List[T] {
	return &List[T]{
		values:  make(map[int]T),
		deflt:   deflt,
		maxSeen: -1,
	}
}

// Set assigns value at index, growing the list's Len if necessary.
func (l *List[T]) Set(index int, value T) {
	l.values[index] = value
	if index > l.maxSeen {
		l.maxSeen = index
	}
}

// Clear removes any assignment at index. It does not shrink Len: a cleared
// trailing index still counts toward the size, matching how the original
// sparse-list semantics never contract.
func (l *List[T]) Clear(index int) {
	delete(l.values, index)
}

// Get returns the value at index, or the fill default if unassigned.
func (l *List[T]) Get(index int) T {
	if v, ok := l.values[index]; ok {
		return v
	}

	return l.deflt
}

// Has reports whether index has been explicitly assigned.
func (l *List[T]) Has(index int) bool {
	_, ok := l.values[index]

	return ok
}

// Len returns one past the highest assigned index, or zero if nothing has
// ever been assigned.
func (l *List[T]) Len() int {
	if l.maxSeen < 0 {
		return 0
	}

	return l.maxSeen + 1
}

// Dense returns a slice of length Len(), with the fill default standing in
// for every unassigned index.
func (l *List[T]) Dense() []T {
	out := make([]T, l.Len())
	for i := range out {
		out[i] = l.Get(i)
	}

	return out
}

// Clone returns a deep-enough copy (the value map is copied; values
// themselves are copied by assignment) suitable for draft-then-commit
// mutation, as used by the MBR/GPT builders' transactional AddPartition.
func (l *List[T]) Clone() *List[T] {
	clone := &List[T]{
		values:  make(map[int]T, len(l.values)),
		deflt:   l.deflt,
		maxSeen: l.maxSeen,
	}

	for k, v := range l.values {
		clone.values[k] = v
	}

	return clone
}

// Indices returns the explicitly-assigned indices in ascending order.
func (l *List[T]) Indices() []int {
	keys := make([]int, 0, len(l.values))
	for k := range l.values {
		keys = append(keys, k)
	}

	return sortedInts(keys)
}

// sortedInts performs a small ascending insertion sort; partition tables
// are at most 128 entries so this avoids pulling in sort for a handful of
// comparisons at a time.
func sortedInts(in []int) []int {
	for i := 1; i < len(in); i++ {
		for j := i; j > 0 && in[j-1] > in[j]; j-- {
			in[j-1], in[j] = in[j], in[j-1]
		}
	}

	return in
}
