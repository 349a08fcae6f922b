package gwtypes

// Set is a small generic set, standing in for istio.io/istio/pkg/util/sets
// which the teacher uses for the same purpose. Importing all of Istio for
// two generic helper packages has no other home in this module, so we
// hand-roll the minimal surface GridLLM actually needs (see DESIGN.md).
type Set[T comparable] map[T]struct{}

// NewSet builds a Set from the given items.
func NewSet[T comparable](items ...T) Set[T] {
	s := make(Set[T], len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

// Insert adds an item to the set.
func (s Set[T]) Insert(item T) {
	s[item] = struct{}{}
}

// Delete removes an item from the set.
func (s Set[T]) Delete(item T) {
	delete(s, item)
}

// Contains reports whether the set contains item.
func (s Set[T]) Contains(item T) bool {
	_, ok := s[item]
	return ok
}

// Len returns the number of items in the set.
func (s Set[T]) Len() int {
	return len(s)
}

// UnsortedList returns the set's members in unspecified order.
func (s Set[T]) UnsortedList() []T {
	out := make([]T, 0, len(s))
	for item := range s {
		out = append(out, item)
	}
	return out
}

// Union returns a new set holding the members of both sets.
func (s Set[T]) Union(other Set[T]) Set[T] {
	out := make(Set[T], len(s)+len(other))
	for item := range s {
		out[item] = struct{}{}
	}
	for item := range other {
		out[item] = struct{}{}
	}
	return out
}
