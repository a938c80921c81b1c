// Package ds holds small generic data structures.
package ds

import "encoding/json"

// Set is a set that iterates in insertion order, so anything derived from
// it (subscription subjects, log attributes) is deterministic.
type Set[T comparable] struct {
	items map[T]struct{}
	order []T
}

func NewSet[T comparable](items ...T) *Set[T] {
	s := &Set[T]{items: make(map[T]struct{}, len(items))}
	for _, item := range items {
		s.Add(item)
	}
	return s
}

// Add inserts v and reports whether it was new.
func (s *Set[T]) Add(v T) bool {
	if s.Contains(v) {
		return false
	}
	if s.items == nil {
		s.items = map[T]struct{}{}
	}
	s.items[v] = struct{}{}
	s.order = append(s.order, v)
	return true
}

func (s *Set[T]) Contains(v T) bool {
	if s == nil {
		return false
	}
	_, ok := s.items[v]
	return ok
}

func (s *Set[T]) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

func (s *Set[T]) IsEmpty() bool { return s.Len() == 0 }

// Values returns a copy of the elements in insertion order. The result of
// an empty set is nil.
func (s *Set[T]) Values() []T {
	if s.Len() == 0 {
		return nil
	}
	out := make([]T, len(s.order))
	copy(out, s.order)
	return out
}

// MarshalJSON writes the set as an array in insertion order.
func (s *Set[T]) MarshalJSON() ([]byte, error) {
	if s.Len() == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(s.order)
}
