package model

import "errors"

// ErrNotLoaded is returned when a manifest-backed field is read before the
// owning feature has been hydrated.
var ErrNotLoaded = errors.New("not loaded")

// Lazy holds a value that is either Unloaded or Loaded.
type Lazy[T any] struct {
	value  T
	loaded bool
}

// Loaded wraps a hydrated value.
func Loaded[T any](v T) Lazy[T] {
	return Lazy[T]{value: v, loaded: true}
}

// Unloaded returns the empty state.
func Unloaded[T any]() Lazy[T] {
	return Lazy[T]{}
}

// Get returns the value, or ErrNotLoaded.
func (l Lazy[T]) Get() (T, error) {
	if !l.loaded {
		var zero T
		return zero, ErrNotLoaded
	}
	return l.value, nil
}

// IsLoaded reports whether the value has been hydrated.
func (l Lazy[T]) IsLoaded() bool {
	return l.loaded
}
