// Package state holds the per-customer conversation history, the executed
// action ledger and the last published snapshot. Everything is in memory.
package state

// Ring is a capped append-only sequence. Appending past the cap drops the
// oldest entry.
type Ring[T any] struct {
	items []T
	cap   int
}

// NewRing returns an empty ring holding at most size items.
func NewRing[T any](size int) *Ring[T] {
	if size < 1 {
		size = 1
	}
	return &Ring[T]{items: make([]T, 0, size), cap: size}
}

// Push appends v, evicting the oldest item when full.
func (r *Ring[T]) Push(v T) {
	if len(r.items) == r.cap {
		copy(r.items, r.items[1:])
		r.items = r.items[:len(r.items)-1]
	}
	r.items = append(r.items, v)
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int {
	return len(r.items)
}

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// Last returns a copy of the newest n items, oldest first.
func (r *Ring[T]) Last(n int) []T {
	if n > len(r.items) {
		n = len(r.items)
	}
	out := make([]T, n)
	copy(out, r.items[len(r.items)-n:])
	return out
}
