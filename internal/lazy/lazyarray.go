package lazy

import (
	"sync/atomic"

	"github.com/rpcpool/vectorhash/internal/errs"
)

// LazyArray is a fixed-size sparse array of *LazyRef[T] slots, per spec.md
// 4.4. Go's type parameters cannot carry the slot count N as a compile-time
// constant the way a const-generic language can, so N is the runtime size
// passed to NewLazyArray; everything else about the type (checked_insert is
// an atomic compare-and-set, not a blind write) matches the spec.
type LazyArray[T any] struct {
	slots []atomic.Pointer[LazyRef[T]]
}

func NewLazyArray[T any](n int) *LazyArray[T] {
	return &LazyArray[T]{slots: make([]atomic.Pointer[LazyRef[T]], n)}
}

func (a *LazyArray[T]) Len() int { return len(a.slots) }

// Get returns the ref at i, or nil if empty.
func (a *LazyArray[T]) Get(i int) (*LazyRef[T], error) {
	if i < 0 || i >= len(a.slots) {
		return nil, errs.Internalf("LazyArray.Get", "index %d out of bounds [0,%d)", i, len(a.slots))
	}
	return a.slots[i].Load(), nil
}

// CheckedInsert succeeds only if slot i was empty (atomic compare-and-set),
// per spec.md 4.4 — concurrent creators of the same child converge on a
// single winner rather than clobbering each other.
func (a *LazyArray[T]) CheckedInsert(i int, v *LazyRef[T]) (inserted bool, winner *LazyRef[T], err error) {
	if i < 0 || i >= len(a.slots) {
		return false, nil, errs.Internalf("LazyArray.CheckedInsert", "index %d out of bounds [0,%d)", i, len(a.slots))
	}
	if a.slots[i].CompareAndSwap(nil, v) {
		return true, v, nil
	}
	return false, a.slots[i].Load(), nil
}
