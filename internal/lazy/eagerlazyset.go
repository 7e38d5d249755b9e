package lazy

import (
	"sync"

	"github.com/tidwall/hashmap"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

// EagerLazySet is an ordered set of (weight, LazyRef<T>) pairs with
// identity semantics on T, per spec.md 4.4 — used for a MergedNode's
// neighbors. Identity is a caller-supplied string key (the neighbor's
// VectorId, stringified) rather than something derived by forcing T to
// materialize, since membership and re-weighting must work without paying
// for a deserialization. Backed by tidwall/hashmap for O(1) identity
// lookups; "eager" refers to the set's own structure being eagerly
// maintained even though each T body stays lazy.
type EagerLazySet[T any, W constraints.Ordered] struct {
	mu sync.RWMutex
	m  hashmap.Map[string, *setEntry[T, W]]
}

type setEntry[T any, W constraints.Ordered] struct {
	id     string
	weight W
	ref    *LazyRef[T]
}

func NewEagerLazySet[T any, W constraints.Ordered]() *EagerLazySet[T, W] {
	return &EagerLazySet[T, W]{}
}

// Upsert inserts or reweights the identity id. Returns true if id is new.
func (s *EagerLazySet[T, W]) Upsert(id string, weight W, ref *LazyRef[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.m.Get(id)
	s.m.Set(id, &setEntry[T, W]{id: id, weight: weight, ref: ref})
	return !existed
}

func (s *EagerLazySet[T, W]) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.m.Delete(id)
	return existed
}

func (s *EagerLazySet[T, W]) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.m.Get(id)
	return ok
}

func (s *EagerLazySet[T, W]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.Len()
}

// Entry is a materialization-friendly snapshot of one (id, weight, ref).
type Entry[T any, W constraints.Ordered] struct {
	ID     string
	Weight W
	Ref    *LazyRef[T]
}

// compareEntriesDesc orders by descending weight, ties broken by id for
// determinism, in the cmp.Compare convention golang.org/x/exp/slices.SortFunc
// expects.
func compareEntriesDesc[T any, W constraints.Ordered](a, b Entry[T, W]) int {
	switch {
	case a.Weight > b.Weight:
		return -1
	case a.Weight < b.Weight:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

// Sorted returns every member ordered by descending weight, ties broken by
// id for determinism.
func (s *EagerLazySet[T, W]) Sorted() []Entry[T, W] {
	s.mu.RLock()
	out := make([]Entry[T, W], 0, s.m.Len())
	s.m.Scan(func(_ string, v *setEntry[T, W]) bool {
		out = append(out, Entry[T, W]{ID: v.id, Weight: v.weight, Ref: v.ref})
		return true
	})
	s.mu.RUnlock()

	slices.SortFunc(out, compareEntriesDesc[T, W])
	return out
}

// Truncate drops every member past the top limit by descending weight and
// returns the survivors, enforcing the "|neighbors| <= 20" invariant
// (spec.md 3, 8).
func (s *EagerLazySet[T, W]) Truncate(limit int) []Entry[T, W] {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]Entry[T, W], 0, s.m.Len())
	s.m.Scan(func(_ string, v *setEntry[T, W]) bool {
		all = append(all, Entry[T, W]{ID: v.id, Weight: v.weight, Ref: v.ref})
		return true
	})
	slices.SortFunc(all, compareEntriesDesc[T, W])
	if len(all) <= limit {
		return all
	}
	for _, e := range all[limit:] {
		s.m.Delete(e.ID)
	}
	return all[:limit]
}
