// Package sparse implements the sparse inverted index from spec.md 4.4: a
// skip trie over dimension indices addressed by greedy largest-power-of-4
// decomposition, a 64-bucket quantized posting list at each populated
// cell, and parallel insertion across dimensions of the same sparse
// vector. Grounded on the teacher's store/freelist package for the
// "chunked, paged list that only allocates a new page when the current
// one fills" posting-list shape (SPEC_FULL.md supplement 3), on
// internal/lazy's LazyArray for the CAS-based checked_insert spec.md 4.4
// calls for, and on golang.org/x/sync/errgroup for the per-dimension
// fan-out the teacher itself uses for parallel primary ingestion.
package sparse

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/rpcpool/vectorhash/internal/errs"
	"github.com/rpcpool/vectorhash/internal/lazy"
	"github.com/rpcpool/vectorhash/internal/storage"
)

// powersOf4 gives each of a node's 16 lazy-child slots the jump size it
// represents: slot i advances dim_index by 4^i, per spec.md 4.4's
// `lazy_children: LazyArray<Self,16>`. calculatePath greedily picks the
// largest slot that fits the remaining distance at each step, so a
// dim_index with long runs of zero base-4 digits reaches its cell in far
// fewer hops than a fixed-depth base-4 trie would need.
var powersOf4 = buildPowersOf4()

const trieArity = 16

func buildPowersOf4() [trieArity]uint32 {
	var p [trieArity]uint32
	p[0] = 1
	for i := 1; i < trieArity; i++ {
		p[i] = p[i-1] * 4
	}
	return p
}

// quantizeBuckets is the number of buckets a sparse value is binned into
// before being stored in a posting list (spec.md 4.4: "quantization into
// 64 buckets").
const quantizeBuckets = 64

// Quantize maps a raw sparse value to a bucket in [0, 63], per spec.md
// 4.4's `q = clamp(round(value * 63), 0, 63) as u8` and spec.md 8
// scenario 5's worked example (`round(0.5*63)=31` under clamp/floor
// semantics). Unlike a min/max normalized scale, this fixes the input
// domain at [0, 1] the way the rest of spec.md's sparse vectors are
// defined (already-normalized term weights), so the same raw value
// always quantizes to the same bucket regardless of what else is in the
// collection. uint8's float conversion truncates toward zero, which for
// a non-negative scaled value is exactly the floor scenario 5 expects.
func Quantize(value float32) uint8 {
	scaled := value * float32(quantizeBuckets-1)
	switch {
	case scaled <= 0:
		return 0
	case scaled >= quantizeBuckets-1:
		return quantizeBuckets - 1
	default:
		return uint8(scaled)
	}
}

const postingPageSize = 512

// postingPage is one fixed-capacity page in a posting list's chunked
// append-only chain, so a hot bucket's postings grow by linking a new
// page rather than reallocating and copying the whole list, the same
// tradeoff the teacher's freelist makes for its own free-space log.
type postingPage struct {
	entries []storage.VectorId
	next    *postingPage
}

// postingList is the append-only, paged list of vectors observed at one
// (dim_index, bucket) cell.
type postingList struct {
	mu   sync.Mutex
	head *postingPage
	tail *postingPage
	len  int
}

func newPostingList() *postingList {
	p := &postingPage{entries: make([]storage.VectorId, 0, postingPageSize)}
	return &postingList{head: p, tail: p}
}

func (l *postingList) append(id storage.VectorId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tail.entries) == postingPageSize {
		next := &postingPage{entries: make([]storage.VectorId, 0, postingPageSize)}
		l.tail.next = next
		l.tail = next
	}
	l.tail.entries = append(l.tail.entries, id)
	l.len++
}

func (l *postingList) snapshot() []storage.VectorId {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]storage.VectorId, 0, l.len)
	for p := l.head; p != nil; p = p.next {
		out = append(out, p.entries...)
	}
	return out
}

func (l *postingList) contains(id storage.VectorId) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for p := l.head; p != nil; p = p.next {
		for _, e := range p.entries {
			if e == id {
				return true
			}
		}
	}
	return false
}

// SparseNode is one cell of the skip trie, holding its own 64-bucket
// posting array plus up to 16 lazily-created children, per spec.md 4.4's
// `dim_index: u32, implicit: bool, data: [PostingList; 64], lazy_children:
// LazyArray<Self,16>`.
type SparseNode struct {
	dimIndex uint32
	implicit atomic.Bool
	data     [quantizeBuckets]*postingList
	children *lazy.LazyArray[SparseNode]
}

func newSparseNode(dimIndex uint32) *SparseNode {
	n := &SparseNode{dimIndex: dimIndex, children: lazy.NewLazyArray[SparseNode](trieArity)}
	for i := range n.data {
		n.data[i] = newPostingList()
	}
	return n
}

// child resolves (creating if necessary) the i-th lazy child, per
// spec.md 4.4's `checked_insert` CAS loop: concurrent creators of the same
// child converge on a single winner rather than clobbering each other.
func (n *SparseNode) child(i uint8) (*SparseNode, error) {
	if existing, err := n.children.Get(int(i)); err == nil && existing != nil {
		return existing.Get()
	}
	candidate := newSparseNode(n.dimIndex + powersOf4[i])
	candidate.implicit.Store(true)
	ref := lazy.NewResolvedLazyRef[SparseNode](candidate, lazy.Invalid(), 0, nil)
	_, winner, err := n.children.CheckedInsert(int(i), ref)
	if err != nil {
		return nil, err
	}
	return winner.Get()
}

// calculatePath greedily decomposes the distance from current to target
// into descending powers of 4, per spec.md 8 scenario 6:
// calculate_path(target=21, current=0) = [2,1,0] because 21 = 16+4+1.
// Each returned index is a child slot (0..15) to descend through in turn.
func calculatePath(target, current uint32) []uint8 {
	var path []uint8
	remaining := target - current
	for remaining > 0 {
		i := trieArity - 1
		for i > 0 && powersOf4[i] > remaining {
			i--
		}
		path = append(path, uint8(i))
		remaining -= powersOf4[i]
	}
	return path
}

// SparseIndex is the per-collection sparse trie over a fixed dimension
// universe.
type SparseIndex struct {
	root      *SparseNode
	dimension int
}

// NewSparseIndex builds an empty trie sized for a universe of dimension
// entries. Sparse values are expected pre-normalized into [0, 1]; Quantize
// has no per-collection min/max to configure.
func NewSparseIndex(dimension int) *SparseIndex {
	return &SparseIndex{root: newSparseNode(0), dimension: dimension}
}

// nodeFor walks (creating as needed) the path to dimIndex's cell.
func (s *SparseIndex) nodeFor(dimIndex uint32) (*SparseNode, error) {
	if int(dimIndex) >= s.dimension {
		return nil, errs.Validationf("sparse.nodeFor", "dim_index %d out of range [0,%d)", dimIndex, s.dimension)
	}
	path := calculatePath(dimIndex, 0)
	cur := s.root
	for _, digit := range path {
		next, err := cur.child(digit)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	cur.implicit.Store(false)
	return cur, nil
}

// Insert records one (dim_index, value) pair of a sparse vector against
// id.
func (s *SparseIndex) Insert(id storage.VectorId, dimIndex uint32, value float32) error {
	node, err := s.nodeFor(dimIndex)
	if err != nil {
		return err
	}
	node.data[Quantize(value)].append(id)
	return nil
}

// AddSparseVector inserts every nonzero (dim_index, value) pair of a
// sparse vector in parallel across dimensions, per spec.md 4.4.
func (s *SparseIndex) AddSparseVector(ctx context.Context, id storage.VectorId, indices []uint32, values []float32) error {
	if len(indices) != len(values) {
		return errs.Validationf("sparse.AddSparseVector", "indices/values length mismatch: %d vs %d", len(indices), len(values))
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range indices {
		i := i
		if values[i] == 0 {
			continue
		}
		g.Go(func() error {
			return s.Insert(id, indices[i], values[i])
		})
	}
	return g.Wait()
}

// Get returns every (VectorId, bucket) pair recorded at dimIndex, across
// all 64 buckets.
func (s *SparseIndex) Get(dimIndex uint32) ([]storage.VectorId, []uint8, error) {
	node, err := s.nodeFor(dimIndex)
	if err != nil {
		return nil, nil, err
	}
	var ids []storage.VectorId
	var buckets []uint8
	for b, pl := range node.data {
		for _, id := range pl.snapshot() {
			ids = append(ids, id)
			buckets = append(buckets, uint8(b))
		}
	}
	return ids, buckets, nil
}

// GetVector implements spec.md 4.4's `get(dim_index, vector_id)`: walk the
// path, then scan buckets 0..63 in order and return the first bucket
// index containing vector_id.
func (s *SparseIndex) GetVector(dimIndex uint32, id storage.VectorId) (bucket uint8, found bool, err error) {
	node, err := s.nodeFor(dimIndex)
	if err != nil {
		return 0, false, err
	}
	for b, pl := range node.data {
		if pl.contains(id) {
			return uint8(b), true, nil
		}
	}
	return 0, false, nil
}

// Query scores candidates for a sparse query vector by summing, for every
// queried (dim_index, value), the product of the query's bucket and each
// posting's bucket at that cell — a quantized dot product over the
// inverted index, then returns the topK ids by descending score.
func (s *SparseIndex) Query(ctx context.Context, indices []uint32, values []float32, topK int) ([]storage.VectorId, error) {
	if len(indices) != len(values) {
		return nil, errs.Validationf("sparse.Query", "indices/values length mismatch: %d vs %d", len(indices), len(values))
	}

	var mu sync.Mutex
	scores := make(map[string]float64)
	idByKey := make(map[string]storage.VectorId)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range indices {
		i := i
		g.Go(func() error {
			qBucket := Quantize(values[i])
			ids, buckets, err := s.Get(indices[i])
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for j, id := range ids {
				key := id.String()
				scores[key] += float64(qBucket) * float64(buckets[j])
				idByKey[key] = id
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	type scored struct {
		id    storage.VectorId
		score float64
	}
	all := make([]scored, 0, len(scores))
	for key, sc := range scores {
		all = append(all, scored{id: idByKey[key], score: sc})
	}
	slices.SortFunc(all, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		default:
			return 0
		}
	})
	if len(all) > topK {
		all = all[:topK]
	}
	out := make([]storage.VectorId, len(all))
	for i, sc := range all {
		out[i] = sc.id
	}
	return out, nil
}
