// Package hnsw implements the dense vector index from spec.md 4.1 and 4.6:
// a hierarchical navigable small-world graph with per-level neighbor
// lists, probabilistic level assignment, a single open transaction per
// index, and a batched exec queue for concurrent inserts. Grounded on the
// teacher's store/index package for the shape of "one open write
// transaction per container, everything else queues behind it", and on
// golang.org/x/sync/errgroup (one of the pack's own concurrency
// dependencies) for BatchInsert's bounded fan-out of inserts.
package hnsw

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/rpcpool/vectorhash/internal/buffer"
	"github.com/rpcpool/vectorhash/internal/cache"
	"github.com/rpcpool/vectorhash/internal/distance"
	"github.com/rpcpool/vectorhash/internal/errs"
	"github.com/rpcpool/vectorhash/internal/lazy"
	"github.com/rpcpool/vectorhash/internal/serializer"
	"github.com/rpcpool/vectorhash/internal/storage"
	"github.com/rpcpool/vectorhash/internal/version"
)

// maxLevels bounds the level table; spec.md 4.1 leaves the exact count
// implementation-defined, the teacher's own index depth tables top out in
// the high teens, so 16 covers any realistic corpus size at the default
// branching factor below.
const maxLevels = 16

// levelsProb[i] is the probability mass assigned to level i under the
// standard HNSW exponential decay with branching factor 1/ln(2), per
// spec.md 4.1's "levels_prob table".
var levelsProb = buildLevelsProb(maxLevels, 1.0/math.Ln2)

func buildLevelsProb(n int, mL float64) []float64 {
	probs := make([]float64, n)
	var cum float64
	for i := 0; i < n; i++ {
		p := math.Exp(-float64(i)/mL) * (1 - math.Exp(-1/mL))
		probs[i] = p
		cum += p
	}
	if cum < 1 {
		probs[n-1] += 1 - cum
	}
	return probs
}

// AssignLevel draws a level per levelsProb, per spec.md 4.1.
func AssignLevel(rng *rand.Rand) int {
	r := rng.Float64()
	var cum float64
	for i, p := range levelsProb {
		cum += p
		if r <= cum {
			return i
		}
	}
	return len(levelsProb) - 1
}

// Node is the in-memory handle for one vector across every level it
// participates in: per-level neighbor sets, keyed by stringified
// VectorId, plus the lazily-resolved persisted form.
type Node struct {
	ID       storage.VectorId
	MaxLevel int
	Ref      *lazy.LazyRef[serializer.MergedNode]
	// Neighbors[level] holds that level's edges, weight = metric Value().
	Neighbors []*lazy.EagerLazySet[serializer.MergedNode, float32]

	// embeddingCache holds the raw float32 vector for the lifetime of the
	// process that inserted it, so distance evaluation during search and
	// construction never pays for re-decoding a quantized Storage. A node
	// loaded fresh from disk has no cached embedding; nodeEmbedding returns
	// nil for it.
	embeddingCache []float32
}

const maxNeighborsPerLevel = 20

// DenseIndex is the per-collection HNSW graph: entry point, a registry of
// every node by identity, the active metric, and the single-writer
// transaction gate from spec.md 4.6 ("at most one open transaction").
type DenseIndex struct {
	Metric  distance.Function
	vcs     *version.VCS
	cache   *cache.Cache[*serializer.MergedNode]
	idxFile *buffer.Manager
	queue   *execQueue

	mu     sync.RWMutex
	nodes  map[string]*Node
	entry  *Node
	rng    *rand.Rand
	branch string

	txnMu   sync.Mutex
	openTxn *Transaction
}

// NewDenseIndex builds an empty index over metric, persisting nodes through
// nodeCache (internal/cache) into idxFile's .index file, and assigning
// commit hashes on vcs. idxFile may be nil for tests that only exercise
// in-memory traversal; a nil idxFile makes Commit a no-op over the exec
// queue (nothing is persisted, but dirty tracking/draining still runs).
func NewDenseIndex(metric distance.Function, vcs *version.VCS, nodeCache *cache.Cache[*serializer.MergedNode], idxFile *buffer.Manager, branch string, seed int64) *DenseIndex {
	return &DenseIndex{
		Metric:  metric,
		vcs:     vcs,
		cache:   nodeCache,
		idxFile: idxFile,
		queue:   newExecQueue(),
		nodes:   make(map[string]*Node),
		rng:     rand.New(rand.NewSource(seed)),
		branch:  branch,
	}
}

// loadNode resolves fi to its MergedNode, through the node cache, per
// spec.md 4.2 ("the cache sits in front of the lazy graph's own loads").
// A fresh cursor is opened per call, rather than sharing one across
// concurrent lazy loads and the commit path's writer cursor, since
// buffer.Manager cursors are cheap and otherwise a read here could race a
// commit's seek-and-write sequence on a shared cursor.
func (idx *DenseIndex) loadNode(fi lazy.FileIndex) (*serializer.MergedNode, error) {
	if idx.idxFile == nil {
		return nil, errs.NotFoundf("hnsw.loadNode", "index has no backing file")
	}
	return idx.cache.GetOrInsert(fi, func() (*serializer.MergedNode, error) {
		cur := idx.idxFile.OpenCursor()
		defer idx.idxFile.CloseCursor(cur)
		return serializer.ReadMergedNode(idx.idxFile, cur, fi.Offset)
	})
}

// resolveVectorID recovers the typed VectorId behind an EagerLazySet
// entry's stringified identity key, for entries this process resolved
// in-memory; entries loaded fresh from disk already carry the full
// NeighborEntry and never reach this path.
func (idx *DenseIndex) resolveVectorID(key string) (storage.VectorId, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n, ok := idx.nodes[key]
	if !ok {
		return storage.VectorId{}, false
	}
	return n.ID, true
}

// buildMergedNode assembles n's on-disk record for hash. Each neighbor
// entry's FileIndex is read directly off its live *lazy.LazyRef, which is
// shared with that neighbor's own Node.Ref: once the neighbor is written
// during this same commit, every entry pointing at it observes the
// resulting FileIndex without any separate offset bookkeeping.
func (idx *DenseIndex) buildMergedNode(n *Node, hash version.Hash) *serializer.MergedNode {
	levels := make([][]serializer.NeighborEntry, len(n.Neighbors))
	for i, set := range n.Neighbors {
		if set == nil {
			continue
		}
		sorted := set.Sorted()
		entries := make([]serializer.NeighborEntry, 0, len(sorted))
		for _, e := range sorted {
			vid, ok := idx.resolveVectorID(e.ID)
			if !ok {
				continue
			}
			entries = append(entries, serializer.NeighborEntry{
				ID:     vid,
				Weight: e.Weight,
				Ref:    e.Ref.FileIndex(),
			})
		}
		levels[i] = entries
	}
	return &serializer.MergedNode{
		ID:          n.ID,
		MaxLevel:    uint8(n.MaxLevel),
		VersionHash: hash,
		Levels:      levels,
	}
}

// execQueue is the dirty-node staging area backing one index's in-flight
// transaction, per spec.md 4.6/4.9 and SPEC_FULL.md supplement 4: nodes
// touched during Insert queue here rather than persisting synchronously,
// so Commit can drain and write them as one batch and Abort can drain and
// discard them, and either side can report how many nodes it handled.
type execQueue struct {
	mu    sync.Mutex
	items []*Node
	index map[string]int
}

func newExecQueue() *execQueue {
	return &execQueue{index: make(map[string]int)}
}

// push enqueues n, deduplicating by identity so a node touched twice in
// one transaction (e.g. both inserted and later picked as a neighbor)
// only persists once.
func (q *execQueue) push(n *Node) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := n.ID.String()
	if _, ok := q.index[key]; ok {
		return
	}
	q.index[key] = len(q.items)
	q.items = append(q.items, n)
}

// Len reports how many nodes are currently queued.
func (q *execQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain empties the queue and returns what it held, in enqueue order.
func (q *execQueue) Drain(ctx context.Context) []*Node {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.index = make(map[string]int)
	return items
}

// Transaction is the single open write transaction an index may have at
// once, per spec.md 4.6 and 4.9.
type Transaction struct {
	idx           *DenseIndex
	versionNumber uint32
	aborted       bool
	committed     bool
}

// BeginTransaction opens the index's one allowed write transaction.
// Calling this again before Commit/Abort returns errs.OngoingTransaction.
func (idx *DenseIndex) BeginTransaction(versionNumber uint32) (*Transaction, error) {
	idx.txnMu.Lock()
	defer idx.txnMu.Unlock()
	if idx.openTxn != nil {
		return nil, errs.OngoingTransaction("hnsw.BeginTransaction")
	}
	t := &Transaction{idx: idx, versionNumber: versionNumber}
	idx.openTxn = t
	return t, nil
}

// skeletonID is the reserved VectorId the bootstrap skeleton record is
// filed under. It never collides with a caller-supplied id: real ids
// come from storage.IntID/storage.StrID, and a bare unprefixed Go string
// comparison makes this identity distinguishable from any StrID whose
// caller is expected to supply their own application-level key.
var skeletonID = storage.StrID("\x00__skeleton__")

// Bootstrap lays down the index's initial max_cache_level+1 skeleton
// record and commits it as version 0, per spec.md 4.7's "constructs
// max_cache_level+1 skeleton nodes linked parent<->child, persists them,
// and records the initial commit". The merged-node layout this package
// uses folds what spec.md 3 models as a parent/child chain of per-level
// Node records into one record's Levels slice, so the skeleton is a
// single MergedNode with maxLevels empty neighbor lists rather than a
// literal linked chain; it is filed under skeletonID and never becomes
// idx.entry, so it has no effect on where real inserts enter the graph.
func (idx *DenseIndex) Bootstrap() error {
	idx.mu.Lock()
	if _, exists := idx.nodes[skeletonID.String()]; exists {
		idx.mu.Unlock()
		return errs.Conflictf("hnsw.Bootstrap", "index already bootstrapped")
	}
	idx.mu.Unlock()

	txn, err := idx.BeginTransaction(0)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	skeleton := &Node{
		ID:        skeletonID,
		MaxLevel:  maxLevels - 1,
		Neighbors: make([]*lazy.EagerLazySet[serializer.MergedNode, float32], maxLevels),
	}
	skeleton.Ref = lazy.NewLazyRef[serializer.MergedNode](lazy.Invalid(), txn.versionNumber, idx.loadNode)
	for i := range skeleton.Neighbors {
		skeleton.Neighbors[i] = lazy.NewEagerLazySet[serializer.MergedNode, float32]()
	}
	idx.nodes[skeleton.ID.String()] = skeleton
	idx.queue.push(skeleton)
	idx.mu.Unlock()

	return txn.Commit()
}

// Commit persists every node the exec queue accumulated during this
// transaction, in two passes: the first gives every dirty node a
// FileIndex (so nodes freshly created this same commit can reference each
// other), the second rebuilds each node's record now that all its
// neighbors' FileIndexes are resolved and overwrites it in place.
// NeighborEntry's on-disk FileIndex is fixed-width whether or not it is
// valid, so the two passes write the same number of bytes per node and
// the in-place overwrite never shifts anything after it.
func (t *Transaction) Commit() error {
	t.idx.txnMu.Lock()
	defer t.idx.txnMu.Unlock()
	if t.committed || t.aborted {
		return errs.Validationf("hnsw.Transaction.Commit", "transaction already finalized")
	}

	hash, err := t.idx.vcs.GenerateHash(t.idx.branch, t.versionNumber)
	if err != nil {
		return err
	}

	dirty := t.idx.queue.Drain(context.Background())
	if len(dirty) > 0 && t.idx.idxFile != nil {
		cur := t.idx.idxFile.OpenCursor()
		defer t.idx.idxFile.CloseCursor(cur)

		if _, berr := t.idx.idxFile.SeekWithCursor(cur, buffer.SeekEnd, 0); berr != nil {
			return berr
		}
		for _, n := range dirty {
			mn := t.idx.buildMergedNode(n, hash)
			off, werr := serializer.WriteMergedNode(t.idx.idxFile, cur, mn)
			if werr != nil {
				return werr
			}
			n.Ref.SetFileIndex(lazy.ValidIndex(off, hash))
		}

		for _, n := range dirty {
			fi := n.Ref.FileIndex()
			if _, berr := t.idx.idxFile.SeekWithCursor(cur, buffer.SeekStart, int64(fi.Offset)); berr != nil {
				return berr
			}
			mn := t.idx.buildMergedNode(n, hash)
			if _, werr := serializer.WriteMergedNode(t.idx.idxFile, cur, mn); werr != nil {
				return werr
			}
			n.Ref.Set(mn)
			t.idx.cache.Insert(fi, mn)
		}
	}

	t.committed = true
	t.idx.openTxn = nil
	return nil
}

// Abort discards the transaction: every node the exec queue accumulated
// is drained and removed from the index's registry rather than persisted,
// per spec.md 4.6's "unreachable from any committed version". Nodes that
// already existed before this transaction and were only re-versioned
// (neighbor forks) are left in place; their forked head simply never
// gets a FileIndex and is unreachable once a future transaction forks
// them again.
func (t *Transaction) Abort() error {
	t.idx.txnMu.Lock()
	defer t.idx.txnMu.Unlock()
	if t.committed || t.aborted {
		return errs.Validationf("hnsw.Transaction.Abort", "transaction already finalized")
	}

	dropped := t.idx.queue.Drain(context.Background())
	t.idx.mu.Lock()
	for _, n := range dropped {
		if n.Ref != nil && n.Ref.FileIndex().IsValid() {
			continue
		}
		// A node that existed before this transaction and was only forked
		// still has an older version in its chain; keep it registered.
		if n.Ref != nil && t.versionNumber > 0 {
			if _, err := n.Ref.GetLatestVersion(t.versionNumber - 1); err == nil {
				continue
			}
		}
		delete(t.idx.nodes, n.ID.String())
		if t.idx.entry == n {
			t.idx.entry = nil
		}
	}
	t.idx.mu.Unlock()

	t.aborted = true
	t.idx.openTxn = nil
	return nil
}

// candidate is one entry on a traverse_find_nearest frontier.
type candidate struct {
	node   *Node
	result distance.MetricResult
}

// traverseFindNearest walks the graph from start down to targetLevel,
// expanding the frontier by one hop of neighbors per level and narrowing
// it to ef candidates after each. Past the fifth level visited, every
// odd-numbered hop is skipped (skip_hop). The hop count per level is fixed
// at one; it does not taper with cur_level. The walk stops after level 0.
func (idx *DenseIndex) traverseFindNearest(query []float32, start *Node, curLevel, targetLevel, ef int) ([]candidate, error) {
	frontier := []candidate{}
	if start != nil {
		res, err := idx.Metric.Calculate(query, nodeEmbedding(start))
		if err != nil {
			return nil, err
		}
		frontier = append(frontier, candidate{node: start, result: res})
	}

	visited := map[string]bool{}
	if start != nil {
		visited[start.ID.String()] = true
	}

	hopIndex := 0
	for level := curLevel; level >= targetLevel; level-- {
		skipHop := hopIndex > 4 && hopIndex%2 == 1
		hopIndex++
		if skipHop {
			continue
		}

		next := make(map[string]candidate)
		for _, c := range frontier {
			next[c.node.ID.String()] = c
		}

		for _, c := range frontier {
			if level >= len(c.node.Neighbors) {
				continue
			}
			for _, e := range c.node.Neighbors[level].Sorted() {
				if visited[e.ID] {
					continue
				}
				visited[e.ID] = true
				neighborNode, ok := idx.nodes[e.ID]
				if !ok {
					continue
				}
				res, err := idx.Metric.Calculate(query, nodeEmbedding(neighborNode))
				if err != nil {
					return nil, err
				}
				next[e.ID] = candidate{node: neighborNode, result: res}
			}
		}

		frontier = topCandidates(next, ef)
		if level == 0 {
			break
		}
	}
	return frontier, nil
}

func topCandidates(m map[string]candidate, ef int) []candidate {
	out := make([]candidate, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sortCandidatesDesc(out)
	if len(out) > ef {
		out = out[:ef]
	}
	return out
}

func sortCandidatesDesc(c []candidate) {
	slices.SortFunc(c, func(a, b candidate) int {
		switch {
		case a.result.Value() > b.result.Value():
			return -1
		case a.result.Value() < b.result.Value():
			return 1
		default:
			return 0
		}
	})
}

// nodeEmbedding returns the raw float32 embedding to evaluate distance
// against. Nodes created this process carry it directly; nodes loaded
// fresh from disk have none cached yet and return nil, which the caller's
// distance.Function rejects via its dimension-mismatch check — callers
// that search across process restarts are expected to populate
// embeddingCache from the MergedNode's quantized Storage on load.
func nodeEmbedding(n *Node) []float32 {
	return n.embeddingCache
}

// Insert adds id/embedding to the graph under an open transaction, per
// spec.md 4.1: assign a level, traverse_find_nearest from the entry point
// down to that level, wire neighbors both ways, truncate each side to
// maxNeighborsPerLevel, and fork any neighbor whose own list changed
// under this version (spec.md 4.4's "writing mutates the in-memory datum
// and marks it dirty" applied at the per-neighbor-list granularity).
func (idx *DenseIndex) Insert(txn *Transaction, id storage.VectorId, embedding []float32, efConstruction int) error {
	idx.txnMu.Lock()
	if idx.openTxn != txn || txn.committed || txn.aborted {
		idx.txnMu.Unlock()
		return errs.OngoingTransaction("hnsw.Insert")
	}
	idx.txnMu.Unlock()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	level := AssignLevel(idx.rng)
	node := &Node{
		ID:             id,
		MaxLevel:       level,
		Neighbors:      make([]*lazy.EagerLazySet[serializer.MergedNode, float32], level+1),
		embeddingCache: embedding,
	}
	node.Ref = lazy.NewLazyRef[serializer.MergedNode](lazy.Invalid(), txn.versionNumber, idx.loadNode)
	for i := range node.Neighbors {
		node.Neighbors[i] = lazy.NewEagerLazySet[serializer.MergedNode, float32]()
	}

	if idx.entry == nil {
		idx.entry = node
		idx.nodes[id.String()] = node
		idx.queue.push(node)
		return nil
	}

	entryLevel := idx.entry.MaxLevel
	cur := idx.entry
	// Greedy descent through levels above this node's own level: single
	// best candidate per hop, no breadth (spec.md 4.1).
	for l := entryLevel; l > level; l-- {
		frontier, err := idx.traverseFindNearest(embedding, cur, l, l, 1)
		if err != nil {
			return err
		}
		if len(frontier) > 0 {
			cur = frontier[0].node
		}
	}

	for l := min(level, entryLevel); l >= 0; l-- {
		candidates, err := idx.traverseFindNearest(embedding, cur, l, l, efConstruction)
		if err != nil {
			return err
		}
		for _, c := range candidates {
			res, err := idx.Metric.Calculate(embedding, nodeEmbedding(c.node))
			if err != nil {
				return err
			}
			if l < len(c.node.Neighbors) {
				// The neighbor's own list changes under this version: fork
				// it (spec.md 4.6 "version-fork the neighbor via
				// add_version") rather than mutating its prior head, so
				// readers pinned to an older version keep seeing the old
				// edge set.
				c.node.Ref = c.node.Ref.AddVersion(txn.versionNumber, nil, lazy.Invalid())
				idx.queue.push(c.node)

				node.Neighbors[l].Upsert(c.node.ID.String(), res.Value(), c.node.Ref)
				c.node.Neighbors[l].Upsert(id.String(), res.Value(), node.Ref)
				c.node.Neighbors[l].Truncate(maxNeighborsPerLevel)
			}
		}
		node.Neighbors[l].Truncate(maxNeighborsPerLevel)
		if len(candidates) > 0 {
			cur = candidates[0].node
		}
	}

	idx.nodes[id.String()] = node
	idx.queue.push(node)
	if level > idx.entry.MaxLevel {
		idx.entry = node
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Search runs an ANN query, returning up to topK nearest vectors by the
// metric's "bigger is better" ordering, deduplicated by VectorId per
// spec.md 8's ann-search invariant.
func (idx *DenseIndex) Search(ctx context.Context, query []float32, topK, ef int) ([]storage.VectorId, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.entry == nil {
		return nil, nil
	}

	cur := idx.entry
	for l := idx.entry.MaxLevel; l > 0; l-- {
		frontier, err := idx.traverseFindNearest(query, cur, l, l, 1)
		if err != nil {
			return nil, err
		}
		if len(frontier) > 0 {
			cur = frontier[0].node
		}
	}

	frontier, err := idx.traverseFindNearest(query, cur, 0, 0, ef)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(frontier))
	out := make([]storage.VectorId, 0, topK)
	for _, c := range frontier {
		key := c.node.ID.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c.node.ID)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// BatchInsert fans batch items out across errgroup workers, one exec-queue
// slot each, serialized against the graph's own mutex inside Insert; the
// errgroup just bounds concurrency and collects the first error, the same
// pattern the teacher uses for its own parallel primary ingestion.
func (idx *DenseIndex) BatchInsert(ctx context.Context, txn *Transaction, ids []storage.VectorId, embeddings [][]float32, efConstruction int) error {
	if len(ids) != len(embeddings) {
		return errs.Validationf("hnsw.BatchInsert", "ids/embeddings length mismatch: %d vs %d", len(ids), len(embeddings))
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range ids {
		i := i
		g.Go(func() error {
			return idx.Insert(txn, ids[i], embeddings[i], efConstruction)
		})
	}
	return g.Wait()
}
