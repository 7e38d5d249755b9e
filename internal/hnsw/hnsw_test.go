package hnsw

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/vectorhash/internal/buffer"
	"github.com/rpcpool/vectorhash/internal/cache"
	"github.com/rpcpool/vectorhash/internal/distance"
	"github.com/rpcpool/vectorhash/internal/errs"
	"github.com/rpcpool/vectorhash/internal/serializer"
	"github.com/rpcpool/vectorhash/internal/storage"
	"github.com/rpcpool/vectorhash/internal/version"
)

func TestAssignLevelStaysWithinTable(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		l := AssignLevel(rng)
		require.GreaterOrEqual(t, l, 0)
		require.Less(t, l, maxLevels)
	}
}

func TestLevelsProbSumsToOne(t *testing.T) {
	var sum float64
	for _, p := range levelsProb {
		sum += p
	}
	require.InDelta(t, 1.0, sum, 1e-9)
}

func newTestIndex(t *testing.T) *DenseIndex {
	t.Helper()
	vcs := version.NewVCS()
	nodeCache := cache.NewImmediate[*serializer.MergedNode](64)
	idxFile, err := buffer.Open(filepath.Join(t.TempDir(), "0.index"))
	require.NoError(t, err)
	t.Cleanup(func() { idxFile.Close() })
	return NewDenseIndex(distance.Cosine{}, vcs, nodeCache, idxFile, "main", 42)
}

func TestBeginTransactionRejectsSecondOpen(t *testing.T) {
	idx := newTestIndex(t)
	txn, err := idx.BeginTransaction(1)
	require.NoError(t, err)
	_, err = idx.BeginTransaction(2)
	require.Error(t, err)
	require.Equal(t, errs.Conflict, errs.KindOf(err))
	require.NoError(t, txn.Commit())

	txn2, err := idx.BeginTransaction(2)
	require.NoError(t, err)
	require.NoError(t, txn2.Abort())
}

func TestInsertFirstNodeBecomesEntry(t *testing.T) {
	idx := newTestIndex(t)
	txn, err := idx.BeginTransaction(1)
	require.NoError(t, err)
	require.NoError(t, idx.Insert(txn, storage.IntID(1), []float32{1, 0, 0}, 10))
	require.NotNil(t, idx.entry)
	require.Equal(t, storage.IntID(1), idx.entry.ID)
	require.NoError(t, txn.Commit())
}

func TestSearchFindsNearestAmongInserted(t *testing.T) {
	idx := newTestIndex(t)
	txn, err := idx.BeginTransaction(1)
	require.NoError(t, err)

	vectors := map[int64][]float32{
		1: {1, 0, 0},
		2: {0, 1, 0},
		3: {0.9, 0.1, 0},
	}
	for id, v := range vectors {
		require.NoError(t, idx.Insert(txn, storage.IntID(id), v, 20))
	}
	require.NoError(t, txn.Commit())

	results, err := idx.Search(context.Background(), []float32{1, 0, 0}, 1, 20)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Contains(t, []storage.VectorId{storage.IntID(1), storage.IntID(3)}, results[0])
}

func TestInsertWithoutTransactionFails(t *testing.T) {
	idx := newTestIndex(t)
	bogus := &Transaction{idx: idx}
	err := idx.Insert(bogus, storage.IntID(1), []float32{1}, 10)
	require.Error(t, err)
}

func TestBatchInsertAppliesEveryItem(t *testing.T) {
	idx := newTestIndex(t)
	txn, err := idx.BeginTransaction(1)
	require.NoError(t, err)

	ids := []storage.VectorId{storage.IntID(1), storage.IntID(2), storage.IntID(3)}
	embeddings := [][]float32{{1, 0}, {0, 1}, {1, 1}}
	require.NoError(t, idx.BatchInsert(context.Background(), txn, ids, embeddings, 10))
	require.NoError(t, txn.Commit())

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	require.Len(t, idx.nodes, 3)
}

func TestInsertPersistsNodeAndRoundTripsThroughRef(t *testing.T) {
	idx := newTestIndex(t)
	txn, err := idx.BeginTransaction(1)
	require.NoError(t, err)
	require.NoError(t, idx.Insert(txn, storage.IntID(1), []float32{1, 0, 0}, 10))

	node := idx.nodes[storage.IntID(1).String()]
	require.NotNil(t, node.Ref)
	require.False(t, node.Ref.FileIndex().IsValid(), "not yet committed")

	require.NoError(t, txn.Commit())

	fi := node.Ref.FileIndex()
	require.True(t, fi.IsValid())

	// Force the in-memory datum out so Get() must resolve through the
	// loader (cache miss -> ReadMergedNode off idxFile) rather than
	// returning Commit's in-process cache of mn.
	idx.cache.Evict(fi)
	node.Ref.SetFileIndex(fi)

	loaded, err := node.Ref.Get()
	require.NoError(t, err)
	require.Equal(t, storage.IntID(1), loaded.ID)
}

func TestCommitDrainsExecQueue(t *testing.T) {
	idx := newTestIndex(t)
	txn, err := idx.BeginTransaction(1)
	require.NoError(t, err)
	require.NoError(t, idx.Insert(txn, storage.IntID(1), []float32{1, 0, 0}, 10))
	require.Greater(t, idx.queue.Len(), 0)

	require.NoError(t, txn.Commit())
	require.Equal(t, 0, idx.queue.Len())
}

func TestAbortDiscardsQueuedNodes(t *testing.T) {
	idx := newTestIndex(t)
	txn, err := idx.BeginTransaction(1)
	require.NoError(t, err)
	require.NoError(t, idx.Insert(txn, storage.IntID(1), []float32{1, 0, 0}, 10))

	require.NoError(t, txn.Abort())

	require.Equal(t, 0, idx.queue.Len())
	idx.mu.RLock()
	_, ok := idx.nodes[storage.IntID(1).String()]
	idx.mu.RUnlock()
	require.False(t, ok)
}

func TestNeighborForkAddsVersion(t *testing.T) {
	idx := newTestIndex(t)
	txn, err := idx.BeginTransaction(1)
	require.NoError(t, err)
	require.NoError(t, idx.Insert(txn, storage.IntID(1), []float32{1, 0, 0}, 10))

	first := idx.nodes[storage.IntID(1).String()]
	originalRef := first.Ref

	// node1 is the only existing node, so inserting node2 is guaranteed to
	// pick it up as a candidate at every level it shares with node2 and
	// fork it onto a new head ref, per spec.md 4.6's "version-fork the
	// neighbor (via add_version)".
	require.NoError(t, idx.Insert(txn, storage.IntID(2), []float32{0.9, 0.1, 0}, 10))
	require.NotSame(t, originalRef, first.Ref, "neighbor update must fork onto a new LazyRef head")

	require.NoError(t, txn.Commit())
}

func TestBootstrapRecordsInitialSkeleton(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Bootstrap())

	idx.mu.RLock()
	skeleton, ok := idx.nodes[skeletonID.String()]
	idx.mu.RUnlock()
	require.True(t, ok)
	require.Equal(t, maxLevels-1, skeleton.MaxLevel)
	require.True(t, skeleton.Ref.FileIndex().IsValid())

	require.Error(t, idx.Bootstrap())
}
