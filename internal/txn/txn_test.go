package txn

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/vectorhash/internal/cache"
	"github.com/rpcpool/vectorhash/internal/collection"
	"github.com/rpcpool/vectorhash/internal/kv"
	"github.com/rpcpool/vectorhash/internal/serializer"
	"github.com/rpcpool/vectorhash/internal/storage"
	"github.com/rpcpool/vectorhash/internal/version"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	store, err := kv.Open(filepath.Join(dir, "meta.mdbx"), 8)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	col, err := collection.Create(context.Background(), dir, collection.CreateOptions{
		Name:      "docs",
		Dimension: 4,
		Metric:    "cosine",
		MinVal:    -1,
		MaxVal:    1,
	}, store, version.NewVCS(), cache.NewImmediate[*serializer.MergedNode](64))
	require.NoError(t, err)
	t.Cleanup(func() { col.Close() })

	return NewCoordinator(col)
}

func TestCreateCommitUpsertRoundTrip(t *testing.T) {
	coord := newTestCoordinator(t)
	tx, err := coord.Create(1)
	require.NoError(t, err)

	require.NoError(t, tx.Upsert(storage.IntID(1), []float32{1, 0, 0, 0}, 10))
	require.NoError(t, tx.Commit())
}

func TestUpsertDimensionMismatchRejected(t *testing.T) {
	coord := newTestCoordinator(t)
	tx, err := coord.Create(1)
	require.NoError(t, err)
	defer tx.Abort()

	err = tx.Upsert(storage.IntID(1), []float32{1, 0}, 10)
	require.Error(t, err)
}

func TestBatchUpsertAppliesAll(t *testing.T) {
	coord := newTestCoordinator(t)
	tx, err := coord.Create(1)
	require.NoError(t, err)

	ids := []storage.VectorId{storage.IntID(1), storage.IntID(2), storage.IntID(3)}
	embeddings := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
	require.NoError(t, tx.BatchUpsert(context.Background(), ids, embeddings, 10, 2))
	require.NoError(t, tx.Commit())
}

func TestSecondCreateBeforeCommitConflicts(t *testing.T) {
	coord := newTestCoordinator(t)
	tx, err := coord.Create(1)
	require.NoError(t, err)
	defer tx.Abort()

	_, err = coord.Create(2)
	require.Error(t, err)
}
