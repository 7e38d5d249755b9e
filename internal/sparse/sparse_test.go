package sparse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/vectorhash/internal/storage"
)

func TestQuantizeClampsToBucketRange(t *testing.T) {
	require.Equal(t, uint8(0), Quantize(-5))
	require.Equal(t, uint8(63), Quantize(100))
	require.Equal(t, uint8(0), Quantize(0))
}

func TestQuantizeMatchesWorkedExample(t *testing.T) {
	// spec.md 8 scenario 5: round(0.5*63)=31 under clamp/floor semantics.
	require.Equal(t, uint8(31), Quantize(0.5))
}

func TestCalculatePathMatchesWorkedExample(t *testing.T) {
	// spec.md 8 scenario 6: 21 = 16 + 4 + 1.
	require.Equal(t, []uint8{2, 1, 0}, calculatePath(21, 0))
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	idx := NewSparseIndex(1000)
	require.NoError(t, idx.Insert(storage.IntID(1), 42, 0.5))
	require.NoError(t, idx.Insert(storage.IntID(2), 42, 0.9))

	ids, buckets, err := idx.Get(42)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Len(t, buckets, 2)
}

func TestGetVectorReturnsFirstMatchingBucket(t *testing.T) {
	idx := NewSparseIndex(10)
	require.NoError(t, idx.Insert(storage.IntID(7), 5, 0.5))
	require.NoError(t, idx.Insert(storage.IntID(8), 5, 0.5))

	bucket, found, err := idx.GetVector(5, storage.IntID(7))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint8(31), bucket)

	_, found, err = idx.GetVector(5, storage.IntID(9))
	require.NoError(t, err)
	require.False(t, found)
}

func TestInsertOutOfRangeDimensionErrors(t *testing.T) {
	idx := NewSparseIndex(10)
	err := idx.Insert(storage.IntID(1), 999, 0.5)
	require.Error(t, err)
}

func TestAddSparseVectorMismatchedLengthsErrors(t *testing.T) {
	idx := NewSparseIndex(10)
	err := idx.AddSparseVector(context.Background(), storage.IntID(1), []uint32{1, 2}, []float32{0.5})
	require.Error(t, err)
}

func TestQueryRanksByOverlapScore(t *testing.T) {
	idx := NewSparseIndex(100)
	require.NoError(t, idx.AddSparseVector(context.Background(), storage.IntID(1), []uint32{1, 2, 3}, []float32{1, 1, 1}))
	require.NoError(t, idx.AddSparseVector(context.Background(), storage.IntID(2), []uint32{1}, []float32{1}))

	results, err := idx.Query(context.Background(), []uint32{1, 2, 3}, []float32{1, 1, 1}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, storage.IntID(1), results[0], "vector overlapping on all three dims should rank first")
}

func TestConcurrentChildCreationConverges(t *testing.T) {
	idx := NewSparseIndex(1 << 20)
	ctx := context.Background()
	indices := make([]uint32, 50)
	values := make([]float32, 50)
	for i := range indices {
		indices[i] = uint32(i * 17)
		values[i] = 0.5
	}
	require.NoError(t, idx.AddSparseVector(ctx, storage.IntID(1), indices, values))
	require.NoError(t, idx.AddSparseVector(ctx, storage.IntID(2), indices, values))

	for _, dim := range indices {
		ids, _, err := idx.Get(dim)
		require.NoError(t, err)
		require.Len(t, ids, 2)
	}
}
