package lazy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/vectorhash/internal/version"
)

func TestFileIndexInvalidByDefault(t *testing.T) {
	require.False(t, Invalid().IsValid())
	fi := ValidIndex(42, version.Hash(7))
	require.True(t, fi.IsValid())
	require.True(t, fi.Equal(ValidIndex(42, version.Hash(7))))
	require.False(t, fi.Equal(ValidIndex(43, version.Hash(7))))
}

func TestLazyRefResolvesThroughLoader(t *testing.T) {
	loads := 0
	loader := func(fi FileIndex) (*string, error) {
		loads++
		s := "loaded"
		return &s, nil
	}
	ref := NewLazyRef[string](ValidIndex(1, version.Hash(1)), 1, loader)

	v, err := ref.Get()
	require.NoError(t, err)
	require.Equal(t, "loaded", *v)

	_, err = ref.Get()
	require.NoError(t, err)
	require.Equal(t, 1, loads, "second Get should hit the cached data, not reload")
}

func TestLazyRefSetMarksDirty(t *testing.T) {
	ref := NewResolvedLazyRef[string](new(string), Invalid(), 1, nil)
	require.False(t, ref.Dirty())
	v := "x"
	ref.Set(&v)
	require.True(t, ref.Dirty())
	ref.ClearDirty()
	require.False(t, ref.Dirty())
}

func TestLazyRefVersionChainPicksNewestVisible(t *testing.T) {
	v1 := "v1"
	head := NewResolvedLazyRef[string](&v1, Invalid(), 1, nil)
	v2 := "v2"
	head = head.AddVersion(2, &v2, Invalid())
	v3 := "v3"
	head = head.AddVersion(3, &v3, Invalid())

	got, err := head.GetLatestVersion(2)
	require.NoError(t, err)
	data, err := got.Get()
	require.NoError(t, err)
	require.Equal(t, "v2", *data)

	_, err = head.GetLatestVersion(0)
	require.Error(t, err)
}

func TestLazyArrayCheckedInsertIsCAS(t *testing.T) {
	a := NewLazyArray[int](4)
	ref1 := NewResolvedLazyRef[int](ptrInt(1), Invalid(), 1, nil)
	ref2 := NewResolvedLazyRef[int](ptrInt(2), Invalid(), 1, nil)

	inserted, winner, err := a.CheckedInsert(0, ref1)
	require.NoError(t, err)
	require.True(t, inserted)
	require.Same(t, ref1, winner)

	inserted, winner, err = a.CheckedInsert(0, ref2)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Same(t, ref1, winner)

	_, _, err = a.CheckedInsert(99, ref1)
	require.Error(t, err)
}

func ptrInt(v int) *int { return &v }

func TestLazyVecAppendAndSnapshot(t *testing.T) {
	v := NewLazyVec[int]()
	r1 := NewResolvedLazyRef[int](ptrInt(1), Invalid(), 1, nil)
	r2 := NewResolvedLazyRef[int](ptrInt(2), Invalid(), 1, nil)
	v.Append(r1)
	v.Append(r2)
	require.Equal(t, 2, v.Len())
	snap := v.Snapshot()
	require.Len(t, snap, 2)
	require.Same(t, r1, v.At(0))
}

func TestEagerLazySetTruncateKeepsTopWeights(t *testing.T) {
	s := NewEagerLazySet[int, float32]()
	for i, w := range []float32{0.5, 0.9, 0.1, 0.7} {
		s.Upsert(string(rune('a'+i)), w, nil)
	}
	require.Equal(t, 4, s.Len())

	survivors := s.Truncate(2)
	require.Len(t, survivors, 2)
	require.Equal(t, float32(0.9), survivors[0].Weight)
	require.Equal(t, float32(0.7), survivors[1].Weight)
	require.Equal(t, 2, s.Len())
}
