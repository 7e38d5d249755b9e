package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetaPutGetRoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "meta.mdbx"), 8)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PutMeta(context.Background(), KeyCurrentVersion, []byte{1, 0, 0, 0}))
	v, found, err := s.GetMeta(context.Background(), KeyCurrentVersion)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte{1, 0, 0, 0}, v)
}

func TestMetaGetMissingKeyIsNotFound(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "meta.mdbx"), 8)
	require.NoError(t, err)
	defer s.Close()

	_, found, err := s.GetMeta(context.Background(), "nonexistent")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCollectionCatalogRoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "meta.mdbx"), 8)
	require.NoError(t, err)
	defer s.Close()

	entry := CatalogEntry{
		Name:        "documents",
		Description: "test collection",
		Dense:       &DenseOptions{Dimension: 128, Metric: "cosine"},
		Config:      CollectionConfig{NodeCacheCapacity: 1000, EvictionStrategy: "immediate"},
	}
	require.NoError(t, s.PutCollection(entry))

	got, found, err := s.GetCollection("documents")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, entry.Dense.Dimension, got.Dense.Dimension)

	require.NoError(t, s.DeleteCollection("documents"))
	_, found, err = s.GetCollection("documents")
	require.NoError(t, err)
	require.False(t, found)
}
