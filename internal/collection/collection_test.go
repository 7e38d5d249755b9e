package collection

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/vectorhash/internal/cache"
	"github.com/rpcpool/vectorhash/internal/kv"
	"github.com/rpcpool/vectorhash/internal/serializer"
	"github.com/rpcpool/vectorhash/internal/version"
)

func newTestCollection(t *testing.T) (*Collection, *kv.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := kv.Open(filepath.Join(dir, "meta.mdbx"), 8)
	require.NoError(t, err)
	vcs := version.NewVCS()
	nodeCache := cache.NewImmediate[*serializer.MergedNode](128)

	c, err := Create(context.Background(), dir, CreateOptions{
		Name:              "docs",
		Dimension:         8,
		Metric:            "cosine",
		MinVal:            -1,
		MaxVal:            1,
		NodeCacheCapacity: 100,
	}, store, vcs, nodeCache)
	require.NoError(t, err)
	return c, store
}

func TestCreateRejectsNonPositiveDimension(t *testing.T) {
	dir := t.TempDir()
	store, err := kv.Open(filepath.Join(dir, "meta.mdbx"), 8)
	require.NoError(t, err)
	defer store.Close()
	_, err = Create(context.Background(), dir, CreateOptions{Name: "x", Dimension: 0}, store, version.NewVCS(), cache.NewImmediate[*serializer.MergedNode](10))
	require.Error(t, err)
}

func TestCreateRegistersCatalogEntry(t *testing.T) {
	c, store := newTestCollection(t)
	defer store.Close()
	defer c.Close()

	entry, found, err := store.GetCollection("docs")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 8, entry.Dense.Dimension)
}

func TestNewCollectionStartsHealthy(t *testing.T) {
	c, store := newTestCollection(t)
	defer store.Close()
	defer c.Close()
	require.Equal(t, Healthy, c.Status())
}

func TestMarkReadOnlyBlocksWrites(t *testing.T) {
	c, store := newTestCollection(t)
	defer store.Close()
	defer c.Close()

	c.MarkReadOnly(errors.New("disk fault"))
	require.Equal(t, ReadOnly, c.Status())
	require.Error(t, c.GuardWritable("test"))
}

func TestRepairReturnsToHealthyOnSuccess(t *testing.T) {
	c, store := newTestCollection(t)
	defer store.Close()
	defer c.Close()

	err := c.Repair(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, Healthy, c.Status())
}

func TestRepairDegradesToReadOnlyOnFailure(t *testing.T) {
	c, store := newTestCollection(t)
	defer store.Close()
	defer c.Close()

	err := c.Repair(context.Background(), func(ctx context.Context) error { return errors.New("rebuild failed") })
	require.Error(t, err)
	require.Equal(t, ReadOnly, c.Status())
}
