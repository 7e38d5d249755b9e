package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/vectorhash/internal/lazy"
	"github.com/rpcpool/vectorhash/internal/version"
)

func key(offset uint32) lazy.FileIndex {
	return lazy.ValidIndex(offset, version.Hash(1))
}

func TestImmediateEvictionDropsOldestStamp(t *testing.T) {
	c := NewImmediate[string](2)
	c.Insert(key(1), "k1")
	c.Insert(key(2), "k2")
	c.Insert(key(3), "k3") // over capacity, evicts k1 (smallest stamp)

	_, ok := c.Get(key(1))
	require.False(t, ok)
	_, ok = c.Get(key(2))
	require.True(t, ok)
	_, ok = c.Get(key(3))
	require.True(t, ok)
	require.Equal(t, 2, c.Len())
}

func TestGetBumpsStampSoItSurvivesEviction(t *testing.T) {
	c := NewImmediate[string](2)
	c.Insert(key(1), "k1")
	c.Insert(key(2), "k2")
	c.Get(key(1)) // k1 is now fresher than k2
	c.Insert(key(3), "k3")

	_, ok := c.Get(key(2))
	require.False(t, ok, "k2 should have been evicted as the least recently touched entry")
	_, ok = c.Get(key(1))
	require.True(t, ok)
}

func TestCounterAgeHandlesWraparound(t *testing.T) {
	require.Equal(t, uint32(5), CounterAge(10, 5))
	require.Equal(t, uint32(1), CounterAge(0, ^uint32(0)))
}

func TestGetOrInsertFactoryRunsOnceOnMiss(t *testing.T) {
	c := NewImmediate[string](10)
	calls := 0
	factory := func() (string, error) {
		calls++
		return "v", nil
	}
	v, err := c.GetOrInsert(key(1), factory)
	require.NoError(t, err)
	require.Equal(t, "v", v)

	v, err = c.GetOrInsert(key(1), factory)
	require.NoError(t, err)
	require.Equal(t, "v", v)
	require.Equal(t, 1, calls)
}

func TestGetOrInsertFactoryErrorLeavesNoEntry(t *testing.T) {
	c := NewImmediate[string](10)
	_, err := c.GetOrInsert(key(1), func() (string, error) {
		return "", errBoom
	})
	require.Error(t, err)
	require.Equal(t, 0, c.Len())
}

var errBoom = require.AnError
