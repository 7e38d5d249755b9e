package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateHashIsIdempotentForSameVersion(t *testing.T) {
	v := NewVCS()
	h1, err := v.GenerateHash("main", 1)
	require.NoError(t, err)
	h2, err := v.GenerateHash("main", 1)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestGenerateHashChainsParents(t *testing.T) {
	v := NewVCS()
	h1, err := v.GenerateHash("main", 1)
	require.NoError(t, err)
	h2, err := v.GenerateHash("main", 2)
	require.NoError(t, err)

	rec, ok := v.GetVersionHash(h2)
	require.True(t, ok)
	require.NotNil(t, rec.ParentHash)
	require.Equal(t, h1, *rec.ParentHash)
}

func TestDifferentBranchesDoNotShareParents(t *testing.T) {
	v := NewVCS()
	_, err := v.GenerateHash("main", 1)
	require.NoError(t, err)
	h, err := v.GenerateHash("feature", 1)
	require.NoError(t, err)
	rec, ok := v.GetVersionHash(h)
	require.True(t, ok)
	require.Nil(t, rec.ParentHash)
}

func TestParentChainIsNewestFirstAndAcyclic(t *testing.T) {
	v := NewVCS()
	_, err := v.GenerateHash("main", 1)
	require.NoError(t, err)
	_, err = v.GenerateHash("main", 2)
	require.NoError(t, err)
	h3, err := v.GenerateHash("main", 3)
	require.NoError(t, err)

	chain, err := v.ParentChain(h3)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, uint32(3), chain[0].Version)
	require.Equal(t, uint32(1), chain[2].Version)
}

func TestHeadTracksMostRecentGeneratedHash(t *testing.T) {
	v := NewVCS()
	_, err := v.GenerateHash("main", 1)
	require.NoError(t, err)
	h2, err := v.GenerateHash("main", 2)
	require.NoError(t, err)

	head, ok := v.Head("main")
	require.True(t, ok)
	require.Equal(t, h2, head)
}
