package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSipHash24IsDeterministic(t *testing.T) {
	require.Equal(t, SipHash24([]byte("hello")), SipHash24([]byte("hello")))
}

func TestSipHash24DistinguishesInputs(t *testing.T) {
	require.NotEqual(t, SipHash24([]byte("hello")), SipHash24([]byte("world")))
}

func TestNewCatalogKeyIsStableAndEightBytes(t *testing.T) {
	k1 := NewCatalogKey("my-collection")
	k2 := NewCatalogKey("my-collection")
	require.Equal(t, k1, k2)
	require.Len(t, k1[:], 8)

	k3 := NewCatalogKey("other-collection")
	require.NotEqual(t, k1, k3)
}
