package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTripAtCursor(t *testing.T) {
	m, err := Open(filepath.Join(t.TempDir(), "f.bin"))
	require.NoError(t, err)
	defer m.Close()

	cur := m.OpenCursor()
	require.Nil(t, m.WriteU32(cur, 0xdeadbeef))
	require.Nil(t, m.WriteU8(cur, 7))

	readCur := m.OpenCursor()
	v, berr := m.ReadU32(readCur)
	require.Nil(t, berr)
	require.Equal(t, uint32(0xdeadbeef), v)
	b, berr := m.ReadU8(readCur)
	require.Nil(t, berr)
	require.Equal(t, uint8(7), b)
}

func TestSeekStartRepositionsCursor(t *testing.T) {
	m, err := Open(filepath.Join(t.TempDir(), "f.bin"))
	require.NoError(t, err)
	defer m.Close()

	cur := m.OpenCursor()
	require.Nil(t, m.WriteU32(cur, 1))
	require.Nil(t, m.WriteU32(cur, 2))

	_, berr := m.SeekWithCursor(cur, SeekStart, 0)
	require.Nil(t, berr)
	v, berr := m.ReadU32(cur)
	require.Nil(t, berr)
	require.Equal(t, uint32(1), v)
}

func TestBackfillOverwritesPlaceholder(t *testing.T) {
	m, err := Open(filepath.Join(t.TempDir(), "f.bin"))
	require.NoError(t, err)
	defer m.Close()

	cur := m.OpenCursor()
	placeholderPos, berr := m.CursorPosition(cur)
	require.Nil(t, berr)
	require.Nil(t, m.WriteU32(cur, 0)) // placeholder

	_, berr = m.SeekWithCursor(cur, SeekStart, int64(placeholderPos))
	require.Nil(t, berr)
	require.Nil(t, m.WriteU32(cur, 1234))

	_, berr = m.SeekWithCursor(cur, SeekStart, int64(placeholderPos))
	require.Nil(t, berr)
	v, berr := m.ReadU32(cur)
	require.Nil(t, berr)
	require.Equal(t, uint32(1234), v)
}

func TestCloseCursorMakesItUnknown(t *testing.T) {
	m, err := Open(filepath.Join(t.TempDir(), "f.bin"))
	require.NoError(t, err)
	defer m.Close()

	cur := m.OpenCursor()
	m.CloseCursor(cur)
	_, berr := m.CursorPosition(cur)
	require.Error(t, berr)
}
