// Package serializer implements the on-disk MergedNode layout from
// spec.md 4.5: a two-pass writer that lays down a header with zeroed
// forward pointers, writes each level's neighbor list after it,
// then seeks back and backfills the header with the real offsets.
// Grounded on the teacher's bucketteer/write.go, which drives exactly
// this header-then-children-then-backfill shape over
// gagliardetto/binary's little-endian encoder for its own offset tables.
package serializer

import (
	"bytes"
	"math"

	bin "github.com/gagliardetto/binary"

	"github.com/rpcpool/vectorhash/internal/buffer"
	"github.com/rpcpool/vectorhash/internal/errs"
	"github.com/rpcpool/vectorhash/internal/lazy"
	"github.com/rpcpool/vectorhash/internal/storage"
	"github.com/rpcpool/vectorhash/internal/version"
)

const (
	idTagInt    = 0
	idTagString = 1
)

// NeighborEntry is one persisted edge: the neighbor's identity, the edge
// weight (the metric's MetricResult.Value(), "bigger is better" per
// SPEC_FULL.md 5), and the FileIndex coordinates to lazily resolve the
// neighbor's own MergedNode.
type NeighborEntry struct {
	ID     storage.VectorId
	Weight float32
	Ref    lazy.FileIndex
}

// EmbeddingOffset locates a (possibly quantized) embedding's bytes inside
// a collection's vec_raw file, per spec.md 3's EmbeddingOffset type.
type EmbeddingOffset struct {
	Offset uint32
	Len    uint32
	Type   storage.StorageType
}

// MergedNode is the unit of persistence for one vector across every HNSW
// level it participates in, per spec.md 4.5: one header plus one
// neighbor list per level, instead of one file record per level.
type MergedNode struct {
	ID          storage.VectorId
	MaxLevel    uint8
	VersionHash version.Hash
	PropLoc     storage.PropLocation
	Embedding   EmbeddingOffset
	// Levels[i] holds the neighbor list for level i, i in [0, MaxLevel].
	Levels [][]NeighborEntry
}

func encodeVectorId(enc *bin.Encoder, id storage.VectorId) error {
	if id.IsString {
		if err := enc.WriteUint8(idTagString); err != nil {
			return err
		}
		return enc.WriteRustString(id.Str)
	}
	if err := enc.WriteUint8(idTagInt); err != nil {
		return err
	}
	return enc.WriteInt64(id.Int, bin.LE)
}

func encodeFileIndex(enc *bin.Encoder, fi lazy.FileIndex) error {
	if !fi.IsValid() {
		if err := enc.WriteUint8(0); err != nil {
			return err
		}
		if err := enc.WriteUint32(0, bin.LE); err != nil {
			return err
		}
		return enc.WriteUint32(0, bin.LE)
	}
	if err := enc.WriteUint8(1); err != nil {
		return err
	}
	if err := enc.WriteUint32(fi.Offset, bin.LE); err != nil {
		return err
	}
	return enc.WriteUint32(uint32(fi.Version), bin.LE)
}

func encodeNeighborEntry(enc *bin.Encoder, n NeighborEntry) error {
	if err := encodeVectorId(enc, n.ID); err != nil {
		return err
	}
	if err := enc.WriteFloat32(n.Weight, bin.LE); err != nil {
		return err
	}
	return encodeFileIndex(enc, n.Ref)
}

// WriteMergedNode lays out n at cur's current position using the two-pass
// scheme: a header is written with zeroed per-level (offset, count)
// placeholders, each level's neighbor list is then appended in turn, and
// finally the cursor seeks back to patch the header's placeholders with
// the real offsets. Returns the absolute offset the header itself starts
// at, which is what callers store in a FileIndex to address this node.
func WriteMergedNode(m *buffer.Manager, cur buffer.CursorId, n *MergedNode) (uint32, error) {
	headerPos, berr := m.CursorPosition(cur)
	if berr != nil {
		return 0, berr
	}

	var headerBuf bytes.Buffer
	enc := bin.NewBinEncoder(&headerBuf)
	if err := encodeVectorId(enc, n.ID); err != nil {
		return 0, errs.Internalf("serializer.WriteMergedNode", "encode id: %v", err)
	}
	if err := enc.WriteUint8(n.MaxLevel); err != nil {
		return 0, errs.Internalf("serializer.WriteMergedNode", "encode max_level: %v", err)
	}
	if err := enc.WriteUint32(uint32(n.VersionHash), bin.LE); err != nil {
		return 0, errs.Internalf("serializer.WriteMergedNode", "encode version_hash: %v", err)
	}
	if err := enc.WriteUint32(n.PropLoc.Offset, bin.LE); err != nil {
		return 0, err
	}
	if err := enc.WriteUint32(n.PropLoc.Len, bin.LE); err != nil {
		return 0, err
	}
	if err := enc.WriteUint32(n.Embedding.Offset, bin.LE); err != nil {
		return 0, err
	}
	if err := enc.WriteUint32(n.Embedding.Len, bin.LE); err != nil {
		return 0, err
	}
	if err := enc.WriteUint8(uint8(n.Embedding.Type)); err != nil {
		return 0, err
	}
	if err := enc.WriteUint8(uint8(len(n.Levels))); err != nil {
		return 0, err
	}
	// Per-level (offset, count) placeholders, zeroed for now.
	levelTablePos := headerPos + uint64(headerBuf.Len())
	for range n.Levels {
		if err := enc.WriteUint32(0, bin.LE); err != nil {
			return 0, err
		}
		if err := enc.WriteUint32(0, bin.LE); err != nil {
			return 0, err
		}
	}

	if berr := m.Write(cur, headerBuf.Bytes()); berr != nil {
		return 0, berr
	}

	levelOffsets := make([]uint32, len(n.Levels))
	levelCounts := make([]uint32, len(n.Levels))
	for i, entries := range n.Levels {
		pos, berr := m.CursorPosition(cur)
		if berr != nil {
			return 0, berr
		}
		levelOffsets[i] = uint32(pos)
		levelCounts[i] = uint32(len(entries))

		var lvlBuf bytes.Buffer
		lenc := bin.NewBinEncoder(&lvlBuf)
		for _, e := range entries {
			if err := encodeNeighborEntry(lenc, e); err != nil {
				return 0, errs.Internalf("serializer.WriteMergedNode", "encode level %d neighbor: %v", i, err)
			}
		}
		if berr := m.Write(cur, lvlBuf.Bytes()); berr != nil {
			return 0, berr
		}
	}

	endPos, berr := m.CursorPosition(cur)
	if berr != nil {
		return 0, berr
	}

	// Backfill: seek to the level table and overwrite the placeholders.
	if _, berr := m.SeekWithCursor(cur, buffer.SeekStart, int64(levelTablePos)); berr != nil {
		return 0, berr
	}
	var patch bytes.Buffer
	penc := bin.NewBinEncoder(&patch)
	for i := range n.Levels {
		if err := penc.WriteUint32(levelOffsets[i], bin.LE); err != nil {
			return 0, err
		}
		if err := penc.WriteUint32(levelCounts[i], bin.LE); err != nil {
			return 0, err
		}
	}
	if berr := m.Write(cur, patch.Bytes()); berr != nil {
		return 0, berr
	}
	// Leave the cursor at the end of the record so the next write appends.
	if _, berr := m.SeekWithCursor(cur, buffer.SeekStart, int64(endPos)); berr != nil {
		return 0, berr
	}

	return uint32(headerPos), nil
}

// ReadMergedNode decodes the node whose header starts at headerOffset.
// Each level's neighbor list is read eagerly here; callers wrap the
// result behind a lazy.LazyRef so repeated reads of the same node are
// cache hits rather than repeated disk seeks.
func ReadMergedNode(m *buffer.Manager, cur buffer.CursorId, headerOffset uint32) (*MergedNode, error) {
	if _, berr := m.SeekWithCursor(cur, buffer.SeekStart, int64(headerOffset)); berr != nil {
		return nil, berr
	}

	// The header has no fixed size (the id payload varies for string
	// ids), so it is read field by field directly off the manager rather
	// than slurped into a byte slice first.
	id, err := readVectorIdFromManager(m, cur)
	if err != nil {
		return nil, errs.Internalf("serializer.ReadMergedNode", "decode id: %v", err)
	}
	maxLevel, berr := m.ReadU8(cur)
	if berr != nil {
		return nil, berr
	}
	versionHashRaw, berr := m.ReadU32(cur)
	if berr != nil {
		return nil, berr
	}
	propOffset, berr := m.ReadU32(cur)
	if berr != nil {
		return nil, berr
	}
	propLen, berr := m.ReadU32(cur)
	if berr != nil {
		return nil, berr
	}
	embOffset, berr := m.ReadU32(cur)
	if berr != nil {
		return nil, berr
	}
	embLen, berr := m.ReadU32(cur)
	if berr != nil {
		return nil, berr
	}
	embType, berr := m.ReadU8(cur)
	if berr != nil {
		return nil, berr
	}
	levelCount, berr := m.ReadU8(cur)
	if berr != nil {
		return nil, berr
	}

	type lvlTableEntry struct{ offset, count uint32 }
	table := make([]lvlTableEntry, levelCount)
	for i := range table {
		off, berr := m.ReadU32(cur)
		if berr != nil {
			return nil, berr
		}
		cnt, berr := m.ReadU32(cur)
		if berr != nil {
			return nil, berr
		}
		table[i] = lvlTableEntry{offset: off, count: cnt}
	}

	levels := make([][]NeighborEntry, levelCount)
	for i, ent := range table {
		if ent.count == 0 {
			continue
		}
		if _, berr := m.SeekWithCursor(cur, buffer.SeekStart, int64(ent.offset)); berr != nil {
			return nil, berr
		}
		entries := make([]NeighborEntry, ent.count)
		for j := range entries {
			e, err := readNeighborEntryFromManager(m, cur)
			if err != nil {
				return nil, errs.Internalf("serializer.ReadMergedNode", "decode level %d entry %d: %v", i, j, err)
			}
			entries[j] = e
		}
		levels[i] = entries
	}

	return &MergedNode{
		ID:          id,
		MaxLevel:    maxLevel,
		VersionHash: version.Hash(versionHashRaw),
		PropLoc:     storage.PropLocation{Offset: propOffset, Len: propLen},
		Embedding:   EmbeddingOffset{Offset: embOffset, Len: embLen, Type: storage.StorageType(embType)},
		Levels:      levels,
	}, nil
}

func readVectorIdFromManager(m *buffer.Manager, cur buffer.CursorId) (storage.VectorId, error) {
	tag, berr := m.ReadU8(cur)
	if berr != nil {
		return storage.VectorId{}, berr
	}
	if tag == idTagString {
		n, berr := m.ReadU32(cur)
		if berr != nil {
			return storage.VectorId{}, berr
		}
		// WriteRustString writes a u64 length; skip its high half.
		if _, berr := m.ReadU32(cur); berr != nil {
			return storage.VectorId{}, berr
		}
		buf := make([]byte, n)
		if berr := m.Read(cur, buf); berr != nil {
			return storage.VectorId{}, berr
		}
		return storage.StrID(string(buf)), nil
	}
	lo, berr := m.ReadU32(cur)
	if berr != nil {
		return storage.VectorId{}, berr
	}
	hi, berr := m.ReadU32(cur)
	if berr != nil {
		return storage.VectorId{}, berr
	}
	v := int64(lo) | int64(hi)<<32
	return storage.IntID(v), nil
}

func readNeighborEntryFromManager(m *buffer.Manager, cur buffer.CursorId) (NeighborEntry, error) {
	id, err := readVectorIdFromManager(m, cur)
	if err != nil {
		return NeighborEntry{}, err
	}
	wbits, berr := m.ReadU32(cur)
	if berr != nil {
		return NeighborEntry{}, berr
	}
	valid, berr := m.ReadU8(cur)
	if berr != nil {
		return NeighborEntry{}, berr
	}
	off, berr := m.ReadU32(cur)
	if berr != nil {
		return NeighborEntry{}, berr
	}
	ver, berr := m.ReadU32(cur)
	if berr != nil {
		return NeighborEntry{}, berr
	}
	ref := lazy.Invalid()
	if valid != 0 {
		ref = lazy.ValidIndex(off, version.Hash(ver))
	}
	return NeighborEntry{ID: id, Weight: math.Float32frombits(wbits), Ref: ref}, nil
}
