// Package lazy implements the on-demand deserialization handles described
// in spec.md 4.4: FileIndex, LazyRef, LazyArray, LazyVec, and
// EagerLazySet. None of these hold raw pointers into the graph; they hold
// (offset, version) coordinates that are resolved through a Loader
// (backed, in practice, by the node cache) on first access, so cycles
// between a node and its neighbor set cannot leak (spec.md 9).
package lazy

import (
	"fmt"

	"github.com/rpcpool/vectorhash/internal/version"
)

// FileIndex is Invalid or Valid{offset, version}, per spec.md 4.4.
type FileIndex struct {
	valid   bool
	Offset  uint32
	Version version.Hash
}

// Invalid returns the zero/invalid FileIndex.
func Invalid() FileIndex { return FileIndex{} }

// ValidIndex builds a Valid FileIndex at offset under version v.
func ValidIndex(offset uint32, v version.Hash) FileIndex {
	return FileIndex{valid: true, Offset: offset, Version: v}
}

func (f FileIndex) IsValid() bool { return f.valid }

func (f FileIndex) String() string {
	if !f.valid {
		return "FileIndex(invalid)"
	}
	return fmt.Sprintf("FileIndex(offset=%d, version=%s)", f.Offset, f.Version)
}

func (f FileIndex) Equal(other FileIndex) bool {
	return f.valid == other.valid && f.Offset == other.Offset && f.Version == other.Version
}
