// Package version implements the commit-hash layer described in spec.md
// 4.3: generate_hash assigns a 32-bit commit id to each (branch,
// version_number) pair, and get_version_hash is the reverse lookup. The
// shape — a small in-memory index guarded by one mutex — follows
// store/index/upgrade.go's in-memory map pattern from the teacher. The
// records live in memory only; nothing here writes them to disk.
package version

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/rpcpool/vectorhash/internal/errs"
)

// Hash is the opaque 32-bit commit id named in spec.md 4.3 and 6.
type Hash uint32

func (h Hash) String() string { return fmt.Sprintf("%08x", uint32(h)) }

// Record is a VersionHash: a commit hash plus the branch/version/parent it
// was assigned to, per spec.md 3.
type Record struct {
	Hash       Hash
	Branch     string
	Version    uint32
	ParentHash *Hash
}

// VCS assigns and resolves commit hashes. Two versions with identical
// (branch, version_number) but different parent chains must differ, so the
// hash mixes the parent's hash into the digest instead of hashing
// (branch, version_number) alone — this is what spec.md 4.3 means by "plus
// the branch-local parent chain".
type VCS struct {
	mu sync.RWMutex

	byHash   map[Hash]*Record
	byBranch map[string]map[uint32]*Record // branch -> version_number -> record
	heads    map[string]Hash               // branch -> newest hash, for parent linking
}

func NewVCS() *VCS {
	return &VCS{
		byHash:   make(map[Hash]*Record),
		byBranch: make(map[string]map[uint32]*Record),
		heads:    make(map[string]Hash),
	}
}

// GenerateHash is a pure function of its inputs plus the branch-local
// parent chain: digest(branch || version_number || parent_hash_or_zero).
// Wraparound of the 32-bit space is tolerated; a collision within a live
// branch (two different (branch, version, parent) tuples landing on the
// same 32 bits) is treated as fatal per spec.md 4.3.
func (v *VCS) GenerateHash(branch string, versionNumber uint32) (Hash, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if rec, ok := v.byBranch[branch][versionNumber]; ok {
		return rec.Hash, nil
	}

	var parent *Hash
	if h, ok := v.heads[branch]; ok {
		parent = &h
	}

	digest := mix(branch, versionNumber, parent)

	if existing, ok := v.byHash[digest]; ok {
		if existing.Branch != branch || existing.Version != versionNumber {
			return 0, errs.Internalf("version.GenerateHash",
				"commit hash collision within live branch %q: %08x already assigned to branch %q version %d",
				branch, uint32(digest), existing.Branch, existing.Version)
		}
		// Re-generating for the same (branch, version) is idempotent.
		return digest, nil
	}

	rec := &Record{Hash: digest, Branch: branch, Version: versionNumber, ParentHash: parent}
	v.byHash[digest] = rec
	if v.byBranch[branch] == nil {
		v.byBranch[branch] = make(map[uint32]*Record)
	}
	v.byBranch[branch][versionNumber] = rec
	v.heads[branch] = digest

	return digest, nil
}

// mix folds branch, version, and an optional parent hash into a 32-bit
// digest using xxhash64 truncated to 32 bits, the same primitive the
// teacher's store/index package reaches for when it needs a fast, stable
// digest of variable-length keys.
func mix(branch string, versionNumber uint32, parent *Hash) Hash {
	buf := make([]byte, 0, len(branch)+4+4)
	buf = append(buf, []byte(branch)...)
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], versionNumber)
	buf = append(buf, v[:]...)
	var p [4]byte
	if parent != nil {
		binary.LittleEndian.PutUint32(p[:], uint32(*parent))
	}
	buf = append(buf, p[:]...)
	return Hash(uint32(xxhash.Sum64(buf)))
}

// GetVersionHash is the reverse lookup named in spec.md 4.3.
func (v *VCS) GetVersionHash(h Hash) (*Record, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.byHash[h]
	return rec, ok
}

// ParentChain walks parent links from h back to the branch root, newest
// first, verifying acyclicity (spec.md 3: "parent chain acyclic").
func (v *VCS) ParentChain(h Hash) ([]*Record, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	seen := make(map[Hash]bool)
	var chain []*Record
	cur := h
	for {
		rec, ok := v.byHash[cur]
		if !ok {
			return nil, errs.NotFoundf("version.ParentChain", "hash %s not found", cur)
		}
		if seen[cur] {
			return nil, errs.Internalf("version.ParentChain", "cycle detected at hash %s", cur)
		}
		seen[cur] = true
		chain = append(chain, rec)
		if rec.ParentHash == nil {
			break
		}
		cur = *rec.ParentHash
	}
	return chain, nil
}

// Head returns the newest hash recorded for branch, if any.
func (v *VCS) Head(branch string) (Hash, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	h, ok := v.heads[branch]
	return h, ok
}
