package lazy

import (
	"sync"

	"github.com/rpcpool/vectorhash/internal/errs"
)

// Loader resolves a FileIndex to a materialized *T. In production this is
// backed by the node cache's GetOrInsert (internal/cache); tests can supply
// a trivial in-memory loader.
type Loader[T any] func(FileIndex) (*T, error)

// LazyRef holds (data?, file_index, version_chain_head) per spec.md 4.4:
// reading forces deserialization through load; writing mutates the
// in-memory datum and marks it dirty; the version chain lets a reader pin
// the newest version visible under its own reader-version (spec.md 5).
type LazyRef[T any] struct {
	mu sync.Mutex

	data      *T
	fileIndex FileIndex
	load      Loader[T]
	dirty     bool

	versionNumber uint32        // the version this particular LazyRef node belongs to
	older         *LazyRef[T]   // next-older entry in the singly-linked, newest-first chain
}

// NewLazyRef wraps an as-yet-unresolved FileIndex.
func NewLazyRef[T any](fi FileIndex, versionNumber uint32, load Loader[T]) *LazyRef[T] {
	return &LazyRef[T]{fileIndex: fi, versionNumber: versionNumber, load: load}
}

// NewResolvedLazyRef wraps data that is already in memory (e.g. just
// created by an insert, not yet persisted).
func NewResolvedLazyRef[T any](data *T, fi FileIndex, versionNumber uint32, load Loader[T]) *LazyRef[T] {
	return &LazyRef[T]{data: data, fileIndex: fi, versionNumber: versionNumber, load: load}
}

// Get forces deserialization via the loader on first access.
func (r *LazyRef[T]) Get() (*T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked()
}

func (r *LazyRef[T]) getLocked() (*T, error) {
	if r.data != nil {
		return r.data, nil
	}
	if !r.fileIndex.IsValid() {
		return nil, errs.LazyErr("LazyRef.Get", "lazy load requested but file index is invalid")
	}
	if r.load == nil {
		return nil, errs.LazyErr("LazyRef.Get", "lazy load requested but no loader is bound")
	}
	v, err := r.load(r.fileIndex)
	if err != nil {
		return nil, errs.LazyErr("LazyRef.Get", "load of %s failed: %v", r.fileIndex, err)
	}
	r.data = v
	return r.data, nil
}

// Set mutates the in-memory datum and marks this ref dirty, per spec.md
// 4.4 ("writing mutates the in-memory datum and marks it dirty").
func (r *LazyRef[T]) Set(v *T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = v
	r.dirty = true
}

func (r *LazyRef[T]) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

func (r *LazyRef[T]) ClearDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = false
}

// FileIndex returns the coordinates this ref currently resolves to.
func (r *LazyRef[T]) FileIndex() FileIndex {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fileIndex
}

// SetFileIndex rebinds the coordinates this ref resolves to, invalidating
// any cached in-memory datum so the next Get re-materializes from the new
// location.
func (r *LazyRef[T]) SetFileIndex(fi FileIndex) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fileIndex = fi
	r.data = nil
}

// AddVersion appends a new version to the chain: newVersionNumber's data
// becomes the new head, with the receiver demoted to "older". The caller
// is expected to replace its own pointer with the returned *LazyRef, since
// chains are singly-linked newest-first (spec.md 4.4).
func (r *LazyRef[T]) AddVersion(newVersionNumber uint32, newData *T, newFileIndex FileIndex) *LazyRef[T] {
	head := &LazyRef[T]{
		data:          newData,
		fileIndex:     newFileIndex,
		load:          r.load,
		dirty:         true,
		versionNumber: newVersionNumber,
		older:         r,
	}
	return head
}

// GetLatestVersion walks the version chain from the receiver (assumed to
// be the current head) to the newest entry whose versionNumber is visible
// under readerVersion, per spec.md 4.4 and the ordering rule in 5 ("readers
// pin the newest version <= their reader-version").
func (r *LazyRef[T]) GetLatestVersion(readerVersion uint32) (*LazyRef[T], error) {
	cur := r
	for cur != nil {
		if cur.versionNumber <= readerVersion {
			return cur, nil
		}
		cur = cur.older
	}
	return nil, errs.NotFoundf("LazyRef.GetLatestVersion", "no version <= %d visible in chain", readerVersion)
}

func (r *LazyRef[T]) VersionNumber() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.versionNumber
}
