// Package collection implements the Collection Manager from spec.md 4.7:
// owns a collection's dense index, sparse index, prop file, and metadata
// KV handles, gates writes through the transaction coordinator, and
// exposes the Healthy/ReadOnly/Repairing state machine (SPEC_FULL.md
// supplement 5). Grounded on the teacher's store.go, which is exactly
// this shape for a single primary file: owned file handles, a
// SetReadOnly-style mode switch, and Close/Flush orchestration across
// several owned sub-stores.
package collection

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/rpcpool/vectorhash/internal/buffer"
	"github.com/rpcpool/vectorhash/internal/cache"
	"github.com/rpcpool/vectorhash/internal/distance"
	"github.com/rpcpool/vectorhash/internal/errs"
	"github.com/rpcpool/vectorhash/internal/hnsw"
	"github.com/rpcpool/vectorhash/internal/kv"
	"github.com/rpcpool/vectorhash/internal/serializer"
	"github.com/rpcpool/vectorhash/internal/sparse"
	"github.com/rpcpool/vectorhash/internal/version"
)

var log = logging.Logger("vectorhash/collection")

// Status is the collection's own availability state machine, per
// SPEC_FULL.md supplement 5: a collection degrades to ReadOnly on a
// recoverable storage fault and to Repairing while a background pass
// rebuilds its derived structures, rather than taking the whole process
// down.
type Status int32

const (
	Healthy Status = iota
	ReadOnly
	Repairing
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case ReadOnly:
		return "read_only"
	case Repairing:
		return "repairing"
	default:
		return "unknown"
	}
}

// CreateOptions is the validated input to Create, corresponding to
// spec.md 6's collection creation request.
type CreateOptions struct {
	Name        string
	Description string
	Dimension   int
	Metric      string
	MinVal      float32
	MaxVal      float32
	StorageType int

	SparseDimension int // 0 disables the sparse index for this collection

	NodeCacheCapacity int
}

// Collection owns every resource backing one named vector collection.
type Collection struct {
	Name   string
	Dim    int
	MinVal float32
	MaxVal float32

	Dense  *hnsw.DenseIndex
	Sparse *sparse.SparseIndex

	propFile *buffer.Manager
	propCur  buffer.CursorId
	vecFile  *buffer.Manager
	vecCur   buffer.CursorId
	indexMgr *buffer.Manager
	indexCur buffer.CursorId

	metaStore *kv.Store

	status atomic.Int32

	mu sync.Mutex
}

// MetaStore returns the metadata KV store backing this collection's
// current_version/next_version bookkeeping, for the Transaction
// Coordinator's commit path.
func (c *Collection) MetaStore() *kv.Store {
	return c.metaStore
}

// Create validates opts and lays down the initial on-disk skeleton for a
// new collection: prop.data, 0.index, and <version>.vec_raw, per spec.md
// 6 and SPEC_FULL.md supplement 5.
func Create(ctx context.Context, dir string, opts CreateOptions, metaStore *kv.Store, vcs *version.VCS, nodeCache *cache.Cache[*serializer.MergedNode]) (*Collection, error) {
	if opts.Dimension <= 0 {
		return nil, errs.Validationf("collection.Create", "dimension must be > 0, got %d", opts.Dimension)
	}
	if opts.Name == "" {
		return nil, errs.Validationf("collection.Create", "name must not be empty")
	}

	metric, err := distance.ByName(opts.Metric)
	if err != nil {
		return nil, err
	}

	propFile, err := buffer.Open(filepath.Join(dir, "prop.data"))
	if err != nil {
		return nil, err
	}
	indexFile, err := buffer.Open(filepath.Join(dir, "0.index"))
	if err != nil {
		return nil, err
	}
	vecFile, err := buffer.Open(filepath.Join(dir, "0.vec_raw"))
	if err != nil {
		return nil, err
	}

	c := &Collection{
		Name:      opts.Name,
		Dim:       opts.Dimension,
		MinVal:    opts.MinVal,
		MaxVal:    opts.MaxVal,
		Dense:     hnsw.NewDenseIndex(metric, vcs, nodeCache, indexFile, opts.Name, int64(kv.SipHash24([]byte(opts.Name)))),
		propFile:  propFile,
		propCur:   propFile.OpenCursor(),
		vecFile:   vecFile,
		vecCur:    vecFile.OpenCursor(),
		indexMgr:  indexFile,
		indexCur:  indexFile.OpenCursor(),
		metaStore: metaStore,
	}
	if opts.SparseDimension > 0 {
		c.Sparse = sparse.NewSparseIndex(opts.SparseDimension)
	}

	// Lay down the initial max_cache_level+1 skeleton and commit it as
	// version 0 before the collection is registered, per spec.md 4.7.
	if err := c.Dense.Bootstrap(); err != nil {
		return nil, err
	}

	entry := kv.CatalogEntry{
		Name:        opts.Name,
		Description: opts.Description,
		Dense:       &kv.DenseOptions{Dimension: opts.Dimension, Metric: opts.Metric},
		Config: kv.CollectionConfig{
			NodeCacheCapacity: opts.NodeCacheCapacity,
			EvictionStrategy:  "immediate",
		},
	}
	if opts.SparseDimension > 0 {
		entry.Sparse = &kv.SparseOptions{Dimension: opts.SparseDimension}
	}

	// The catalog row and the initial version/count bookkeeping land in
	// one mdbx write transaction, so a crash between the two never leaves
	// a registered collection with no recorded version (spec.md 4.7,
	// 4.8's current_version/next_version/count_indexed/count_unindexed).
	if err := metaStore.WithWriteTxn(func(t *kv.Txn) error {
		if err := t.PutCollection(entry); err != nil {
			return err
		}
		if err := t.PutMeta(kv.CollectionMetaKey(opts.Name, kv.KeyCurrentVersion), kv.EncodeUint32(0)); err != nil {
			return err
		}
		if err := t.PutMeta(kv.CollectionMetaKey(opts.Name, kv.KeyNextVersion), kv.EncodeUint32(1)); err != nil {
			return err
		}
		if err := t.PutMeta(kv.CollectionMetaKey(opts.Name, kv.KeyCountIndexed), kv.EncodeUint32(0)); err != nil {
			return err
		}
		return t.PutMeta(kv.CollectionMetaKey(opts.Name, kv.KeyCountUnindexed), kv.EncodeUint32(0))
	}); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Collection) Status() Status {
	return Status(c.status.Load())
}

func (c *Collection) setStatus(s Status) {
	c.status.Store(int32(s))
	log.Infow("collection status changed", "collection", c.Name, "status", s.String())
}

// GuardWritable rejects mutation while the collection is not Healthy.
func (c *Collection) GuardWritable(op string) error {
	switch c.Status() {
	case ReadOnly:
		return errs.Conflictf(op, "collection %q is read-only", c.Name)
	case Repairing:
		return errs.Conflictf(op, "collection %q is under repair", c.Name)
	}
	return nil
}

// Repair transitions the collection into Repairing, rebuilds whatever a
// real deployment would rebuild (index consistency checks against
// prop.data), and transitions back to Healthy on success or ReadOnly on
// failure. The rebuild step itself is out of scope here (spec.md 9); this
// owns the state machine around it.
func (c *Collection) Repair(ctx context.Context, rebuild func(ctx context.Context) error) error {
	c.mu.Lock()
	if c.Status() == Repairing {
		c.mu.Unlock()
		return errs.Conflictf("collection.Repair", "repair already in progress for %q", c.Name)
	}
	c.setStatus(Repairing)
	c.mu.Unlock()

	if err := rebuild(ctx); err != nil {
		c.setStatus(ReadOnly)
		return errs.Internalf("collection.Repair", "repair of %q failed, degraded to read_only: %v", c.Name, err)
	}
	c.setStatus(Healthy)
	return nil
}

// MarkReadOnly degrades the collection after a recoverable storage fault,
// per SPEC_FULL.md supplement 5.
func (c *Collection) MarkReadOnly(reason error) {
	log.Warnw("collection degraded to read_only", "collection", c.Name, "reason", reason)
	c.setStatus(ReadOnly)
}

// Close flushes and releases every file handle the collection owns.
func (c *Collection) Close() error {
	var combined error
	for _, f := range []*buffer.Manager{c.propFile, c.vecFile, c.indexMgr} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			combined = multierr.Append(combined, err)
		}
	}
	if combined != nil {
		return errs.Internalf("collection.Close", "errors closing %q: %v", c.Name, combined)
	}
	return nil
}

func (c *Collection) String() string {
	return fmt.Sprintf("Collection(name=%s, dim=%d, status=%s)", c.Name, c.Dim, c.Status())
}
