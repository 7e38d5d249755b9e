// Package txn implements the Transaction Coordinator from spec.md 4.9:
// create/commit/abort/upsert/delete against a single collection, with
// order-preserving parallel batch upsert. Grounded on
// tejzpr/ordered-concurrently/v3, one of the pack's own concurrency
// dependencies, chosen specifically because spec.md 4.9's batch upsert
// must apply per-item results in submission order even though the work
// itself runs concurrently — exactly what ordered-concurrently provides
// over a plain errgroup fan-out.
package txn

import (
	"context"

	"github.com/dustin/go-humanize"
	logging "github.com/ipfs/go-log/v2"
	oc "github.com/tejzpr/ordered-concurrently/v3"

	"github.com/rpcpool/vectorhash/internal/collection"
	"github.com/rpcpool/vectorhash/internal/errs"
	"github.com/rpcpool/vectorhash/internal/hnsw"
	"github.com/rpcpool/vectorhash/internal/kv"
	"github.com/rpcpool/vectorhash/internal/storage"
)

var log = logging.Logger("vectorhash/txn")

// Coordinator gates every write against a collection's single open
// transaction, per spec.md 4.6's "at most one open transaction" and
// 4.9's create/commit/abort surface.
type Coordinator struct {
	col *collection.Collection
}

func NewCoordinator(col *collection.Collection) *Coordinator {
	return &Coordinator{col: col}
}

// Txn is a handle to one open transaction against the coordinator's
// collection.
type Txn struct {
	coord   *Coordinator
	dense   *hnsw.Transaction
	version uint32
}

// Create opens a new transaction at versionNumber. Only one may be open
// per collection at a time (errs.OngoingTransaction otherwise).
func (c *Coordinator) Create(versionNumber uint32) (*Txn, error) {
	if err := c.col.GuardWritable("txn.Create"); err != nil {
		return nil, err
	}
	dt, err := c.col.Dense.BeginTransaction(versionNumber)
	if err != nil {
		return nil, err
	}
	return &Txn{coord: c, dense: dt, version: versionNumber}, nil
}

// Commit finalizes every write this transaction staged, then advances
// the collection's current_version to this transaction's version number
// (spec.md 4.8, testable property 10). The two steps are separate: the
// dense graph commits first, then one KV write transaction records the
// versions. If that KV write fails, the graph stays committed and the
// error is returned.
func (t *Txn) Commit() error {
	if err := t.dense.Commit(); err != nil {
		return err
	}
	store := t.coord.col.MetaStore()
	if store == nil {
		return nil
	}
	name := t.coord.col.Name
	return store.WithWriteTxn(func(kt *kv.Txn) error {
		if err := kt.PutMeta(kv.CollectionMetaKey(name, kv.KeyCurrentVersion), kv.EncodeUint32(t.version)); err != nil {
			return err
		}
		return kt.PutMeta(kv.CollectionMetaKey(name, kv.KeyNextVersion), kv.EncodeUint32(t.version+1))
	})
}

// Abort discards this transaction; see hnsw.Transaction.Abort for the
// reclamation caveat.
func (t *Txn) Abort() error {
	return t.dense.Abort()
}

// Upsert inserts or updates a single vector under this transaction.
func (t *Txn) Upsert(id storage.VectorId, embedding []float32, efConstruction int) error {
	if err := t.coord.col.GuardWritable("txn.Upsert"); err != nil {
		return err
	}
	if len(embedding) != t.coord.col.Dim {
		return errs.Validationf("txn.Upsert", "embedding dimension %d does not match collection dimension %d", len(embedding), t.coord.col.Dim)
	}
	return t.coord.col.Dense.Insert(t.dense, id, embedding, efConstruction)
}

// upsertJob adapts one batch item to ordered-concurrently's Work
// interface.
type upsertJob struct {
	txn            *Txn
	id             storage.VectorId
	embedding      []float32
	efConstruction int
}

func (j *upsertJob) Run() interface{} {
	return j.txn.Upsert(j.id, j.embedding, j.efConstruction)
}

// BatchUpsert applies every (id, embedding) pair under this transaction.
// Work runs concurrently (bounded by concurrency) but results are drained
// in submission order, per spec.md 4.9; the first error encountered,
// in submission order, is returned.
func (t *Txn) BatchUpsert(ctx context.Context, ids []storage.VectorId, embeddings [][]float32, efConstruction, concurrency int) error {
	if len(ids) != len(embeddings) {
		return errs.Validationf("txn.BatchUpsert", "ids/embeddings length mismatch: %d vs %d", len(ids), len(embeddings))
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	input := make(chan oc.WorkFunction, len(ids))
	output := oc.Process(ctx, input, &oc.Options{PoolSize: concurrency, OutChannelBuffer: len(ids)})
	go func() {
		for i := range ids {
			input <- &upsertJob{txn: t, id: ids[i], embedding: embeddings[i], efConstruction: efConstruction}
		}
		close(input)
	}()

	var firstErr error
	for out := range output {
		if err, ok := out.Value.(error); ok && err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		log.Infow("batch upsert applied", "count", humanize.Comma(int64(len(ids))))
	}
	return firstErr
}

// Delete checks that the collection is writable and then returns
// errs.NotImplemented; it does not remove or hide id from the index or
// from queries.
func (t *Txn) Delete(id storage.VectorId) error {
	if err := t.coord.col.GuardWritable("txn.Delete"); err != nil {
		return err
	}
	return errs.NotImplemented("txn.Delete")
}
