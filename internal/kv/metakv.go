// Package kv implements the Metadata KV store from spec.md 4.8 and 6:
// current_version, next_version, count_indexed, count_unindexed, and the
// per-collection catalog, all held in an embedded ordered key-value store
// with native read/write transactions (one writer at a time per
// environment). Grounded on AKJUS-bsc-erigon's erigon-lib/kv package,
// which opens exactly this shape of environment (an LMDB-family store,
// mdbx-go) for Erigon's own metadata tables — spec.md 4.8 literally calls
// the collection manager's handles "LMDB handles".
package kv

import (
	"context"
	"encoding/binary"

	"github.com/erigontech/mdbx-go/mdbx"
	logging "github.com/ipfs/go-log/v2"

	"github.com/rpcpool/vectorhash/internal/errs"
)

var log = logging.Logger("vectorhash/kv")

const (
	tableMeta        = "meta"
	tableCollections = "collections"

	KeyCurrentVersion  = "current_version"
	KeyNextVersion     = "next_version"
	KeyCountIndexed    = "count_indexed"
	KeyCountUnindexed  = "count_unindexed"
)

// EncodeUint32/DecodeUint32 give current_version/next_version/count_* a
// fixed-width little-endian encoding so they compare and increment
// without going through the catalog's JSON codec.
func EncodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func DecodeUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// CollectionMetaKey namespaces one of the Key* constants to a single
// collection, since current_version/next_version/count_indexed/
// count_unindexed are tracked per collection but the "meta" table is
// shared process-wide.
func CollectionMetaKey(collection, key string) string {
	return collection + ":" + key
}

// Store wraps one mdbx environment holding the "meta" and "collections"
// tables. One Store is shared by every collection in a deployment, the
// same way the teacher's Store.index and Store.freelist are owned by a
// single process-wide root.
type Store struct {
	env *mdbx.Env
}

// Open creates (if necessary) and opens the metadata environment rooted at
// dir. maxDBs bounds how many named tables (including future collections'
// own sub-tables) the environment can hold.
func Open(dir string, maxDBs uint64) (*Store, error) {
	env, err := mdbx.NewEnv()
	if err != nil {
		return nil, errs.StorageIOErr("kv.Open", err)
	}
	if err := env.SetOption(mdbx.OptMaxDB, maxDBs); err != nil {
		return nil, errs.StorageIOErr("kv.Open", err)
	}
	// 1 TiB upper bound on map size; mdbx only commits pages actually used.
	if err := env.SetGeometry(-1, -1, 1<<40, -1, -1, -1); err != nil {
		return nil, errs.StorageIOErr("kv.Open", err)
	}
	if err := env.Open(dir, mdbx.NoSubdir|mdbx.Coalesce|mdbx.LifoReclaim, 0o664); err != nil {
		return nil, errs.StorageIOErr("kv.Open", err)
	}

	s := &Store{env: env}
	if err := s.update(func(txn *mdbx.Txn) error {
		for _, table := range []string{tableMeta, tableCollections} {
			if _, err := txn.OpenDBISimple(table, mdbx.Create); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		env.Close()
		return nil, errs.StorageIOErr("kv.Open", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.env.Close()
	return nil
}

func (s *Store) update(fn func(txn *mdbx.Txn) error) error {
	return s.env.Update(fn)
}

func (s *Store) view(fn func(txn *mdbx.Txn) error) error {
	return s.env.View(fn)
}

// GetMeta reads a meta/<key> value, returning found=false if absent.
func (s *Store) GetMeta(ctx context.Context, key string) (val []byte, found bool, err error) {
	verr := s.view(func(txn *mdbx.Txn) error {
		dbi, derr := txn.OpenDBISimple(tableMeta, 0)
		if derr != nil {
			return derr
		}
		v, gerr := txn.Get(dbi, []byte(key))
		if gerr != nil {
			if mdbx.IsNotFound(gerr) {
				return nil
			}
			return gerr
		}
		val = append([]byte(nil), v...)
		found = true
		return nil
	})
	if verr != nil {
		return nil, false, errs.StorageIOErr("kv.GetMeta", verr)
	}
	return val, found, nil
}

// PutMeta writes meta/<key> = val in its own transaction.
func (s *Store) PutMeta(ctx context.Context, key string, val []byte) error {
	err := s.update(func(txn *mdbx.Txn) error {
		dbi, derr := txn.OpenDBISimple(tableMeta, mdbx.Create)
		if derr != nil {
			return derr
		}
		return txn.Put(dbi, []byte(key), val, 0)
	})
	if err != nil {
		return errs.StorageIOErr("kv.PutMeta", err)
	}
	return nil
}

// WithWriteTxn runs fn inside a single mdbx write transaction spanning both
// tables, used by the Transaction Coordinator's commit path (spec.md 4.9)
// so that a version bump and a catalog update land atomically.
func (s *Store) WithWriteTxn(fn func(t *Txn) error) error {
	err := s.update(func(txn *mdbx.Txn) error {
		return fn(&Txn{store: s, txn: txn})
	})
	if err != nil {
		return errs.StorageIOErr("kv.WithWriteTxn", err)
	}
	return nil
}

// Txn is the native read/write transaction handle exposed to callers that
// need to group several meta/catalog writes atomically.
type Txn struct {
	store *Store
	txn   *mdbx.Txn
}

func (t *Txn) PutMeta(key string, val []byte) error {
	dbi, err := t.txn.OpenDBISimple(tableMeta, mdbx.Create)
	if err != nil {
		return err
	}
	return t.txn.Put(dbi, []byte(key), val, 0)
}

func (t *Txn) GetMeta(key string) ([]byte, bool, error) {
	dbi, err := t.txn.OpenDBISimple(tableMeta, 0)
	if err != nil {
		return nil, false, err
	}
	v, err := t.txn.Get(dbi, []byte(key))
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return append([]byte(nil), v...), true, nil
}
