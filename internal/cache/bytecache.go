package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/rpcpool/vectorhash/internal/errs"
	"github.com/rpcpool/vectorhash/internal/lazy"
)

// RawByteCache is a raw serialized-block cache keyed by FileIndex, a
// separate layer from the deserialized Cache[*MergedNode]. Cache's
// GetOrInsert path and the HNSW node loader do not consult it; callers
// that want raw bytes cached use Get/Put directly. Grounded on
// the teacher's own huge-cache/cache.go, which wraps bigcache the same way
// for its raw CAR object cache.
type RawByteCache struct {
	cache *bigcache.BigCache
}

// NewRawByteCache builds a byte-level cache with entries expiring after
// ttl (0 disables expiry, matching bigcache's own convention).
func NewRawByteCache(ctx context.Context, ttl time.Duration) (*RawByteCache, error) {
	cfg := bigcache.DefaultConfig(ttl)
	bc, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, errs.StorageIOErr("cache.NewRawByteCache", err)
	}
	return &RawByteCache{cache: bc}, nil
}

func rawKey(fi lazy.FileIndex) string {
	return fmt.Sprintf("raw:%s", fi.String())
}

func (r *RawByteCache) Get(fi lazy.FileIndex) ([]byte, bool) {
	v, err := r.cache.Get(rawKey(fi))
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			log.Warnw("raw byte cache get failed", "key", fi, "err", err)
		}
		return nil, false
	}
	return v, true
}

func (r *RawByteCache) Put(fi lazy.FileIndex, raw []byte) {
	if err := r.cache.Set(rawKey(fi), raw); err != nil {
		log.Warnw("raw byte cache put failed", "key", fi, "err", err)
	}
}

func (r *RawByteCache) Delete(fi lazy.FileIndex) {
	_ = r.cache.Delete(rawKey(fi))
}

func (r *RawByteCache) Close() error {
	return r.cache.Close()
}
