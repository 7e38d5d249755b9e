// Package filecache reconstructs the store/filecache package the teacher's
// store.go imports but which is not present in the retrieval pack: a
// bounded pool of open *os.File handles keyed by path, so primary and
// index files aren't repeatedly opened and closed on every read. Backed by
// jellydator/ttlcache/v3, one of the teacher's own direct dependencies.
package filecache

import (
	"os"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/rpcpool/vectorhash/internal/errs"
)

// FileCache lends out *os.File handles for reading. Close must be called
// once the caller is done with the handle it was lent; the cache may have
// already evicted and closed it underneath, in which case Close is a
// no-op.
type FileCache struct {
	cache *ttlcache.Cache[string, *os.File]
}

func New(size int, ttl time.Duration) *FileCache {
	c := ttlcache.New[string, *os.File](
		ttlcache.WithCapacity[string, *os.File](uint64(size)),
		ttlcache.WithTTL[string, *os.File](ttl),
	)
	c.OnEviction(func(_ bool, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *os.File]) {
		if item != nil {
			item.Value().Close()
		}
	})
	go c.Start()
	return &FileCache{cache: c}
}

// Open returns a shared, cached *os.File for path, opening it read-only on
// first use.
func (fc *FileCache) Open(path string) (*os.File, error) {
	if item := fc.cache.Get(path); item != nil {
		return item.Value(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.StorageIOErr("filecache.Open", err)
	}
	fc.cache.Set(path, f, ttlcache.DefaultTTL)
	return f, nil
}

// Close is a courtesy no-op: handles are owned and closed by the cache's
// eviction callback, matching the teacher's own filecache usage pattern
// where primary.Get pairs Open with a deferred Close that does not
// actually tear down the shared handle.
func (fc *FileCache) Close(*os.File) {}

// SetCacheSize adjusts capacity at runtime, per the teacher's
// Store.SetFileCacheSize.
func (fc *FileCache) SetCacheSize(size int) {
	fc.cache.SetCapacity(uint64(size))
}

// Clear closes every cached handle, used on Close of the owning store.
func (fc *FileCache) Clear() {
	fc.cache.DeleteAll()
}

func (fc *FileCache) Stop() {
	fc.cache.Stop()
}
