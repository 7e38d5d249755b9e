// Package cache implements the tunable-eviction node cache from spec.md
// 4.2: keyed by (file_id, offset), pluggable Immediate or Probabilistic
// eviction, and a GetOrInsert hot path where concurrent callers for the
// same key observe a single materialization. That last requirement is
// exactly golang.org/x/sync/singleflight's contract, the same dependency
// the teacher's own go.mod carries for its I/O fan-in.
package cache

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/rpcpool/vectorhash/internal/errs"
	"github.com/rpcpool/vectorhash/internal/lazy"
)

// Strategy selects the eviction policy, per spec.md 4.2.
type Strategy int

const (
	Immediate Strategy = iota
	Probabilistic
)

type entry[V any] struct {
	value V
	stamp uint32
}

// Cache is the LRU-with-pluggable-eviction node cache. V is typically a
// *MergedNode; the cache stores deserialized handles, not raw bytes (that
// layer is RawByteCache, backed by bigcache, in bytecache.go).
type Cache[V any] struct {
	strategy Strategy
	capacity int
	// freq: on overflow under Probabilistic, eviction triggers with
	// probability 1/freq.
	freq uint32
	// lambda: the decay rate in 1 - e^(-lambda*age).
	lambda float64

	mu      sync.Mutex
	entries map[lazy.FileIndex]*entry[V]
	counter atomic.Uint32

	sf singleflight.Group

	hits, misses prometheus.Counter
	evictions    prometheus.Counter
}

func NewImmediate[V any](capacity int) *Cache[V] {
	return newCache[V](Immediate, capacity, 0, 0)
}

func NewProbabilistic[V any](capacity int, freq uint32, lambda float64) *Cache[V] {
	return newCache[V](Probabilistic, capacity, freq, lambda)
}

func newCache[V any](s Strategy, capacity int, freq uint32, lambda float64) *Cache[V] {
	return &Cache[V]{
		strategy: s,
		capacity: capacity,
		freq:     freq,
		lambda:   lambda,
		entries:  make(map[lazy.FileIndex]*entry[V]),
		hits:     prometheus.NewCounter(prometheus.CounterOpts{Name: "vectorhash_cache_hits_total"}),
		misses:   prometheus.NewCounter(prometheus.CounterOpts{Name: "vectorhash_cache_misses_total"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{Name: "vectorhash_cache_evictions_total"}),
	}
}

// CounterAge computes the 32-bit-wraparound-aware age between the current
// global counter and an entry's stamp, per spec.md 4.2 invariant and
// spec.md 8 invariant 6.
func CounterAge(global, stamp uint32) uint32 {
	if global >= stamp {
		return global - stamp
	}
	return (math.MaxUint32 - stamp) + global + 1
}

func (c *Cache[V]) bump() uint32 {
	return c.counter.Add(1)
}

// Get returns the cached value for key, bumping the global counter and the
// entry's stamp on every access (spec.md 4.2).
func (c *Cache[V]) Get(key lazy.FileIndex) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		c.misses.Inc()
		return zero, false
	}
	e.stamp = c.bump()
	c.hits.Inc()
	return e.value, true
}

// Insert adds or replaces key's value, then runs eviction if capacity is
// exceeded. Eviction may transiently exceed capacity (spec.md 4.2).
func (c *Cache[V]) Insert(key lazy.FileIndex, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(key, value)
}

func (c *Cache[V]) insertLocked(key lazy.FileIndex, value V) {
	c.entries[key] = &entry[V]{value: value, stamp: c.bump()}
	if len(c.entries) > c.capacity {
		c.evictLocked()
	}
}

func (c *Cache[V]) evictLocked() {
	switch c.strategy {
	case Immediate:
		c.evictImmediateLocked()
	case Probabilistic:
		c.evictProbabilisticLocked()
	}
}

// evictImmediateLocked evicts the single entry with the smallest stamp,
// per spec.md 4.2 and the invariant in spec.md 8 (#8): map size stays at
// most capacity + (concurrent inserters - 1).
func (c *Cache[V]) evictImmediateLocked() {
	var victim lazy.FileIndex
	var victimStamp uint32
	first := true
	for k, e := range c.entries {
		if first || e.stamp < victimStamp {
			victim = k
			victimStamp = e.stamp
			first = false
		}
	}
	if !first {
		delete(c.entries, victim)
		c.evictions.Inc()
	}
}

// evictProbabilisticLocked triggers with probability 1/freq; when
// triggered, scans entries and evicts each independently with probability
// 1 - e^(-lambda*age), per spec.md 4.2.
func (c *Cache[V]) evictProbabilisticLocked() {
	if c.freq == 0 || rand.Uint32()%c.freq != 0 {
		return
	}
	global := c.counter.Load()
	for k, e := range c.entries {
		age := CounterAge(global, e.stamp)
		p := 1 - math.Exp(-c.lambda*float64(age))
		if rand.Float64() < p {
			delete(c.entries, k)
			c.evictions.Inc()
		}
	}
}

// Factory materializes the value for a cache miss. It must not call back
// into the cache for the same key (spec.md 5's deadlock-avoidance rule:
// "the get_or_insert factory must not call back into the cache for the
// same key").
type Factory[V any] func() (V, error)

// GetOrInsert is the concurrency-safe hot path (spec.md 4.2): if key is
// absent, factory runs once under a per-key singleflight group, so
// concurrent callers for the same key observe a single materialization. A
// factory error leaves no partial entry and triggers no eviction.
func (c *Cache[V]) GetOrInsert(key lazy.FileIndex, factory Factory[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.sf.Do(key.String(), func() (any, error) {
		// Re-check under the singleflight key: another caller may have
		// finished materializing while we were waiting to enter Do.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		value, ferr := factory()
		if ferr != nil {
			return nil, errs.StorageIOErr("cache.GetOrInsert", ferr)
		}
		c.Insert(key, value)
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Evict removes key unconditionally, e.g. when a write invalidates a
// cached node.
func (c *Cache[V]) Evict(key lazy.FileIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
