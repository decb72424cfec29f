package filecache

import (
	"sync"

	"github.com/dchest/siphash"
	"golang.org/x/sync/singleflight"
)

const defaultShards = 16

// k0/k1 are a fixed siphash key pair. The cache is not a security
// boundary (paths are not attacker-controlled in the threat model this
// engine operates under); the fixed key only needs to spread paths
// evenly across shards, not resist deliberate collision construction.
const (
	k0 = 0x9ae16a3b2f90404f
	k1 = 0xc2b2ae3d27d4eb4f
)

type shard struct {
	mu       sync.RWMutex
	sizes    map[string]int64
	pending  map[string]struct{}
	capacity int
}

// Cache is a process-wide, sharded file-size lookup cache. Reads
// (GetOrStat hitting the cache) only ever take a shard's RLock; a miss
// takes the Lock just long enough to insert. GetOrStat's concurrent
// misses for the same path are coalesced through a singleflight.Group
// so only one blocking Stat call actually reaches the filesystem; that
// fits GetOrStat's synchronous, call-and-block shape. The ring-driven
// engine never calls GetOrStat — its statx phase is asynchronous, so
// blocking a driver goroutine inside a singleflight callback would
// stall that driver's whole completion loop. It instead coalesces
// through ClaimStatx/UnclaimStatx: the first chain to miss for a path
// claims it and submits the real STATX; any other chain for the same
// still-pending path is told to wait and retries on its next fill
// cycle, by which point the claiming chain's STATX has populated (or
// failed to populate) the cache.
type Cache struct {
	shards []shard
	mask   uint64
	group  singleflight.Group
	stat   func(path string) (int64, error)
}

// New creates a Cache whose total capacity (summed across shards) is
// approximately capacity entries. statFn performs the actual size
// lookup on a GetOrStat miss (in the real engine, a plain os.Stat; the
// ring-based STATX phase fills the cache through Seed instead; tests
// supply a stub).
func New(capacity int, statFn func(path string) (int64, error)) *Cache {
	n := defaultShards
	if capacity > 0 && capacity < n {
		n = 1
	}
	perShard := capacity / n
	if perShard <= 0 {
		perShard = 1 << 20 // effectively unbounded when capacity <= 0
	}
	c := &Cache{
		shards: make([]shard, n),
		mask:   uint64(n - 1),
		stat:   statFn,
	}
	for i := range c.shards {
		c.shards[i].sizes = make(map[string]int64)
		c.shards[i].capacity = perShard
	}
	return c
}

func (c *Cache) shardFor(path string) *shard {
	h := siphash.Hash(k0, k1, []byte(path))
	return &c.shards[h&c.mask]
}

// Peek returns a cached size without invoking statFn.
func (c *Cache) Peek(path string) (int64, bool) {
	s := c.shardFor(path)
	s.mu.RLock()
	defer s.mu.RUnlock()
	size, ok := s.sizes[path]
	return size, ok
}

// GetOrStat returns path's cached size, calling statFn (at most once
// across however many concurrent callers ask for the same path
// simultaneously) and caching the result on a miss.
func (c *Cache) GetOrStat(path string) (int64, error) {
	if size, ok := c.Peek(path); ok {
		return size, nil
	}

	v, err, _ := c.group.Do(path, func() (interface{}, error) {
		size, err := c.stat(path)
		if err != nil {
			return int64(0), err
		}
		c.insert(path, size)
		return size, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Seed inserts a known size for path without going through statFn or
// the singleflight group. Used by callers that obtained the size some
// other way (e.g. the engine's own ring-based STATX phase) and simply
// want to populate the cache for future lookups. Seed also clears any
// pending ClaimStatx claim on path, releasing chains waiting on it.
func (c *Cache) Seed(path string, size int64) {
	c.insert(path, size)
	c.UnclaimStatx(path)
}

// ClaimStatx reports whether the caller is responsible for resolving
// path's size via its own asynchronous stat mechanism. It returns true
// (the caller becomes the leader and must eventually call Seed or
// UnclaimStatx on path) at most once per path while a claim is
// outstanding; concurrent callers for the same unresolved path get
// false and should leave their operation queued to retry later rather
// than issue a duplicate stat.
func (c *Cache) ClaimStatx(path string) bool {
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = make(map[string]struct{})
	}
	if _, ok := s.pending[path]; ok {
		return false
	}
	s.pending[path] = struct{}{}
	return true
}

// UnclaimStatx releases path's pending claim without caching a result,
// e.g. because the leader's stat attempt failed. Callers that were
// waiting on the claim become eligible to claim it themselves on their
// next retry, so the failure is surfaced to them too rather than
// silently stalling forever.
func (c *Cache) UnclaimStatx(path string) {
	s := c.shardFor(path)
	s.mu.Lock()
	delete(s.pending, path)
	s.mu.Unlock()
}

// Invalidate removes path from the cache, if present.
func (c *Cache) Invalidate(path string) {
	s := c.shardFor(path)
	s.mu.Lock()
	delete(s.sizes, path)
	s.mu.Unlock()
}

func (c *Cache) insert(path string, size int64) {
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sizes) >= s.capacity {
		// Bounded, not LRU: evict one arbitrary entry. Go's map
		// iteration order is randomized per run, which is enough to
		// avoid always evicting the same unlucky key.
		for k := range s.sizes {
			delete(s.sizes, k)
			break
		}
	}
	s.sizes[path] = size
}
