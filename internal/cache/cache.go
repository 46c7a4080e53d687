// Package cache provides the process-wide LRU caches described in spec §5
// ("Shared resources"): a block cache and a sparse-index cache, both global
// by construction (constructed once at process start and passed by
// reference — design note "no singletons"), plus a partitioned-mutex cache
// for HNSW indexes whose fork operation must serialize concurrent forks of
// the same source index.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Of is a generic LRU cache keyed by K holding values V, built on
// hashicorp/golang-lru (erigon-lib dependency). Concurrency safety comes from
// lru.Cache's own internal lock; this wrapper exists so callers depend on a
// narrow interface instead of the concrete type.
type Of[K comparable, V any] struct {
	inner *lru.Cache[K, V]
}

// New builds a cache capped at size entries.
func New[K comparable, V any](size int) (*Of[K, V], error) {
	c, err := lru.New[K, V](size)
	if err != nil {
		return nil, err
	}
	return &Of[K, V]{inner: c}, nil
}

func (c *Of[K, V]) Get(key K) (V, bool) { return c.inner.Get(key) }
func (c *Of[K, V]) Add(key K, value V)  { c.inner.Add(key, value) }
func (c *Of[K, V]) Remove(key K)        { c.inner.Remove(key) }
func (c *Of[K, V]) Len() int            { return c.inner.Len() }
func (c *Of[K, V]) Purge()              { c.inner.Purge() }

// PartitionedMutex hands out a per-key mutex from a fixed-size shard table,
// so that concurrent forks of distinct HNSW indexes don't contend while
// concurrent forks of the *same* index are serialized (spec §5: "filesystem
// operations on the 4 sidecar files are not atomic").
type PartitionedMutex struct {
	shards []sync.Mutex
}

func NewPartitionedMutex(shardCount int) *PartitionedMutex {
	if shardCount <= 0 {
		shardCount = 64
	}
	return &PartitionedMutex{shards: make([]sync.Mutex, shardCount)}
}

func (p *PartitionedMutex) shardFor(key string) *sync.Mutex {
	h := fnv32(key)
	return &p.shards[int(h)%len(p.shards)]
}

// Lock acquires the shard mutex for key and returns the unlock func.
func (p *PartitionedMutex) Lock(key string) func() {
	m := p.shardFor(key)
	m.Lock()
	return m.Unlock
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
