package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// entry is a cached value with its expiry instant
type entry struct {
	value     string
	expiresAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// Cache is a sharded key/value read cache with per-entry TTL.
// Keys are composites of column family and record key so that column
// family isolation survives the cache layer.
type Cache struct {
	shards [shardCount]*shard
	ttl    time.Duration
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a cache whose entries live for ttl and starts the
// background sweeper.
func New(ttl time.Duration) *Cache {
	c := &Cache{
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]entry)}
	}

	c.wg.Add(1)
	go c.sweep()
	return c
}

// Key builds the composite cache key for a column family and record key
func Key(cf, key string) string {
	return cf + "\x00" + key
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the cached value for key. An entry at or past its expiry
// is treated as absent and dropped.
func (c *Cache) Get(key string) (string, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !e.expiresAt.After(time.Now()) {
		s.mu.Lock()
		// Re-check under the write lock; a Set may have raced us.
		if cur, ok := s.entries[key]; ok && !cur.expiresAt.After(time.Now()) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return "", false
	}
	return e.value, true
}

// Set stores value under key with the configured TTL
func (c *Cache) Set(key, value string) {
	s := c.shardFor(key)
	s.mu.Lock()
	s.entries[key] = entry{value: value, expiresAt: time.Now().Add(c.ttl)}
	s.mu.Unlock()
}

// Invalidate removes key from the cache
func (c *Cache) Invalidate(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Len returns the number of resident entries, expired or not
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Stop terminates the sweeper
func (c *Cache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// sweepInterval derives the sweeper period from the TTL, clamped to
// [1s, 60s] so short TTLs do not spin and long TTLs still reclaim memory.
func (c *Cache) sweepInterval() time.Duration {
	iv := c.ttl / 10
	if iv < time.Second {
		iv = time.Second
	}
	if iv > time.Minute {
		iv = time.Minute
	}
	return iv
}

func (c *Cache) sweep() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for _, s := range c.shards {
				s.mu.Lock()
				for k, e := range s.entries {
					if !e.expiresAt.After(now) {
						delete(s.entries, k)
					}
				}
				s.mu.Unlock()
			}
		case <-c.stopCh:
			return
		}
	}
}
