package services

import (
	"hash/fnv"
	"sync"
	"time"
)

const nonceShards = 32

type nonceShard struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NonceCache remembers signed requests until their timestamp leaves the
// skew window. CheckAndStore is atomic per entry.
type NonceCache struct {
	shards [nonceShards]*nonceShard
}

// NewNonceCache creates an empty cache
func NewNonceCache() *NonceCache {
	c := &NonceCache{}
	for i := range c.shards {
		c.shards[i] = &nonceShard{entries: make(map[string]time.Time)}
	}
	return c
}

func (c *NonceCache) shard(key string) *nonceShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%nonceShards]
}

// CheckAndStore records key until expiresAt. It returns false when key is
// already recorded and still live at now.
func (c *NonceCache) CheckAndStore(key string, expiresAt, now time.Time) bool {
	sh := c.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if exp, ok := sh.entries[key]; ok && !now.After(exp) {
		return false
	}
	sh.entries[key] = expiresAt
	return true
}

// Sweep evicts expired entries and returns how many were dropped
func (c *NonceCache) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		for key, exp := range sh.entries {
			if now.After(exp) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of cached entries
func (c *NonceCache) Len() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
