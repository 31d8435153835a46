package embedder

import (
	"context"
	"sync"
	"time"
)

// CacheConfig controls the embedding cache.
type CacheConfig struct {
	// Enabled gates the cache. When false, Get always misses and Set is a
	// no-op.
	Enabled bool
	// MaxItems is the capacity before LRU eviction kicks in.
	MaxItems int
	// TTL is how long an entry stays valid after creation.
	TTL time.Duration

	// OnHit and OnMiss are called once per lookup outcome. Optional.
	OnHit  func()
	OnMiss func()
	// OnSize is called with the entry count after every mutation. Optional.
	OnSize func(n int)
}

// cacheEntry tracks a memoised embedding with its access metadata.
type cacheEntry struct {
	embedding    []float32
	createdAt    time.Time
	lastAccessAt time.Time
	accessCount  int64
}

// Cache memoises embeddings by content hash with LRU eviction and TTL
// expiry. Safe for concurrent use.
type Cache struct {
	cfg CacheConfig

	mu      sync.Mutex
	entries map[string]*cacheEntry

	hits   int64
	misses int64

	now func() time.Time
}

// NewCache creates a cache, applying defaults for zero values.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 10000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached vector for a content hash. A hit refreshes the
// access metadata. Expired entries miss and are removed.
func (c *Cache) Get(contentHash string) ([]float32, bool) {
	if !c.cfg.Enabled {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[contentHash]
	if !ok {
		c.missLocked()
		return nil, false
	}

	now := c.now()
	if now.Sub(entry.createdAt) > c.cfg.TTL {
		delete(c.entries, contentHash)
		c.sizeLocked()
		c.missLocked()
		return nil, false
	}

	entry.lastAccessAt = now
	entry.accessCount++
	c.hits++
	if c.cfg.OnHit != nil {
		c.cfg.OnHit()
	}
	return entry.embedding, true
}

// Set stores a vector under its content hash, evicting the least recently
// used entry when at capacity.
func (c *Cache) Set(contentHash string, embedding []float32) {
	if !c.cfg.Enabled || contentHash == "" || len(embedding) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, ok := c.entries[contentHash]; !ok && len(c.entries) >= c.cfg.MaxItems {
		c.evictLocked()
	}
	c.entries[contentHash] = &cacheEntry{
		embedding:    embedding,
		createdAt:    now,
		lastAccessAt: now,
	}
	c.sizeLocked()
}

// missLocked and sizeLocked must be called with c.mu held.
func (c *Cache) missLocked() {
	c.misses++
	if c.cfg.OnMiss != nil {
		c.cfg.OnMiss()
	}
}

func (c *Cache) sizeLocked() {
	if c.cfg.OnSize != nil {
		c.cfg.OnSize(len(c.entries))
	}
}

// evictLocked removes the LRU entry, breaking ties on access count.
func (c *Cache) evictLocked() {
	var victim string
	var victimEntry *cacheEntry
	for hash, entry := range c.entries {
		if victimEntry == nil ||
			entry.lastAccessAt.Before(victimEntry.lastAccessAt) ||
			(entry.lastAccessAt.Equal(victimEntry.lastAccessAt) && entry.accessCount < victimEntry.accessCount) {
			victim = hash
			victimEntry = entry
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}

// SweepExpired removes entries past their TTL and returns how many were
// dropped.
func (c *Cache) SweepExpired() int {
	if !c.cfg.Enabled {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	dropped := 0
	for hash, entry := range c.entries {
		if now.Sub(entry.createdAt) > c.cfg.TTL {
			delete(c.entries, hash)
			dropped++
		}
	}
	if dropped > 0 {
		c.sizeLocked()
	}
	return dropped
}

// StartSweeper runs SweepExpired periodically until the context is cancelled.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.SweepExpired()
			}
		}
	}()
}

// CacheStats is a point-in-time snapshot for diagnostics.
type CacheStats struct {
	Enabled bool  `json:"enabled"`
	Items   int   `json:"items"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Stats returns current cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Enabled: c.cfg.Enabled,
		Items:   len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
	}
}
