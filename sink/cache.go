package sink

import (
	"context"
	"sync"
	"time"

	"tickerflow/logger"
	"tickerflow/models"
)

// CacheSink keeps the most recent tick per pair with a TTL, serving
// read paths that tolerate slightly stale data without touching the
// store.
type CacheSink struct {
	ttl time.Duration
	log *logger.Entry

	mu      sync.RWMutex
	entries map[models.Key]cacheEntry
}

type cacheEntry struct {
	tick      models.Tick
	expiresAt time.Time
}

func NewCacheSink(ttl time.Duration) *CacheSink {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CacheSink{
		ttl:     ttl,
		log:     logger.GetLogger().WithComponent("cache_sink"),
		entries: make(map[models.Key]cacheEntry),
	}
}

func (c *CacheSink) Name() string { return "cache" }

func (c *CacheSink) Send(ctx context.Context, batch models.TickBatch) error {
	now := time.Now()
	expiresAt := now.Add(c.ttl)

	c.mu.Lock()
	for _, tick := range batch.Ticks {
		c.entries[tick.Key()] = cacheEntry{tick: tick, expiresAt: expiresAt}
	}
	// Evict whatever expired while we hold the lock anyway.
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
	return nil
}

// Get returns the cached tick for key if it has not expired.
func (c *CacheSink) Get(key models.Key) (models.Tick, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		return models.Tick{}, false
	}
	return e.tick, true
}

// Len reports the number of unexpired entries.
func (c *CacheSink) Len() int {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, e := range c.entries {
		if !now.After(e.expiresAt) {
			n++
		}
	}
	return n
}
