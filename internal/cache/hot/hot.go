// Package hot is an in-process read layer for cache entries. It never holds
// anything the engine does not, so a miss here only means "ask the engine".
package hot

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"goflare.io/depot/internal/models"
)

const entryOverhead = 64

// Cache is a cost-bounded ristretto cache of decoded envelopes.
type Cache struct {
	cache  *ristretto.Cache[string, *models.CacheEntry]
	logger *zap.Logger
}

// New creates a Cache bounded by maxCost bytes of payload.
func New(maxCost int64, logger *zap.Logger) (*Cache, error) {
	if maxCost <= 0 {
		return nil, fmt.Errorf("hot cache max cost must be positive, got %d", maxCost)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	numCounters := maxCost / 100
	if numCounters < 1000 {
		numCounters = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, *models.CacheEntry]{
		NumCounters:        numCounters,
		MaxCost:            maxCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	return &Cache{cache: c, logger: logger}, nil
}

// Set stores entry until its deadline. Entries already expired at now are
// dropped instead. Set returns once the entry is visible to Get, unless the
// admission policy rejected it.
func (c *Cache) Set(entry *models.CacheEntry, now time.Time) {
	var ttl time.Duration
	if deadline := entry.Deadline(); !deadline.IsZero() {
		ttl = deadline.Sub(now)
		if ttl <= 0 {
			c.cache.Del(entry.Key)
			return
		}
	}

	cost := int64(len(entry.Key)+len(entry.Payload)) + entryOverhead
	if !c.cache.SetWithTTL(entry.Key, entry, cost, ttl) {
		c.logger.Debug("Hot cache rejected entry", zap.String("key", entry.Key))
		c.cache.Del(entry.Key)
		return
	}
	c.cache.Wait()
}

// Get returns the entry for key if it is held and unexpired at now.
func (c *Cache) Get(key string, now time.Time) (*models.CacheEntry, bool) {
	entry, found := c.cache.Get(key)
	if !found || entry == nil {
		return nil, false
	}
	if entry.IsExpired(now) {
		c.cache.Del(key)
		return nil, false
	}
	return entry, true
}

// Delete drops key.
func (c *Cache) Delete(key string) {
	c.cache.Del(key)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.cache.Clear()
}

// Close releases the cache's goroutines.
func (c *Cache) Close() {
	c.cache.Close()
}
