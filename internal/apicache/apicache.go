// Package apicache memoizes responses of idempotent remote reads.
package apicache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/depot/internal/config"
	"goflare.io/depot/internal/engine"
	"goflare.io/depot/internal/models"
	"goflare.io/depot/pkg/serialization"
)

// FetchFunc loads a response on a cache miss.
type FetchFunc func(ctx context.Context) (any, error)

// Cache stores responses in the api-cache partition keyed by request.
type Cache struct {
	db         *engine.DB
	codec      serialization.Codec
	clock      func() time.Time
	defaultTTL time.Duration
	logger     *zap.Logger
	tracer     trace.Tracer
	metrics    *models.Metrics

	filter *keyFilter
	sf     singleflight.Group
}

// New creates a Cache over db.
func New(db *engine.DB, cfg *config.Config) *Cache {
	logger := cfg.Logger.Named("apicache")
	return &Cache{
		db:         db,
		codec:      cfg.Serialization,
		clock:      cfg.Clock,
		defaultTTL: cfg.APICache.DefaultTTL,
		logger:     logger,
		tracer:     otel.Tracer("depot/apicache"),
		metrics:    models.NewMetrics(),
		filter:     newKeyFilter(cfg.APICache.BloomFilter, logger),
	}
}

// RequestKey builds the cache key of a request from its method and URL.
func RequestKey(method, url string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + " " + strings.TrimSpace(url)
}

// Put stores response under requestKey for ttl, or the default TTL when ttl
// is omitted or not positive.
func (c *Cache) Put(ctx context.Context, requestKey string, response any, ttl ...time.Duration) error {
	ctx, span := c.tracer.Start(ctx, "APICache.Put", trace.WithAttributes(attribute.String("request", requestKey)))
	defer span.End()

	payload, err := c.codec.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to encode response for %s: %w", requestKey, err)
	}
	return c.put(ctx, requestKey, payload, c.ttl(ttl...))
}

func (c *Cache) ttl(ttl ...time.Duration) time.Duration {
	if len(ttl) > 0 && ttl[0] > 0 {
		return ttl[0]
	}
	return c.defaultTTL
}

func (c *Cache) put(ctx context.Context, requestKey string, payload []byte, ttl time.Duration) error {
	if requestKey == "" {
		return engine.ErrEmptyKey
	}
	now := c.clock()
	entry := models.APICacheEntry{
		RequestKey: requestKey,
		Response:   payload,
		StoredAt:   now,
		ExpiresAt:  now.Add(ttl),
	}
	data, err := c.codec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry for %s: %w", requestKey, err)
	}

	if err := c.db.Update(ctx, engine.PartitionAPICache, func(tx engine.Tx) error {
		return tx.Put(engine.Record{Key: requestKey, Value: data, ExpiresAt: entry.ExpiresAt})
	}); err != nil {
		return fmt.Errorf("failed to store response for %s: %w", requestKey, err)
	}
	c.filter.Add(requestKey)
	return nil
}

// Get decodes the response stored for requestKey into dst. Expired responses
// are removed and reported as absent.
func (c *Cache) Get(ctx context.Context, requestKey string, dst any) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "APICache.Get", trace.WithAttributes(attribute.String("request", requestKey)))
	defer span.End()

	entry, found, err := c.entry(ctx, requestKey)
	if err != nil || !found {
		return false, err
	}
	if err := c.codec.Unmarshal(entry.Response, dst); err != nil {
		return false, fmt.Errorf("failed to decode response for %s: %w", requestKey, err)
	}
	return true, nil
}

func (c *Cache) entry(ctx context.Context, requestKey string) (*models.APICacheEntry, bool, error) {
	if !c.filter.MayContain(ctx, c.db, requestKey) {
		c.metrics.Misses.Inc()
		return nil, false, nil
	}

	var rec engine.Record
	var found bool
	if err := c.db.View(ctx, engine.PartitionAPICache, func(tx engine.Tx) error {
		var err error
		rec, found, err = tx.Get(requestKey)
		return err
	}); err != nil {
		return nil, false, fmt.Errorf("failed to read response for %s: %w", requestKey, err)
	}
	if !found {
		c.metrics.Misses.Inc()
		return nil, false, nil
	}

	entry := new(models.APICacheEntry)
	if err := c.codec.Unmarshal(rec.Value, entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode entry for %s: %w", requestKey, err)
	}

	now := c.clock()
	if entry.IsExpired(now) {
		if err := c.evict(ctx, requestKey, now); err != nil {
			c.logger.Warn("Failed to evict expired response", zap.String("request", requestKey), zap.Error(err))
		}
		c.metrics.Misses.Inc()
		return nil, false, nil
	}
	c.metrics.Hits.Inc()
	return entry, true, nil
}

func (c *Cache) evict(ctx context.Context, requestKey string, now time.Time) error {
	removed := false
	err := c.db.Update(ctx, engine.PartitionAPICache, func(tx engine.Tx) error {
		rec, ok, err := tx.Get(requestKey)
		if err != nil || !ok || !rec.Expired(now) {
			return err
		}
		removed = true
		return tx.Delete(requestKey)
	})
	if err == nil && removed {
		c.metrics.Evictions.Inc()
	}
	return err
}

// GetOrFetch serves requestKey from the cache or, on a miss, calls fetch and
// stores its result. Concurrent misses for one key share a single fetch.
func (c *Cache) GetOrFetch(ctx context.Context, requestKey string, ttl time.Duration, fetch FetchFunc, dst any) error {
	ctx, span := c.tracer.Start(ctx, "APICache.GetOrFetch", trace.WithAttributes(attribute.String("request", requestKey)))
	defer span.End()

	found, err := c.Get(ctx, requestKey, dst)
	if err != nil || found {
		return err
	}

	v, err, shared := c.sf.Do(requestKey, func() (any, error) {
		if entry, ok, err := c.entry(ctx, requestKey); err == nil && ok {
			return entry.Response, nil
		}
		response, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		payload, err := c.codec.Marshal(response)
		if err != nil {
			return nil, fmt.Errorf("failed to encode response for %s: %w", requestKey, err)
		}
		if err := c.put(ctx, requestKey, payload, c.ttl(ttl)); err != nil {
			c.logger.Warn("Failed to cache fetched response", zap.String("request", requestKey), zap.Error(err))
		}
		return payload, nil
	})
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Bool("shared", shared))
	return c.codec.Unmarshal(v.([]byte), dst)
}

// Delete removes requestKey. Removing a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, requestKey string) error {
	if err := c.db.Update(ctx, engine.PartitionAPICache, func(tx engine.Tx) error {
		return tx.Delete(requestKey)
	}); err != nil {
		return fmt.Errorf("failed to delete response for %s: %w", requestKey, err)
	}
	return nil
}

// ClearExpired removes every expired response using the expiry index.
func (c *Cache) ClearExpired(ctx context.Context) (int, error) {
	ctx, span := c.tracer.Start(ctx, "APICache.ClearExpired")
	defer span.End()

	now := c.clock()
	removed := 0
	err := c.db.Update(ctx, engine.PartitionAPICache, func(tx engine.Tx) error {
		keys, err := tx.ExpiredKeys(now)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear expired responses: %w", err)
	}
	c.metrics.Evictions.Add(int64(removed))
	span.SetAttributes(attribute.Int("removed", removed))
	return removed, nil
}

// ResetFilter marks the key filter stale. Call it after the partition is
// cleared or imported underneath the cache.
func (c *Cache) ResetFilter() {
	c.filter.Reset()
}

// RebuildFilter rebuilds the key filter from storage now.
func (c *Cache) RebuildFilter(ctx context.Context) error {
	return c.filter.Rebuild(ctx, c.db)
}

// Metrics returns the read counters.
func (c *Cache) Metrics() models.MetricsSnapshot {
	return c.metrics.Snapshot()
}
