// Package cache is the durable key-value cache with optional expiry. The
// engine is the source of truth; an optional hot layer serves repeat reads.
package cache

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/depot/internal/cache/hot"
	"goflare.io/depot/internal/config"
	"goflare.io/depot/internal/engine"
	"goflare.io/depot/internal/models"
	"goflare.io/depot/internal/utils"
	"goflare.io/depot/pkg/serialization"
)

// Manager stores values in the cache partition.
type Manager struct {
	db      *engine.DB
	hot     *hot.Cache
	codec   serialization.Codec
	clock   func() time.Time
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *models.Metrics

	// stripes order the engine write and the hot-layer update for one key.
	stripes []sync.Mutex
}

// New creates a Manager over db.
func New(db *engine.DB, cfg *config.Config) (*Manager, error) {
	m := &Manager{
		db:      db,
		codec:   cfg.Serialization,
		clock:   cfg.Clock,
		logger:  cfg.Logger.Named("cache"),
		tracer:  otel.Tracer("depot/cache"),
		metrics: models.NewMetrics(),
		stripes: make([]sync.Mutex, cfg.ShardCount),
	}
	if cfg.HotCache.Enabled {
		h, err := hot.New(cfg.HotCache.MaxCost, m.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create hot cache: %w", err)
		}
		m.hot = h
	}
	return m, nil
}

type setOptions struct {
	ttl  time.Duration
	tags map[string]string
}

// SetOption customizes a Set call.
type SetOption func(*setOptions)

// WithTTL makes the entry expire d after it is written.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = d }
}

// WithTags attaches metadata to the entry.
func WithTags(tags map[string]string) SetOption {
	return func(o *setOptions) { o.tags = maps.Clone(tags) }
}

func (m *Manager) stripe(key string) *sync.Mutex {
	return &m.stripes[utils.ShardIndex(uint64(len(m.stripes)), key)]
}

// Set overwrites key with value. Without WithTTL the entry never expires.
func (m *Manager) Set(ctx context.Context, key string, value any, opts ...SetOption) error {
	ctx, span := m.tracer.Start(ctx, "Cache.Set", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if key == "" {
		return engine.ErrEmptyKey
	}
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := m.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", key, err)
	}
	now := m.clock()
	entry := models.NewCacheEntry(key, payload, now, o.ttl, o.tags)
	data, err := m.codec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry for %s: %w", key, err)
	}

	mu := m.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	if err := m.db.Update(ctx, engine.PartitionCache, func(tx engine.Tx) error {
		return tx.Put(engine.Record{Key: key, Value: data, ExpiresAt: entry.Deadline()})
	}); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	if m.hot != nil {
		m.hot.Set(entry, now)
	}
	return nil
}

// Get decodes the value stored under key into dst. It reports false when the
// key is absent or expired; an expired entry is removed.
func (m *Manager) Get(ctx context.Context, key string, dst any) (bool, error) {
	entry, found, err := m.entry(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := m.codec.Unmarshal(entry.Payload, dst); err != nil {
		return false, fmt.Errorf("failed to decode value for %s: %w", key, err)
	}
	return true, nil
}

// Entry returns a copy of the stored envelope for key, with the same expiry
// rules as Get.
func (m *Manager) Entry(ctx context.Context, key string) (*models.CacheEntry, bool, error) {
	entry, found, err := m.entry(ctx, key)
	if !found || err != nil {
		return nil, found, err
	}
	return entry.Clone(), true, nil
}

// entry returns the live envelope, which may be shared with the hot layer.
func (m *Manager) entry(ctx context.Context, key string) (*models.CacheEntry, bool, error) {
	ctx, span := m.tracer.Start(ctx, "Cache.Get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	now := m.clock()
	if m.hot != nil {
		if entry, ok := m.hot.Get(key, now); ok {
			m.metrics.Hits.Inc()
			m.metrics.HotHits.Inc()
			span.SetAttributes(attribute.Bool("hot", true))
			return entry, true, nil
		}
	}

	mu := m.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	entry, found, err := m.load(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		m.metrics.Misses.Inc()
		m.logger.Debug("Cache miss", zap.String("key", key))
		return nil, false, nil
	}

	if entry.IsExpired(now) {
		if err := m.evict(ctx, key, now); err != nil {
			m.logger.Warn("Failed to evict expired entry", zap.String("key", key), zap.Error(err))
		}
		m.metrics.Misses.Inc()
		return nil, false, nil
	}

	if m.hot != nil {
		m.hot.Set(entry, now)
	}
	m.metrics.Hits.Inc()
	return entry, true, nil
}

func (m *Manager) load(ctx context.Context, key string) (*models.CacheEntry, bool, error) {
	var rec engine.Record
	var found bool
	if err := m.db.View(ctx, engine.PartitionCache, func(tx engine.Tx) error {
		var err error
		rec, found, err = tx.Get(key)
		return err
	}); err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !found {
		return nil, false, nil
	}

	entry := new(models.CacheEntry)
	if err := m.codec.Unmarshal(rec.Value, entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode entry for %s: %w", key, err)
	}
	return entry, true, nil
}

// evict deletes key if it is still expired inside the write transaction, so a
// concurrent refresh is never lost.
func (m *Manager) evict(ctx context.Context, key string, now time.Time) error {
	removed := false
	err := m.db.Update(ctx, engine.PartitionCache, func(tx engine.Tx) error {
		rec, ok, err := tx.Get(key)
		if err != nil || !ok || !rec.Expired(now) {
			return err
		}
		removed = true
		return tx.Delete(key)
	})
	if m.hot != nil {
		m.hot.Delete(key)
	}
	if removed {
		m.metrics.Evictions.Inc()
		m.logger.Debug("Evicted expired entry", zap.String("key", key))
	}
	return err
}

// Delete removes key. Removing a missing key is not an error.
func (m *Manager) Delete(ctx context.Context, key string) error {
	ctx, span := m.tracer.Start(ctx, "Cache.Delete", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	mu := m.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	if err := m.db.Update(ctx, engine.PartitionCache, func(tx engine.Tx) error {
		return tx.Delete(key)
	}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if m.hot != nil {
		m.hot.Delete(key)
	}
	return nil
}

// ClearExpired scans the whole partition and removes every expired entry in
// one transaction. It returns the number removed.
func (m *Manager) ClearExpired(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "Cache.ClearExpired")
	defer span.End()

	now := m.clock()
	var expired []string
	err := m.db.Update(ctx, engine.PartitionCache, func(tx engine.Tx) error {
		expired = expired[:0]
		if err := tx.Scan(func(rec engine.Record) bool {
			if rec.Expired(now) {
				expired = append(expired, rec.Key)
			}
			return true
		}); err != nil {
			return err
		}
		for _, key := range expired {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear expired cache entries: %w", err)
	}

	if m.hot != nil {
		for _, key := range expired {
			m.hot.Delete(key)
		}
	}
	m.metrics.Evictions.Add(int64(len(expired)))
	span.SetAttributes(attribute.Int("removed", len(expired)))
	return len(expired), nil
}

// Purge drops the hot layer. Call it after the partition changes underneath
// the manager, as on import or clear.
func (m *Manager) Purge() {
	if m.hot != nil {
		m.hot.Clear()
	}
}

// Metrics returns the read counters.
func (m *Manager) Metrics() models.MetricsSnapshot {
	return m.metrics.Snapshot()
}

// Close releases the hot layer.
func (m *Manager) Close() error {
	if m.hot != nil {
		m.hot.Close()
	}
	return nil
}
