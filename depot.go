// Package depot is an offline storage and sync layer: a durable cache with
// expiry, an outbox of pending remote writes and the engine that replays it.
package depot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"goflare.io/depot/internal/apicache"
	"goflare.io/depot/internal/cache"
	"goflare.io/depot/internal/config"
	"goflare.io/depot/internal/engine"
	"goflare.io/depot/internal/maintenance"
	"goflare.io/depot/internal/prefs"
	"goflare.io/depot/internal/queue"
	"goflare.io/depot/internal/syncer"
)

// Depot owns one storage engine and every service built on it.
type Depot struct {
	cfg      *config.Config
	db       *engine.DB
	cache    *cache.Manager
	apiCache *apicache.Cache
	queue    *queue.Queue
	prefs    *prefs.Store
	sync     *syncer.Engine
	sweeper  *maintenance.Scheduler
	stats    *maintenance.Reporter
	logger   *zap.Logger
}

// New builds a Depot. Storage is opened lazily by the first operation; a
// failed open is retried by the next one.
func New(ctx context.Context, opts ...Option) (*Depot, error) {
	o := &options{}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	cfg, err := config.NewConfig(o.config...)
	if err != nil {
		return nil, fmt.Errorf("failed to create config: %w", err)
	}

	if o.backend == nil {
		o.backend = defaultBackend(o)
	}
	eng, estimator, err := o.backend(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage engine: %w", err)
	}
	if o.estimator != nil {
		estimator = o.estimator
	}

	r, err := cfg.InitRetrier()
	if err != nil {
		return nil, fmt.Errorf("failed to create init retrier: %w", err)
	}
	db := engine.NewDB(eng, r, cfg.Logger)

	cm, err := cache.New(db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	d := &Depot{
		cfg:      cfg,
		db:       db,
		cache:    cm,
		apiCache: apicache.New(db, cfg),
		queue:    queue.New(db, cfg),
		prefs:    prefs.New(db, cfg),
		logger:   cfg.Logger,
	}

	var syncOpts []syncer.Option
	if o.applier != nil {
		syncOpts = append(syncOpts, syncer.WithApplier(o.applier))
	}
	if o.connectivity != nil {
		syncOpts = append(syncOpts, syncer.WithConnectivity(o.connectivity))
	}
	d.sync = syncer.New(d.queue, d.prefs, cfg, syncOpts...)
	d.sweeper = maintenance.NewScheduler(d.cache, d.apiCache, cfg)

	reporterOpts := []maintenance.ReporterOption{
		maintenance.WithPrefs(d.prefs),
		maintenance.WithSyncInfo(d.sync),
		maintenance.WithMetrics(d.cache.Metrics, d.apiCache.Metrics),
	}
	if estimator != nil {
		reporterOpts = append(reporterOpts, maintenance.WithEstimator(estimator))
	}
	d.stats = maintenance.NewReporter(db, cfg, reporterOpts...)

	d.logger.Debug("Depot created", zap.String("engine", fmt.Sprintf("%T", eng)))
	return d, nil
}

// Ready opens storage if it is not open yet.
func (d *Depot) Ready(ctx context.Context) error {
	return d.db.Ready(ctx)
}

// SetCache stores value under key. ttl, when positive, bounds its lifetime.
func (d *Depot) SetCache(ctx context.Context, key string, value any, ttl ...time.Duration) error {
	var opts []cache.SetOption
	if len(ttl) > 0 && ttl[0] > 0 {
		opts = append(opts, cache.WithTTL(ttl[0]))
	}
	return d.cache.Set(ctx, key, value, opts...)
}

// SetCacheTagged is SetCache with metadata tags stored alongside the value.
func (d *Depot) SetCacheTagged(ctx context.Context, key string, value any, tags map[string]string, ttl time.Duration) error {
	opts := []cache.SetOption{cache.WithTags(tags)}
	if ttl > 0 {
		opts = append(opts, cache.WithTTL(ttl))
	}
	return d.cache.Set(ctx, key, value, opts...)
}

// GetCache decodes the value under key into dst and reports whether one
// was found. Expired entries are removed and reported as missing.
func (d *Depot) GetCache(ctx context.Context, key string, dst any) (bool, error) {
	return d.cache.Get(ctx, key, dst)
}

// CacheEntry returns the stored envelope of key.
func (d *Depot) CacheEntry(ctx context.Context, key string) (*CacheEntry, bool, error) {
	return d.cache.Entry(ctx, key)
}

// DeleteCache removes key.
func (d *Depot) DeleteCache(ctx context.Context, key string) error {
	return d.cache.Delete(ctx, key)
}

// ClearExpired removes every expired cache entry and returns the count.
func (d *Depot) ClearExpired(ctx context.Context) (int, error) {
	return d.cache.ClearExpired(ctx)
}

// Enqueue records a mutation to apply remotely. Priority defaults to medium.
func (d *Depot) Enqueue(ctx context.Context, op Operation, collection string, payload any, priority ...Priority) (QueueEntry, error) {
	return d.queue.Enqueue(ctx, op, collection, payload, priority...)
}

// List returns queued mutations in replay order, optionally filtered by
// priority.
func (d *Depot) List(ctx context.Context, priorities ...Priority) ([]QueueEntry, error) {
	return d.queue.List(ctx, priorities...)
}

// Remove deletes a queued mutation.
func (d *Depot) Remove(ctx context.Context, id string) error {
	return d.queue.Remove(ctx, id)
}

// RecordFailure counts a failed apply of id. maxRetries <= 0 uses the
// configured limit.
func (d *Depot) RecordFailure(ctx context.Context, id string, maxRetries int, cause error) (FailureResult, error) {
	return d.queue.RecordFailure(ctx, id, maxRetries, cause)
}

// DecodePayload decodes a queued payload into dst.
func (d *Depot) DecodePayload(entry QueueEntry, dst any) error {
	return d.queue.DecodePayload(entry, dst)
}

// CacheResponse stores a response under requestKey. Without ttl the
// configured default applies.
func (d *Depot) CacheResponse(ctx context.Context, requestKey string, response any, ttl ...time.Duration) error {
	return d.apiCache.Put(ctx, requestKey, response, ttl...)
}

// GetCachedResponse decodes the response under requestKey into dst.
func (d *Depot) GetCachedResponse(ctx context.Context, requestKey string, dst any) (bool, error) {
	return d.apiCache.Get(ctx, requestKey, dst)
}

// FetchResponse serves requestKey from the cache or calls fetch once for
// all concurrent callers and caches the result.
func (d *Depot) FetchResponse(ctx context.Context, requestKey string, ttl time.Duration, fetch func(ctx context.Context) (any, error), dst any) error {
	return d.apiCache.GetOrFetch(ctx, requestKey, ttl, fetch, dst)
}

// DeleteCachedResponse removes requestKey.
func (d *Depot) DeleteCachedResponse(ctx context.Context, requestKey string) error {
	return d.apiCache.Delete(ctx, requestKey)
}

// Start begins periodic sync and maintenance.
func (d *Depot) Start(ctx context.Context) {
	d.sync.Start(ctx)
	d.sweeper.Start(ctx)
}

// Stop halts scheduling. A pass already running completes.
func (d *Depot) Stop() {
	d.sync.Stop()
	d.sweeper.Stop()
}

// ForceSync runs a sync pass now, or waits for the one in progress.
func (d *Depot) ForceSync(ctx context.Context) (SyncResult, error) {
	return d.sync.ForceSync(ctx)
}

// Subscribe returns a channel of sync status changes and a function that
// ends the subscription.
func (d *Depot) Subscribe() (<-chan StatusEvent, func()) {
	return d.sync.Subscribe()
}

// Status returns the current sync status.
func (d *Depot) Status() SyncStatus {
	return d.sync.Status()
}

// OnTerminalFailure registers fn to be told about every dropped mutation.
func (d *Depot) OnTerminalFailure(fn func(TerminalFailure)) {
	d.sync.OnTerminalFailure(fn)
}

// GetStats reports partition sizes, storage usage and sync state.
func (d *Depot) GetStats(ctx context.Context) (StorageStats, error) {
	return d.stats.GetStats(ctx)
}

// PerformMaintenance sweeps expired entries from both caches.
func (d *Depot) PerformMaintenance(ctx context.Context) (MaintenanceReport, error) {
	return d.sweeper.PerformMaintenance(ctx)
}

// ExportAll dumps every partition.
func (d *Depot) ExportAll(ctx context.Context) (*Snapshot, error) {
	return d.db.Export(ctx, d.cfg.Clock())
}

// ImportAll writes every record of snap, overwriting keys that exist. A
// snapshot holding a queue record that does not decode is rejected whole.
func (d *Depot) ImportAll(ctx context.Context, snap *Snapshot) error {
	if snap != nil {
		if err := d.queue.CheckRecords(snap.Partitions[engine.PartitionQueue]); err != nil {
			return fmt.Errorf("failed to import snapshot: %w", err)
		}
	}
	err := d.db.Import(ctx, snap)
	d.resetReadLayers()
	if err != nil {
		return fmt.Errorf("failed to import snapshot: %w", err)
	}
	d.logger.Info("Snapshot imported",
		zap.Int("cache", snap.Count(engine.PartitionCache)),
		zap.Int("queue", snap.Count(engine.PartitionQueue)),
		zap.Int("preferences", snap.Count(engine.PartitionPreferences)),
		zap.Int("api_cache", snap.Count(engine.PartitionAPICache)),
	)
	return nil
}

// ClearAll empties every partition.
func (d *Depot) ClearAll(ctx context.Context) error {
	err := d.db.ClearAll(ctx)
	d.resetReadLayers()
	return err
}

func (d *Depot) resetReadLayers() {
	d.cache.Purge()
	d.apiCache.ResetFilter()
}

// SetPreference stores value under key.
func (d *Depot) SetPreference(ctx context.Context, key string, value any) error {
	return d.prefs.Set(ctx, key, value)
}

// GetPreference decodes the preference under key into dst.
func (d *Depot) GetPreference(ctx context.Context, key string, dst any) (bool, error) {
	return d.prefs.Get(ctx, key, dst)
}

// DeletePreference removes key.
func (d *Depot) DeletePreference(ctx context.Context, key string) error {
	return d.prefs.Delete(ctx, key)
}

// Close stops scheduling and releases storage.
func (d *Depot) Close() error {
	d.Stop()
	return errors.Join(d.cache.Close(), d.db.Close())
}
