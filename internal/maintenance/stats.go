package maintenance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"goflare.io/depot/internal/config"
	"goflare.io/depot/internal/engine"
	"goflare.io/depot/internal/models"
	"goflare.io/depot/internal/prefs"
	"goflare.io/depot/internal/quota"
)

// SyncInfo exposes sync state without taking any sync lock.
type SyncInfo interface {
	LastSync() time.Time
	LastTerminalFailure() *models.TerminalFailure
}

// Reporter assembles StorageStats.
type Reporter struct {
	db        *engine.DB
	prefs     *prefs.Store
	sync      SyncInfo
	estimator quota.Estimator
	cache     func() models.MetricsSnapshot
	apiCache  func() models.MetricsSnapshot
	logger    *zap.Logger
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithPrefs lets the Reporter read a persisted last-sync time.
func WithPrefs(p *prefs.Store) ReporterOption {
	return func(r *Reporter) { r.prefs = p }
}

// WithSyncInfo sets the live sync state source.
func WithSyncInfo(s SyncInfo) ReporterOption {
	return func(r *Reporter) { r.sync = s }
}

// WithEstimator sets the host quota estimator.
func WithEstimator(e quota.Estimator) ReporterOption {
	return func(r *Reporter) { r.estimator = e }
}

// WithMetrics sets the read-metric sources of both caches.
func WithMetrics(cache, apiCache func() models.MetricsSnapshot) ReporterOption {
	return func(r *Reporter) {
		r.cache = cache
		r.apiCache = apiCache
	}
}

// NewReporter creates a Reporter over db.
func NewReporter(db *engine.DB, cfg *config.Config, opts ...ReporterOption) *Reporter {
	r := &Reporter{db: db, logger: cfg.Logger.Named("stats")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetStats counts every partition and adds best-effort size figures. Count
// failures are returned; size and quota failures only leave those fields zero.
func (r *Reporter) GetStats(ctx context.Context) (models.StorageStats, error) {
	var stats models.StorageStats

	counts := []struct {
		partition engine.Partition
		dst       *int
	}{
		{engine.PartitionCache, &stats.CacheItems},
		{engine.PartitionQueue, &stats.QueueItems},
		{engine.PartitionPreferences, &stats.PreferenceItems},
		{engine.PartitionAPICache, &stats.APICacheItems},
	}
	for _, c := range counts {
		n, err := r.db.Count(ctx, c.partition)
		if err != nil {
			return models.StorageStats{}, fmt.Errorf("count %s: %w", c.partition, err)
		}
		*c.dst = n
	}

	if size, err := r.db.SizeBytes(ctx); err != nil {
		r.logger.Warn("Failed to measure storage size", zap.Error(err))
	} else {
		stats.TotalBytesUsed = size
	}

	if r.estimator != nil {
		est, err := r.estimator.Estimate(ctx)
		if err != nil {
			r.logger.Warn("Failed to estimate storage quota", zap.Error(err))
		} else {
			stats.QuotaBytes = est.Quota
			if stats.TotalBytesUsed == 0 {
				stats.TotalBytesUsed = est.Usage
			}
		}
	}

	if r.sync != nil {
		stats.LastSyncTimestamp = r.sync.LastSync()
		stats.LastTerminalFailure = r.sync.LastTerminalFailure()
	}
	if stats.LastSyncTimestamp.IsZero() && r.prefs != nil {
		var persisted time.Time
		if found, err := r.prefs.Get(ctx, prefs.KeyLastSync, &persisted); err != nil {
			r.logger.Warn("Failed to read persisted last sync time", zap.Error(err))
		} else if found {
			stats.LastSyncTimestamp = persisted
		}
	}
	if stats.LastTerminalFailure == nil && r.prefs != nil {
		var persisted models.TerminalFailure
		if found, err := r.prefs.Get(ctx, prefs.KeyLastTerminalFailure, &persisted); err != nil {
			r.logger.Warn("Failed to read persisted terminal failure", zap.Error(err))
		} else if found {
			stats.LastTerminalFailure = &persisted
		}
	}

	if r.cache != nil {
		stats.CacheMetrics = r.cache()
	}
	if r.apiCache != nil {
		stats.APICacheMetrics = r.apiCache()
	}
	return stats, nil
}
