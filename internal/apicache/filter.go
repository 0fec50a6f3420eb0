package apicache

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"goflare.io/depot/internal/config"
	"goflare.io/depot/internal/engine"
)

// keyFilter remembers which request keys were ever stored so lookups of
// never-seen keys skip the engine. It is rebuilt from the partition whenever
// it is marked stale.
type keyFilter struct {
	mu       sync.RWMutex
	filter   *bloom.BloomFilter
	ready    bool
	settings config.BloomFilterConfig
	logger   *zap.Logger
}

func newKeyFilter(settings config.BloomFilterConfig, logger *zap.Logger) *keyFilter {
	return &keyFilter{
		filter:   bloom.NewWithEstimates(settings.ExpectedItems, settings.FalsePositiveRate),
		settings: settings,
		logger:   logger,
	}
}

// Add records key. Keys added before a rebuild finishes land in the new filter.
func (f *keyFilter) Add(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter.AddString(key)
}

// MayContain reports false only when key was definitely never stored. A
// stale filter is rebuilt first; if that fails every key may be present.
func (f *keyFilter) MayContain(ctx context.Context, db *engine.DB, key string) bool {
	f.mu.RLock()
	ready := f.ready
	if ready {
		defer f.mu.RUnlock()
		return f.filter.TestString(key)
	}
	f.mu.RUnlock()

	if err := f.Rebuild(ctx, db); err != nil {
		f.logger.Warn("Failed to rebuild request filter", zap.Error(err))
		return true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.TestString(key)
}

// Rebuild replaces the filter with one built from the stored keys.
func (f *keyFilter) Rebuild(ctx context.Context, db *engine.DB) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fresh := bloom.NewWithEstimates(f.settings.ExpectedItems, f.settings.FalsePositiveRate)
	count := 0
	if err := db.View(ctx, engine.PartitionAPICache, func(tx engine.Tx) error {
		return tx.Scan(func(rec engine.Record) bool {
			fresh.AddString(rec.Key)
			count++
			return true
		})
	}); err != nil {
		return err
	}

	f.filter = fresh
	f.ready = true
	f.logger.Debug("Rebuilt request filter", zap.Int("keys", count))
	return nil
}

// Reset marks the filter stale so the next lookup rebuilds it.
func (f *keyFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = false
}
