// Package maintenance sweeps expired entries and reports storage usage.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"goflare.io/depot/internal/config"
)

// Sweeper removes expired entries from one partition.
type Sweeper interface {
	ClearExpired(ctx context.Context) (int, error)
}

// Report is the outcome of one maintenance run.
type Report struct {
	CacheRemoved    int           `json:"cacheRemoved" yaml:"cacheRemoved"`
	APICacheRemoved int           `json:"apiCacheRemoved" yaml:"apiCacheRemoved"`
	Duration        time.Duration `json:"duration" yaml:"duration"`
}

// Scheduler runs both expiry sweeps on demand or periodically.
type Scheduler struct {
	cache    Sweeper
	apiCache Sweeper
	interval time.Duration
	clock    func() time.Time
	logger   *zap.Logger
	tracer   trace.Tracer

	runMu sync.Mutex
	stop  chan struct{}
}

// NewScheduler creates a Scheduler sweeping cache and apiCache.
func NewScheduler(cache, apiCache Sweeper, cfg *config.Config) *Scheduler {
	return &Scheduler{
		cache:    cache,
		apiCache: apiCache,
		interval: cfg.Maintenance.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger.Named("maintenance"),
		tracer:   otel.Tracer("depot/maintenance"),
	}
}

// PerformMaintenance runs both sweeps concurrently, each in its own
// transaction. A failed sweep does not stop the other; its error is logged
// and returned alongside the partial report.
func (s *Scheduler) PerformMaintenance(ctx context.Context) (Report, error) {
	ctx, span := s.tracer.Start(ctx, "Maintenance.Perform")
	defer span.End()

	start := s.clock()
	var (
		report           Report
		cacheErr, apiErr error
	)

	var g errgroup.Group
	g.Go(func() error {
		report.CacheRemoved, cacheErr = s.cache.ClearExpired(ctx)
		return nil
	})
	g.Go(func() error {
		report.APICacheRemoved, apiErr = s.apiCache.ClearExpired(ctx)
		return nil
	})
	_ = g.Wait()
	report.Duration = s.clock().Sub(start)

	var errs []error
	if cacheErr != nil {
		s.logger.Error("Cache sweep failed", zap.Error(cacheErr))
		errs = append(errs, fmt.Errorf("cache sweep: %w", cacheErr))
	}
	if apiErr != nil {
		s.logger.Error("API cache sweep failed", zap.Error(apiErr))
		errs = append(errs, fmt.Errorf("api cache sweep: %w", apiErr))
	}

	span.SetAttributes(
		attribute.Int("cache_removed", report.CacheRemoved),
		attribute.Int("api_cache_removed", report.APICacheRemoved),
	)
	s.logger.Info("Maintenance finished",
		zap.Int("cache_removed", report.CacheRemoved),
		zap.Int("api_cache_removed", report.APICacheRemoved),
		zap.Duration("duration", report.Duration),
	)
	return report, errors.Join(errs...)
}

// Start runs PerformMaintenance every configured interval until Stop or ctx
// ends. Calling Start again while running does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.stop != nil {
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	go s.run(ctx, stop)
}

func (s *Scheduler) run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.PerformMaintenance(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			s.logger.Info("Stopping maintenance due to context cancellation")
			return
		}
	}
}

// Stop halts the periodic runs.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.stop == nil {
		return
	}
	close(s.stop)
	s.stop = nil
}
