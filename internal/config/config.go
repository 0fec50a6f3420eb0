// Package config holds the tunables shared by every depot service.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/depot/internal/retrier"
	"goflare.io/depot/pkg/serialization"
)

// Config is the resolved configuration handed to each service constructor.
type Config struct {
	ShardCount uint64

	HotCache    HotCacheConfig
	APICache    APICacheConfig
	Sync        SyncConfig
	Maintenance MaintenanceConfig
	Resilience  ResilienceConfig

	Serialization serialization.Codec
	Clock         func() time.Time
	Logger        *zap.Logger
}

// HotCacheConfig sizes the in-process read layer in front of the engine.
type HotCacheConfig struct {
	Enabled bool
	// MaxCost bounds the layer by encoded payload bytes.
	MaxCost int64
}

// APICacheConfig configures the response cache.
type APICacheConfig struct {
	DefaultTTL  time.Duration
	BloomFilter BloomFilterConfig
}

// BloomFilterConfig sizes the negative-lookup filter of the response cache.
type BloomFilterConfig struct {
	ExpectedItems     uint
	FalsePositiveRate float64
}

// SyncConfig controls the sync engine.
type SyncConfig struct {
	Interval       time.Duration
	ApplyTimeout   time.Duration
	MaxRetries     int
	SyncOnStart    bool
	CircuitBreaker gobreaker.Settings
}

// MaintenanceConfig controls periodic expiry sweeps.
type MaintenanceConfig struct {
	Interval time.Duration
}

// ResilienceConfig bounds how hard the engine barrier retries a failed open.
type ResilienceConfig struct {
	InitMaxAttempts int
	InitBaseDelay   time.Duration
	InitMaxDelay    time.Duration
}

// Option mutates a Config during NewConfig.
type Option func(*Config) error

var (
	ErrShardCountZero    = errors.New("shard count must be at least 1")
	ErrInvalidMaxRetries = errors.New("max retries must be at least 1")
	ErrInvalidTimeout    = errors.New("apply timeout must be positive")
)

const (
	DefaultAPICacheTTL  = 5 * time.Minute
	DefaultApplyTimeout = 30 * time.Second
	DefaultMaxRetries   = 3
)

// NewConfig builds the default Config and applies options over it.
func NewConfig(options ...Option) (*Config, error) {
	defaultLogger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	hotCost := int64(64 * 1024 * 1024)
	cfg := &Config{
		ShardCount: CalculateDynamicShardCount(uint64(hotCost), 1024),
		HotCache: HotCacheConfig{
			Enabled: true,
			MaxCost: hotCost,
		},
		APICache: APICacheConfig{
			DefaultTTL: DefaultAPICacheTTL,
			BloomFilter: BloomFilterConfig{
				ExpectedItems:     10000,
				FalsePositiveRate: 0.01,
			},
		},
		Sync: SyncConfig{
			Interval:     5 * time.Minute,
			ApplyTimeout: DefaultApplyTimeout,
			MaxRetries:   DefaultMaxRetries,
			CircuitBreaker: gobreaker.Settings{
				Name:        "remote-apply",
				MaxRequests: 1,
				Interval:    60 * time.Second,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures > 5
				},
			},
		},
		Maintenance: MaintenanceConfig{
			Interval: 15 * time.Minute,
		},
		Resilience: ResilienceConfig{
			InitMaxAttempts: 3,
			InitBaseDelay:   100 * time.Millisecond,
			InitMaxDelay:    time.Second,
		},
		Serialization: serialization.JSON(),
		Clock:         time.Now,
		Logger:        defaultLogger,
	}

	for _, option := range options {
		if err := option(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.ShardCount == 0 {
		return nil, ErrShardCountZero
	}
	if cfg.Sync.MaxRetries < 1 {
		return nil, ErrInvalidMaxRetries
	}
	if cfg.Sync.ApplyTimeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	return cfg, nil
}

// InitRetrier builds the retrier the engine barrier uses for Open. Only
// errors marked temporary are retried.
func (c *Config) InitRetrier() (*retrier.Retrier, error) {
	return retrier.NewRetrier(
		c.Resilience.InitMaxAttempts,
		c.Resilience.InitBaseDelay,
		c.Resilience.InitMaxDelay,
		2,
		0.2,
		retrier.ExponentialBackoff,
		retrier.IsTemporary,
	)
}

// WithLogger sets the logger; nil keeps the default.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger != nil {
			c.Logger = logger
		}
		return nil
	}
}

// WithShardCount sets the number of per-key lock stripes.
func WithShardCount(count uint64) Option {
	return func(c *Config) error {
		if count == 0 {
			return ErrShardCountZero
		}
		c.ShardCount = count
		return nil
	}
}

// WithHotCache enables or disables the in-process read layer. A positive
// maxCost also resizes it.
func WithHotCache(enabled bool, maxCost int64) Option {
	return func(c *Config) error {
		c.HotCache.Enabled = enabled
		if maxCost > 0 {
			c.HotCache.MaxCost = maxCost
		}
		return nil
	}
}

// WithSerialization selects the payload codec by name ("json" or "gob").
func WithSerialization(name string) Option {
	return func(c *Config) error {
		codec, err := serialization.Lookup(name)
		if err != nil {
			return err
		}
		c.Serialization = codec
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Config) error {
		if clock == nil {
			return errors.New("clock must not be nil")
		}
		c.Clock = clock
		return nil
	}
}

// WithAPICacheTTL sets the default response lifetime.
func WithAPICacheTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		if ttl <= 0 {
			return fmt.Errorf("api cache ttl must be positive, got %s", ttl)
		}
		c.APICache.DefaultTTL = ttl
		return nil
	}
}

// WithBloomFilter sizes the response cache filter.
func WithBloomFilter(expectedItems uint, falsePositiveRate float64) Option {
	return func(c *Config) error {
		if expectedItems == 0 || falsePositiveRate <= 0 || falsePositiveRate >= 1 {
			return fmt.Errorf("invalid bloom filter settings: items=%d rate=%g", expectedItems, falsePositiveRate)
		}
		c.APICache.BloomFilter = BloomFilterConfig{ExpectedItems: expectedItems, FalsePositiveRate: falsePositiveRate}
		return nil
	}
}

// WithSyncInterval sets the period of background sync passes.
func WithSyncInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("sync interval must be positive, got %s", d)
		}
		c.Sync.Interval = d
		return nil
	}
}

// WithApplyTimeout bounds each remote apply call.
func WithApplyTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return ErrInvalidTimeout
		}
		c.Sync.ApplyTimeout = d
		return nil
	}
}

// WithMaxRetries sets how many failures drop a queued mutation.
func WithMaxRetries(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return ErrInvalidMaxRetries
		}
		c.Sync.MaxRetries = n
		return nil
	}
}

// WithSyncOnStart runs a pass as soon as the scheduler starts.
func WithSyncOnStart(enabled bool) Option {
	return func(c *Config) error {
		c.Sync.SyncOnStart = enabled
		return nil
	}
}

// WithCircuitBreaker replaces the breaker guarding remote apply.
func WithCircuitBreaker(settings gobreaker.Settings) Option {
	return func(c *Config) error {
		c.Sync.CircuitBreaker = settings
		return nil
	}
}

// WithMaintenanceInterval sets the period of background expiry sweeps.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("maintenance interval must be positive, got %s", d)
		}
		c.Maintenance.Interval = d
		return nil
	}
}

// WithInitRetry tunes the retry of a failed engine open.
func WithInitRetry(maxAttempts int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Config) error {
		if maxAttempts < 1 {
			return retrier.ErrInvalidMaxAttempts
		}
		c.Resilience = ResilienceConfig{
			InitMaxAttempts: maxAttempts,
			InitBaseDelay:   baseDelay,
			InitMaxDelay:    maxDelay,
		}
		return nil
	}
}

// CalculateDynamicShardCount derives a stripe count from the hot layer size,
// capped at four per CPU.
func CalculateDynamicShardCount(maxSize, avgItemSize uint64) uint64 {
	if avgItemSize == 0 {
		avgItemSize = 1024
	}

	shards := maxSize / (avgItemSize * 100)
	if shards == 0 {
		shards = 1
	}
	if limit := uint64(runtime.NumCPU() * 4); shards > limit {
		shards = limit
	}
	return shards
}
