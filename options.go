package depot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"goflare.io/depot/internal/config"
	"goflare.io/depot/internal/engine"
	"goflare.io/depot/internal/engine/memory"
	"goflare.io/depot/internal/engine/rediskv"
	"goflare.io/depot/internal/engine/sqlitekv"
	"goflare.io/depot/internal/quota"
	"goflare.io/depot/internal/syncer"
)

// backend opens the storage engine once the configuration is known.
type backend func(cfg *config.Config) (engine.Engine, quota.Estimator, error)

type options struct {
	config       []config.Option
	backend      backend
	applier      syncer.Applier
	connectivity syncer.Connectivity
	estimator    quota.Estimator
	upgrade      engine.UpgradeHook
}

// Option configures a Depot.
type Option func(*options) error

func withConfig(opt config.Option) Option {
	return func(o *options) error {
		o.config = append(o.config, opt)
		return nil
	}
}

// WithLogger sets the logger used by every component.
func WithLogger(logger *zap.Logger) Option {
	return withConfig(config.WithLogger(logger))
}

// WithShardCount sets the number of per-key lock stripes.
func WithShardCount(count uint64) Option {
	return withConfig(config.WithShardCount(count))
}

// WithHotCache enables or disables the in-process read layer. A maxCost of
// zero keeps the default budget.
func WithHotCache(enabled bool, maxCost int64) Option {
	return withConfig(config.WithHotCache(enabled, maxCost))
}

// WithSerialization selects the payload codec, "json" or "gob".
func WithSerialization(name string) Option {
	return withConfig(config.WithSerialization(name))
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return withConfig(config.WithClock(clock))
}

// WithAPICacheTTL sets the default lifetime of cached responses.
func WithAPICacheTTL(ttl time.Duration) Option {
	return withConfig(config.WithAPICacheTTL(ttl))
}

// WithSyncInterval sets the period of scheduled sync passes.
func WithSyncInterval(d time.Duration) Option {
	return withConfig(config.WithSyncInterval(d))
}

// WithApplyTimeout bounds each remote apply call.
func WithApplyTimeout(d time.Duration) Option {
	return withConfig(config.WithApplyTimeout(d))
}

// WithMaxRetries sets how many failed applies drop a queued mutation.
func WithMaxRetries(n int) Option {
	return withConfig(config.WithMaxRetries(n))
}

// WithSyncOnStart runs a pass as soon as Start is called.
func WithSyncOnStart(enabled bool) Option {
	return withConfig(config.WithSyncOnStart(enabled))
}

// WithMaintenanceInterval sets the period of expiry sweeps.
func WithMaintenanceInterval(d time.Duration) Option {
	return withConfig(config.WithMaintenanceInterval(d))
}

// WithConfigOptions applies raw configuration options.
func WithConfigOptions(opts ...config.Option) Option {
	return func(o *options) error {
		o.config = append(o.config, opts...)
		return nil
	}
}

// WithRemote sets the capability that applies queued mutations remotely.
func WithRemote(a Applier) Option {
	return func(o *options) error {
		o.applier = a
		return nil
	}
}

// WithConnectivity sets the connectivity check consulted before each sync pass.
func WithConnectivity(fn func(ctx context.Context) bool) Option {
	return func(o *options) error {
		o.connectivity = fn
		return nil
	}
}

// WithQuotaEstimator overrides the estimator behind StorageStats.QuotaBytes.
func WithQuotaEstimator(e quota.Estimator) Option {
	return func(o *options) error {
		o.estimator = e
		return nil
	}
}

// WithUpgradeHook runs hook once when stored data predates the current schema.
func WithUpgradeHook(hook engine.UpgradeHook) Option {
	return func(o *options) error {
		o.upgrade = hook
		return nil
	}
}

// WithEngine uses e as the storage engine.
func WithEngine(e engine.Engine) Option {
	return func(o *options) error {
		if e == nil {
			return fmt.Errorf("engine must not be nil")
		}
		o.backend = func(*config.Config) (engine.Engine, quota.Estimator, error) {
			return e, nil, nil
		}
		return nil
	}
}

// WithMemory keeps everything in process memory. A positive maxBytes caps
// the stored bytes.
func WithMemory(maxBytes int64) Option {
	return func(o *options) error {
		o.backend = func(*config.Config) (engine.Engine, quota.Estimator, error) {
			opts := []memory.Option{memory.WithMaxBytes(maxBytes)}
			if o.upgrade != nil {
				opts = append(opts, memory.WithUpgradeHook(o.upgrade))
			}
			var est quota.Estimator
			if maxBytes > 0 {
				est = quota.Fixed(maxBytes)
			}
			return memory.New(opts...), est, nil
		}
		return nil
	}
}

// WithSQLite stores data in a SQLite file at path. A positive maxBytes caps
// the database size.
func WithSQLite(path string, maxBytes int64) Option {
	return func(o *options) error {
		if path == "" {
			return fmt.Errorf("sqlite path must not be empty")
		}
		o.backend = func(*config.Config) (engine.Engine, quota.Estimator, error) {
			return openSQLite(path, maxBytes, o.upgrade)
		}
		return nil
	}
}

// WithRedis stores data in Redis under prefix.
func WithRedis(redisOptions *redis.Options, prefix string) Option {
	return func(o *options) error {
		if redisOptions == nil {
			return fmt.Errorf("redis options must not be nil")
		}
		o.backend = func(*config.Config) (engine.Engine, quota.Estimator, error) {
			opts := []rediskv.Option{}
			if prefix != "" {
				opts = append(opts, rediskv.WithPrefix(prefix))
			}
			if o.upgrade != nil {
				opts = append(opts, rediskv.WithUpgradeHook(o.upgrade))
			}
			e, err := rediskv.New(redis.NewClient(redisOptions), opts...)
			return e, nil, err
		}
		return nil
	}
}

func openSQLite(path string, maxBytes int64, hook engine.UpgradeHook) (engine.Engine, quota.Estimator, error) {
	opts := []sqlitekv.Option{sqlitekv.WithMaxBytes(maxBytes)}
	if hook != nil {
		opts = append(opts, sqlitekv.WithUpgradeHook(hook))
	}
	e, err := sqlitekv.New(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	var est quota.Estimator = quota.Disk{Path: path}
	if maxBytes > 0 {
		est = quota.Fixed(maxBytes)
	}
	return e, est, nil
}

// DefaultPath is the SQLite file used when no engine option is given:
// $XDG_DATA_HOME/depot/depot.db, falling back to ~/.local/share.
func DefaultPath() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "depot", "depot.db"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "depot", "depot.db"), nil
}

func defaultBackend(o *options) backend {
	return func(*config.Config) (engine.Engine, quota.Estimator, error) {
		path, err := DefaultPath()
		if err != nil {
			return nil, nil, err
		}
		return openSQLite(path, 0, o.upgrade)
	}
}
