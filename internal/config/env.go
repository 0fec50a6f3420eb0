package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
)

// Env is the process environment read by the depot command.
type Env struct {
	Engine        string        `env:"DEPOT_ENGINE" envDefault:"sqlite"`
	DBPath        string        `env:"DEPOT_DB_PATH"`
	MaxBytes      int64         `env:"DEPOT_MAX_BYTES"`
	RedisAddr     string        `env:"DEPOT_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix   string        `env:"DEPOT_REDIS_PREFIX" envDefault:"depot"`
	RemoteURL     string        `env:"DEPOT_REMOTE_URL"`
	SyncInterval  time.Duration `env:"DEPOT_SYNC_INTERVAL" envDefault:"5m"`
	ApplyTimeout  time.Duration `env:"DEPOT_APPLY_TIMEOUT" envDefault:"30s"`
	MaxRetries    int           `env:"DEPOT_MAX_RETRIES" envDefault:"3"`
	Serialization string        `env:"DEPOT_SERIALIZATION" envDefault:"json"`
	HotCache      bool          `env:"DEPOT_HOT_CACHE" envDefault:"true"`
	LogLevel      string        `env:"DEPOT_LOG_LEVEL" envDefault:"info"`
}

// LoadEnv parses Env from the process environment.
func LoadEnv() (Env, error) {
	return parseEnv(env.Options{})
}

func parseEnv(opts env.Options) (Env, error) {
	cfg, err := env.ParseAsWithOptions[Env](opts)
	if err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Logger builds a production logger at the configured level.
func (e Env) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(e.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	return zc.Build()
}

// Options converts the environment into config options.
func (e Env) Options() ([]Option, error) {
	logger, err := e.Logger()
	if err != nil {
		return nil, err
	}
	return []Option{
		WithLogger(logger),
		WithSerialization(e.Serialization),
		WithSyncInterval(e.SyncInterval),
		WithApplyTimeout(e.ApplyTimeout),
		WithMaxRetries(e.MaxRetries),
		WithHotCache(e.HotCache, 0),
	}, nil
}
