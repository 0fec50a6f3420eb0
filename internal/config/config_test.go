package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"goflare.io/depot/pkg/serialization"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(WithLogger(zap.NewNop()))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, cfg.ShardCount, uint64(1))
	assert.True(t, cfg.HotCache.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.APICache.DefaultTTL)
	assert.Equal(t, 30*time.Second, cfg.Sync.ApplyTimeout)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, serialization.JSONType, cfg.Serialization.Type)
	assert.NotNil(t, cfg.Clock)
}

func TestOptionsOverrideDefaults(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cfg, err := NewConfig(
		WithLogger(zap.NewNop()),
		WithShardCount(4),
		WithHotCache(false, 0),
		WithSerialization(serialization.GobType),
		WithClock(func() time.Time { return fixed }),
		WithMaxRetries(5),
		WithApplyTimeout(time.Second),
		WithSyncOnStart(true),
		WithAPICacheTTL(time.Minute),
	)
	require.NoError(t, err)

	assert.Equal(t, uint64(4), cfg.ShardCount)
	assert.False(t, cfg.HotCache.Enabled)
	assert.Equal(t, serialization.GobType, cfg.Serialization.Type)
	assert.Equal(t, fixed, cfg.Clock())
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, time.Second, cfg.Sync.ApplyTimeout)
	assert.True(t, cfg.Sync.SyncOnStart)
	assert.Equal(t, time.Minute, cfg.APICache.DefaultTTL)
}

func TestInvalidOptionsAreRejected(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"zero shards", WithShardCount(0)},
		{"zero retries", WithMaxRetries(0)},
		{"negative timeout", WithApplyTimeout(-time.Second)},
		{"unknown codec", WithSerialization("xml")},
		{"nil clock", WithClock(nil)},
		{"bad bloom rate", WithBloomFilter(100, 1.5)},
		{"zero interval", WithSyncInterval(0)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfig(WithLogger(zap.NewNop()), tc.opt)
			require.Error(t, err)
		})
	}
}

func TestInitRetrier(t *testing.T) {
	cfg, err := NewConfig(WithLogger(zap.NewNop()), WithInitRetry(2, time.Millisecond, 2*time.Millisecond))
	require.NoError(t, err)

	r, err := cfg.InitRetrier()
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestCalculateDynamicShardCount(t *testing.T) {
	assert.Equal(t, uint64(1), CalculateDynamicShardCount(10, 1024))
	assert.GreaterOrEqual(t, CalculateDynamicShardCount(1<<30, 0), uint64(1))
}

func TestParseEnv(t *testing.T) {
	got, err := parseEnv(env.Options{Environment: map[string]string{
		"DEPOT_ENGINE":        "redis",
		"DEPOT_REDIS_ADDR":    "cache:6380",
		"DEPOT_SYNC_INTERVAL": "90s",
		"DEPOT_MAX_RETRIES":   "7",
		"DEPOT_HOT_CACHE":     "false",
	}})
	require.NoError(t, err)

	assert.Equal(t, "redis", got.Engine)
	assert.Equal(t, "cache:6380", got.RedisAddr)
	assert.Equal(t, 90*time.Second, got.SyncInterval)
	assert.Equal(t, 7, got.MaxRetries)
	assert.False(t, got.HotCache)
	assert.Equal(t, 30*time.Second, got.ApplyTimeout)
	assert.Equal(t, "json", got.Serialization)

	opts, err := got.Options()
	require.NoError(t, err)
	cfg, err := NewConfig(opts...)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Sync.MaxRetries)
	assert.False(t, cfg.HotCache.Enabled)
}

func TestEnvRejectsBadLogLevel(t *testing.T) {
	_, err := Env{LogLevel: "loud"}.Logger()
	require.Error(t, err)
}
