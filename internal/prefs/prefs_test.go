package prefs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"goflare.io/depot/internal/config"
	"goflare.io/depot/internal/engine"
	"goflare.io/depot/internal/engine/memory"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	cfg, err := config.NewConfig(config.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	db := engine.NewDB(memory.New(), nil, cfg.Logger)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, cfg)
}

func TestSetGetDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var theme string
	found, err := s.Get(ctx, "theme", &theme)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "theme", "dark"))
	found, err = s.Get(ctx, "theme", &theme)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "dark", theme)

	require.NoError(t, s.Delete(ctx, "theme"))
	found, err = s.Get(ctx, "theme", &theme)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTimeRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Date(2026, 7, 4, 12, 30, 0, 0, time.UTC)

	require.NoError(t, s.Set(ctx, KeyLastSync, at))
	var got time.Time
	found, err := s.Get(ctx, KeyLastSync, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, at.Equal(got))
}
