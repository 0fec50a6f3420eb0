package apicache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/depot/internal/config"
	"goflare.io/depot/internal/engine"
	"goflare.io/depot/internal/engine/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stockLevel struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

func newCache(t *testing.T) (*Cache, *engine.DB, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)}
	cfg, err := config.NewConfig(config.WithLogger(zap.NewNop()), config.WithClock(clk.Now))
	require.NoError(t, err)
	db := engine.NewDB(memory.New(), nil, cfg.Logger)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, cfg), db, clk
}

func TestRequestKey(t *testing.T) {
	assert.Equal(t, "GET /api/stock?sku=1", RequestKey("get", " /api/stock?sku=1 "))
}

func TestPutGetWithDefaultTTL(t *testing.T) {
	c, db, clk := newCache(t)
	ctx := context.Background()
	key := RequestKey("GET", "/api/stock/drill")

	require.NoError(t, c.Put(ctx, key, stockLevel{SKU: "drill", Qty: 4}))

	var got stockLevel
	found, err := c.Get(ctx, key, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, stockLevel{SKU: "drill", Qty: 4}, got)

	clk.Advance(5 * time.Minute)
	found, err = c.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.False(t, found)

	count, err := db.Count(ctx, engine.PartitionAPICache)
	require.NoError(t, err)
	assert.Zero(t, count, "expired response must be physically removed")
	assert.Equal(t, int64(1), c.Metrics().Evictions)
}

func TestExplicitTTL(t *testing.T) {
	c, _, clk := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "GET /zones", []string{"north"}, time.Hour))
	clk.Advance(30 * time.Minute)

	var got []string
	found, err := c.Get(ctx, "GET /zones", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"north"}, got)
}

func TestUnknownKeyIsFilteredOut(t *testing.T) {
	c, _, _ := newCache(t)
	ctx := context.Background()

	var got string
	found, err := c.Get(ctx, "GET /never", &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, int64(1), c.Metrics().Misses)
}

func TestFilterRebuildsFromStorage(t *testing.T) {
	c, db, _ := newCache(t)
	ctx := context.Background()

	var warm string
	_, err := c.Get(ctx, "GET /warm", &warm)
	require.NoError(t, err)

	// Written behind the cache's back, as an import would.
	other := New(db, mustConfig(t))
	require.NoError(t, other.Put(ctx, "GET /imported", "payload"))

	c.ResetFilter()
	var got string
	found, err := c.Get(ctx, "GET /imported", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "payload", got)
}

func mustConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.NewConfig(config.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return cfg
}

func TestClearExpiredUsesIndex(t *testing.T) {
	c, db, clk := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "GET /a", 1, time.Minute))
	require.NoError(t, c.Put(ctx, "GET /b", 2, 2*time.Minute))
	require.NoError(t, c.Put(ctx, "GET /c", 3, time.Hour))

	clk.Advance(3 * time.Minute)
	removed, err := c.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	count, err := db.Count(ctx, engine.PartitionAPICache)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDelete(t *testing.T) {
	c, _, _ := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "GET /a", 1))
	require.NoError(t, c.Delete(ctx, "GET /a"))
	require.NoError(t, c.Delete(ctx, "GET /a"))

	var got int
	found, err := c.Get(ctx, "GET /a", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetOrFetchSharesConcurrentMisses(t *testing.T) {
	c, _, _ := newCache(t)
	ctx := context.Background()
	calls := atomic.NewInt32(0)
	release := make(chan struct{})

	fetch := func(context.Context) (any, error) {
		calls.Inc()
		<-release
		return stockLevel{SKU: "saw", Qty: 9}, nil
	}

	var wg sync.WaitGroup
	results := make([]stockLevel, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, c.GetOrFetch(ctx, "GET /stock/saw", 0, fetch, &results[i]))
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(2))
	for _, got := range results {
		assert.Equal(t, stockLevel{SKU: "saw", Qty: 9}, got)
	}

	// Served from storage now.
	var again stockLevel
	require.NoError(t, c.GetOrFetch(ctx, "GET /stock/saw", 0, func(context.Context) (any, error) {
		return nil, errors.New("must not fetch")
	}, &again))
	assert.Equal(t, "saw", again.SKU)
}

func TestGetOrFetchPropagatesFetchError(t *testing.T) {
	c, db, _ := newCache(t)
	ctx := context.Background()
	offline := errors.New("offline")

	var got string
	err := c.GetOrFetch(ctx, "GET /x", 0, func(context.Context) (any, error) { return nil, offline }, &got)
	require.ErrorIs(t, err, offline)

	count, err := db.Count(ctx, engine.PartitionAPICache)
	require.NoError(t, err)
	assert.Zero(t, count)
}
