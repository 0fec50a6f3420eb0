package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"goflare.io/depot/internal/config"
	"goflare.io/depot/internal/engine"
	"goflare.io/depot/internal/engine/memory"
	"goflare.io/depot/pkg/serialization"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type bin struct {
	Shelf string `json:"shelf"`
	Slots int    `json:"slots"`
}

func newManager(t *testing.T, opts ...config.Option) (*Manager, *engine.DB, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	cfg, err := config.NewConfig(append([]config.Option{
		config.WithLogger(zap.NewNop()),
		config.WithClock(clock.Now),
		config.WithShardCount(4),
	}, opts...)...)
	require.NoError(t, err)

	db := engine.NewDB(memory.New(), nil, cfg.Logger)
	m, err := New(db, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
		_ = db.Close()
	})
	return m, db, clock
}

func TestSetGetRoundTrip(t *testing.T) {
	for _, hotEnabled := range []bool{true, false} {
		t.Run(fmt.Sprintf("hot=%v", hotEnabled), func(t *testing.T) {
			m, _, _ := newManager(t, config.WithHotCache(hotEnabled, 0))
			ctx := context.Background()

			require.NoError(t, m.Set(ctx, "bin:1", bin{Shelf: "A", Slots: 12}))

			var got bin
			found, err := m.Get(ctx, "bin:1", &got)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, bin{Shelf: "A", Slots: 12}, got)

			found, err = m.Get(ctx, "bin:2", &got)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestSetOverwritesWholesale(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "bin:1", bin{Shelf: "A"}, WithTags(map[string]string{"zone": "north"})))
	var warm bin
	_, err := m.Get(ctx, "bin:1", &warm)
	require.NoError(t, err)

	require.NoError(t, m.Set(ctx, "bin:1", bin{Shelf: "B"}))

	entry, found, err := m.Entry(ctx, "bin:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Nil(t, entry.Tags)

	var got bin
	_, err = m.Get(ctx, "bin:1", &got)
	require.NoError(t, err)
	assert.Equal(t, "B", got.Shelf)
}

func TestExpiredEntryIsRemovedOnRead(t *testing.T) {
	for _, hotEnabled := range []bool{true, false} {
		t.Run(fmt.Sprintf("hot=%v", hotEnabled), func(t *testing.T) {
			m, db, clock := newManager(t, config.WithHotCache(hotEnabled, 0))
			ctx := context.Background()

			require.NoError(t, m.Set(ctx, "session", "token", WithTTL(time.Minute)))

			var got string
			found, err := m.Get(ctx, "session", &got)
			require.NoError(t, err)
			require.True(t, found)

			clock.Advance(time.Minute)
			found, err = m.Get(ctx, "session", &got)
			require.NoError(t, err)
			assert.False(t, found)

			count, err := db.Count(ctx, engine.PartitionCache)
			require.NoError(t, err)
			assert.Zero(t, count, "expired entry must be physically removed")
			assert.Equal(t, int64(1), m.Metrics().Evictions)
		})
	}
}

func TestEntryCarriesEnvelope(t *testing.T) {
	m, _, clock := newManager(t)
	ctx := context.Background()
	tags := map[string]string{"zone": "north"}

	require.NoError(t, m.Set(ctx, "bin:1", bin{Shelf: "A"}, WithTTL(time.Hour), WithTags(tags)))

	entry, found, err := m.Entry(ctx, "bin:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, tags, entry.Tags)
	assert.Equal(t, clock.Now(), entry.StoredAt)
	require.NotNil(t, entry.ExpiresAt)
	assert.Equal(t, clock.Now().Add(time.Hour), *entry.ExpiresAt)
}

func TestEntryMutationDoesNotLeakIntoCache(t *testing.T) {
	for _, hotEnabled := range []bool{true, false} {
		t.Run(fmt.Sprintf("hot=%v", hotEnabled), func(t *testing.T) {
			m, _, _ := newManager(t, config.WithHotCache(hotEnabled, 0))
			ctx := context.Background()
			require.NoError(t, m.Set(ctx, "bin:1", bin{Shelf: "A"}, WithTTL(time.Hour), WithTags(map[string]string{"zone": "north"})))

			first, found, err := m.Entry(ctx, "bin:1")
			require.NoError(t, err)
			require.True(t, found)
			want := first.Clone()

			first.Tags["zone"] = "south"
			first.Payload[0] = 'x'
			*first.ExpiresAt = first.ExpiresAt.Add(time.Hour)

			second, found, err := m.Entry(ctx, "bin:1")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, want, second)

			var got bin
			found, err = m.Get(ctx, "bin:1", &got)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "A", got.Shelf)
		})
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "bin:1", bin{Shelf: "A"}))
	require.NoError(t, m.Delete(ctx, "bin:1"))
	require.NoError(t, m.Delete(ctx, "bin:1"))

	var got bin
	found, err := m.Get(ctx, "bin:1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClearExpiredCountsRemovals(t *testing.T) {
	m, db, clock := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short-1", 1, WithTTL(time.Minute)))
	require.NoError(t, m.Set(ctx, "short-2", 2, WithTTL(2*time.Minute)))
	require.NoError(t, m.Set(ctx, "long", 3, WithTTL(time.Hour)))
	require.NoError(t, m.Set(ctx, "forever", 4))

	clock.Advance(5 * time.Minute)
	removed, err := m.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	count, err := db.Count(ctx, engine.PartitionCache)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	var got int
	found, err := m.Get(ctx, "short-1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetRejectsEmptyKey(t *testing.T) {
	m, _, _ := newManager(t)
	require.ErrorIs(t, m.Set(context.Background(), "", 1), engine.ErrEmptyKey)
}

func TestGobCodec(t *testing.T) {
	m, _, _ := newManager(t, config.WithSerialization(serialization.GobType))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "bin:1", bin{Shelf: "C", Slots: 4}, WithTags(map[string]string{"a": "b"})))
	var got bin
	found, err := m.Get(ctx, "bin:1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, bin{Shelf: "C", Slots: 4}, got)
}

func TestQuotaErrorLeavesPreviousValue(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cfg, err := config.NewConfig(config.WithLogger(zap.NewNop()), config.WithClock(clock.Now))
	require.NoError(t, err)
	db := engine.NewDB(memory.New(memory.WithMaxBytes(512)), nil, cfg.Logger)
	m, err := New(db, cfg)
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "bin:1", "small"))
	err = m.Set(ctx, "bin:1", string(make([]byte, 4096)))
	require.ErrorIs(t, err, engine.ErrQuotaExceeded)

	var got string
	found, err := m.Get(ctx, "bin:1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "small", got)
}

func TestConcurrentWritersLeaveHotLayerConsistent(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.Set(ctx, "shared", i))
			var got int
			_, err := m.Get(ctx, "shared", &got)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Whatever the hot layer holds must match the engine.
	var hotValue int
	found, err := m.Get(ctx, "shared", &hotValue)
	require.NoError(t, err)
	require.True(t, found)

	m.Purge()
	var engineValue int
	found, err = m.Get(ctx, "shared", &engineValue)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, engineValue, hotValue)
}
