// Package enginetest checks that an engine.Engine honours the storage contract.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/depot/internal/engine"
)

// Factory returns a fresh, unopened engine. Cleanup is the caller's job.
type Factory func(t *testing.T) engine.Engine

// Run executes the conformance suite against engines built by newEngine.
func Run(t *testing.T, newEngine Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, e engine.Engine)
	}{
		{"PutGetDelete", testPutGetDelete},
		{"FailedUpdateLeavesNoPartialWrite", testFailedUpdateRollsBack},
		{"ReadOwnWrites", testReadOwnWrites},
		{"ScanIsKeyOrdered", testScanOrder},
		{"ExpiredKeysUsesDeadline", testExpiredKeys},
		{"PartitionsAreIsolated", testPartitionIsolation},
		{"ClearEmptiesOnePartition", testClear},
		{"ViewRejectsWrites", testViewReadOnly},
		{"UnknownPartition", testUnknownPartition},
		{"ConcurrentUpdatesSerialize", testConcurrentUpdates},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEngine(t)
			require.NoError(t, e.Open(context.Background()))
			require.NoError(t, e.Open(context.Background()), "Open must be idempotent")
			tc.fn(t, e)
		})
	}
}

func put(t *testing.T, e engine.Engine, p engine.Partition, recs ...engine.Record) {
	t.Helper()
	require.NoError(t, e.Update(context.Background(), p, func(tx engine.Tx) error {
		for _, rec := range recs {
			if err := tx.Put(rec); err != nil {
				return err
			}
		}
		return nil
	}))
}

func get(t *testing.T, e engine.Engine, p engine.Partition, key string) (engine.Record, bool) {
	t.Helper()
	var (
		rec engine.Record
		ok  bool
	)
	require.NoError(t, e.View(context.Background(), p, func(tx engine.Tx) error {
		var err error
		rec, ok, err = tx.Get(key)
		return err
	}))
	return rec, ok
}

func testPutGetDelete(t *testing.T, e engine.Engine) {
	deadline := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())
	put(t, e, engine.PartitionCache, engine.Record{Key: "sku:1", Value: []byte("drill"), ExpiresAt: deadline})

	rec, ok := get(t, e, engine.PartitionCache, "sku:1")
	require.True(t, ok)
	assert.Equal(t, []byte("drill"), rec.Value)
	assert.True(t, deadline.Equal(rec.ExpiresAt), "deadline %v != %v", deadline, rec.ExpiresAt)

	put(t, e, engine.PartitionCache, engine.Record{Key: "sku:1", Value: []byte("saw")})
	rec, ok = get(t, e, engine.PartitionCache, "sku:1")
	require.True(t, ok)
	assert.Equal(t, []byte("saw"), rec.Value)
	assert.True(t, rec.ExpiresAt.IsZero(), "overwrite must replace the deadline")

	require.NoError(t, e.Update(context.Background(), engine.PartitionCache, func(tx engine.Tx) error {
		if err := tx.Delete("sku:1"); err != nil {
			return err
		}
		return tx.Delete("never-stored")
	}))
	_, ok = get(t, e, engine.PartitionCache, "sku:1")
	assert.False(t, ok)
}

func testFailedUpdateRollsBack(t *testing.T, e engine.Engine) {
	put(t, e, engine.PartitionQueue, engine.Record{Key: "a", Value: []byte("1")})

	boom := errors.New("boom")
	err := e.Update(context.Background(), engine.PartitionQueue, func(tx engine.Tx) error {
		if err := tx.Put(engine.Record{Key: "b", Value: []byte("2")}); err != nil {
			return err
		}
		if err := tx.Delete("a"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok := get(t, e, engine.PartitionQueue, "b")
	assert.False(t, ok)
	_, ok = get(t, e, engine.PartitionQueue, "a")
	assert.True(t, ok)

	count, err := e.Count(context.Background(), engine.PartitionQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func testReadOwnWrites(t *testing.T, e engine.Engine) {
	put(t, e, engine.PartitionPreferences, engine.Record{Key: "theme", Value: []byte("dark")})

	require.NoError(t, e.Update(context.Background(), engine.PartitionPreferences, func(tx engine.Tx) error {
		if err := tx.Put(engine.Record{Key: "locale", Value: []byte("en")}); err != nil {
			return err
		}
		rec, ok, err := tx.Get("locale")
		if err != nil {
			return err
		}
		if !ok || string(rec.Value) != "en" {
			return fmt.Errorf("own write not visible")
		}
		if err := tx.Delete("theme"); err != nil {
			return err
		}
		if _, ok, _ := tx.Get("theme"); ok {
			return fmt.Errorf("own delete not visible")
		}
		var keys []string
		if err := tx.Scan(func(rec engine.Record) bool {
			keys = append(keys, rec.Key)
			return true
		}); err != nil {
			return err
		}
		if len(keys) != 1 || keys[0] != "locale" {
			return fmt.Errorf("scan saw %v", keys)
		}
		return nil
	}))
}

func testScanOrder(t *testing.T, e engine.Engine) {
	put(t, e, engine.PartitionCache,
		engine.Record{Key: "c", Value: []byte("3")},
		engine.Record{Key: "a", Value: []byte("1")},
		engine.Record{Key: "b", Value: []byte("2")},
	)

	var keys []string
	require.NoError(t, e.View(context.Background(), engine.PartitionCache, func(tx engine.Tx) error {
		return tx.Scan(func(rec engine.Record) bool {
			keys = append(keys, rec.Key)
			return len(keys) < 2
		})
	}))
	assert.Equal(t, []string{"a", "b"}, keys)
}

func testExpiredKeys(t *testing.T, e engine.Engine) {
	now := time.UnixMilli(time.Now().UnixMilli())
	put(t, e, engine.PartitionAPICache,
		engine.Record{Key: "GET /bins", Value: []byte("x"), ExpiresAt: now.Add(-time.Minute)},
		engine.Record{Key: "GET /tools", Value: []byte("x"), ExpiresAt: now.Add(-2 * time.Minute)},
		engine.Record{Key: "GET /zones", Value: []byte("x"), ExpiresAt: now.Add(time.Minute)},
		engine.Record{Key: "GET /forever", Value: []byte("x")},
	)

	var keys []string
	require.NoError(t, e.View(context.Background(), engine.PartitionAPICache, func(tx engine.Tx) error {
		var err error
		keys, err = tx.ExpiredKeys(now)
		return err
	}))
	assert.Equal(t, []string{"GET /tools", "GET /bins"}, keys)
}

func testPartitionIsolation(t *testing.T, e engine.Engine) {
	put(t, e, engine.PartitionCache, engine.Record{Key: "shared", Value: []byte("cache")})
	put(t, e, engine.PartitionQueue, engine.Record{Key: "shared", Value: []byte("queue")})

	rec, ok := get(t, e, engine.PartitionCache, "shared")
	require.True(t, ok)
	assert.Equal(t, "cache", string(rec.Value))

	rec, ok = get(t, e, engine.PartitionQueue, "shared")
	require.True(t, ok)
	assert.Equal(t, "queue", string(rec.Value))
}

func testClear(t *testing.T, e engine.Engine) {
	put(t, e, engine.PartitionCache, engine.Record{Key: "a", Value: []byte("1")}, engine.Record{Key: "b", Value: []byte("2")})
	put(t, e, engine.PartitionPreferences, engine.Record{Key: "keep", Value: []byte("1")})

	require.NoError(t, e.Update(context.Background(), engine.PartitionCache, func(tx engine.Tx) error {
		if err := tx.Clear(); err != nil {
			return err
		}
		return tx.Put(engine.Record{Key: "c", Value: []byte("3")})
	}))

	count, err := e.Count(context.Background(), engine.PartitionCache)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = e.Count(context.Background(), engine.PartitionPreferences)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func testViewReadOnly(t *testing.T, e engine.Engine) {
	err := e.View(context.Background(), engine.PartitionCache, func(tx engine.Tx) error {
		return tx.Put(engine.Record{Key: "a", Value: []byte("1")})
	})
	require.Error(t, err)

	count, err := e.Count(context.Background(), engine.PartitionCache)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func testUnknownPartition(t *testing.T, e engine.Engine) {
	err := e.View(context.Background(), engine.Partition("ledger"), func(engine.Tx) error { return nil })
	require.ErrorIs(t, err, engine.ErrUnknownPartition)
}

func testConcurrentUpdates(t *testing.T, e engine.Engine) {
	const workers = 8
	put(t, e, engine.PartitionQueue, engine.Record{Key: "counter", Value: []byte{0}})

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- e.Update(context.Background(), engine.PartitionQueue, func(tx engine.Tx) error {
				rec, ok, err := tx.Get("counter")
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("counter missing")
				}
				return tx.Put(engine.Record{Key: "counter", Value: []byte{rec.Value[0] + 1}})
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, ok := get(t, e, engine.PartitionQueue, "counter")
	require.True(t, ok)
	assert.Equal(t, byte(workers), rec.Value[0])
}
