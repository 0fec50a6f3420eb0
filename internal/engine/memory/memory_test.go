package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/depot/internal/engine"
	"goflare.io/depot/internal/engine/enginetest"
)

func TestConformance(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) engine.Engine {
		e := New()
		t.Cleanup(func() { _ = e.Close() })
		return e
	})
}

func TestOperationsRequireOpen(t *testing.T) {
	e := New()

	err := e.View(context.Background(), engine.PartitionCache, func(engine.Tx) error { return nil })
	require.ErrorIs(t, err, engine.ErrNotOpen)

	require.NoError(t, e.Open(context.Background()))
	require.NoError(t, e.Close())

	_, err = e.Count(context.Background(), engine.PartitionCache)
	require.ErrorIs(t, err, engine.ErrClosed)
}

func TestQuotaRejectsWholeBatch(t *testing.T) {
	e := New(WithMaxBytes(16))
	require.NoError(t, e.Open(context.Background()))

	require.NoError(t, e.Update(context.Background(), engine.PartitionCache, func(tx engine.Tx) error {
		return tx.Put(engine.Record{Key: "a", Value: []byte("12345678")})
	}))

	err := e.Update(context.Background(), engine.PartitionQueue, func(tx engine.Tx) error {
		if err := tx.Put(engine.Record{Key: "b", Value: []byte("1")}); err != nil {
			return err
		}
		return tx.Put(engine.Record{Key: "c", Value: []byte("123456789")})
	})
	require.ErrorIs(t, err, engine.ErrQuotaExceeded)

	count, err := e.Count(context.Background(), engine.PartitionQueue)
	require.NoError(t, err)
	assert.Zero(t, count)

	size, err := e.SizeBytes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), size)

	// Freeing space makes room again.
	require.NoError(t, e.Update(context.Background(), engine.PartitionCache, func(tx engine.Tx) error {
		return tx.Delete("a")
	}))
	require.NoError(t, e.Update(context.Background(), engine.PartitionQueue, func(tx engine.Tx) error {
		return tx.Put(engine.Record{Key: "c", Value: []byte("123456789")})
	}))
}

func TestUpgradeHookRunsOnceFromStoredVersion(t *testing.T) {
	var calls []int
	e := New(
		WithStoredVersion(0),
		WithUpgradeHook(func(_ context.Context, from, to int) error {
			calls = append(calls, from, to)
			return nil
		}),
	)

	require.NoError(t, e.Open(context.Background()))
	require.NoError(t, e.Open(context.Background()))
	assert.Equal(t, []int{0, engine.SchemaVersion}, calls)
}

func TestFailedUpgradeLeavesEngineClosedForBusiness(t *testing.T) {
	blocked := errors.New("upgrade blocked")
	e := New(WithUpgradeHook(func(context.Context, int, int) error { return blocked }))

	require.ErrorIs(t, e.Open(context.Background()), blocked)
	err := e.Update(context.Background(), engine.PartitionCache, func(engine.Tx) error { return nil })
	require.ErrorIs(t, err, engine.ErrNotOpen)
}
