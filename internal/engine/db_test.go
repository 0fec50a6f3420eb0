package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"

	"goflare.io/depot/internal/engine"
	"goflare.io/depot/internal/engine/memory"
	"goflare.io/depot/internal/retrier"
)

func TestReadyOpensOnceForConcurrentCallers(t *testing.T) {
	hooks := atomic.NewInt32(0)
	e := memory.New(
		memory.WithStoredVersion(0),
		memory.WithUpgradeHook(func(context.Context, int, int) error {
			hooks.Inc()
			time.Sleep(20 * time.Millisecond)
			return nil
		}),
	)
	db := engine.NewDB(e, nil, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = db.Close() })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.Count(context.Background(), engine.PartitionCache)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), db.OpenAttempts())
	assert.Equal(t, int32(1), hooks.Load())
}

func TestReadyFailureIsRetriedByNextCaller(t *testing.T) {
	denied := errors.New("storage denied")
	e := memory.New(memory.WithOpenError(func(attempt int) error {
		if attempt == 1 {
			return denied
		}
		return nil
	}))
	db := engine.NewDB(e, nil, zaptest.NewLogger(t))

	err := db.Update(context.Background(), engine.PartitionCache, func(tx engine.Tx) error {
		return tx.Put(engine.Record{Key: "a", Value: []byte("1")})
	})
	require.ErrorIs(t, err, engine.ErrInitialization)
	require.ErrorIs(t, err, denied)

	var initErr *engine.InitError
	require.True(t, errors.As(err, &initErr))

	require.NoError(t, db.Ready(context.Background()))
	count, err := db.Count(context.Background(), engine.PartitionCache)
	require.NoError(t, err)
	assert.Zero(t, count, "the write that hit the failed init must not land")
	assert.Equal(t, int64(2), db.OpenAttempts())
}

func TestReadyRetriesTemporaryOpenErrors(t *testing.T) {
	e := memory.New(memory.WithOpenError(func(attempt int) error {
		if attempt < 3 {
			return retrier.MarkTemporary(errors.New("locked"))
		}
		return nil
	}))
	r, err := retrier.NewRetrier(5, time.Millisecond, 5*time.Millisecond, 2, 0, retrier.ExponentialBackoff, retrier.IsTemporary)
	require.NoError(t, err)
	db := engine.NewDB(e, r, zaptest.NewLogger(t))

	require.NoError(t, db.Ready(context.Background()))
	assert.Equal(t, int64(3), db.OpenAttempts())
}

func TestReadyHonoursCallerContext(t *testing.T) {
	release := make(chan struct{})
	e := memory.New(memory.WithOpenError(func(int) error {
		<-release
		return nil
	}))
	db := engine.NewDB(e, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, db.Ready(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, db.Ready(context.Background()))
}

func TestClosedDBRejectsOperations(t *testing.T) {
	db := engine.NewDB(memory.New(), nil, zaptest.NewLogger(t))
	require.NoError(t, db.Ready(context.Background()))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err := db.Count(context.Background(), engine.PartitionQueue)
	require.ErrorIs(t, err, engine.ErrClosed)
}

func TestClearAllEmptiesEveryPartition(t *testing.T) {
	db := engine.NewDB(memory.New(), nil, zaptest.NewLogger(t))
	ctx := context.Background()
	for _, p := range engine.Partitions {
		require.NoError(t, db.Update(ctx, p, func(tx engine.Tx) error {
			return tx.Put(engine.Record{Key: "k", Value: []byte("v")})
		}))
	}

	require.NoError(t, db.ClearAll(ctx))
	for _, p := range engine.Partitions {
		count, err := db.Count(ctx, p)
		require.NoError(t, err)
		assert.Zero(t, count, "partition %s", p)
	}
}

func TestExportClearImportRestoresRecords(t *testing.T) {
	ctx := context.Background()
	db := engine.NewDB(memory.New(), nil, zaptest.NewLogger(t))
	deadline := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())

	require.NoError(t, db.Update(ctx, engine.PartitionCache, func(tx engine.Tx) error {
		if err := tx.Put(engine.Record{Key: "bin:1", Value: []byte(`{"shelf":"A"}`), ExpiresAt: deadline}); err != nil {
			return err
		}
		return tx.Put(engine.Record{Key: "bin:2", Value: []byte(`{"shelf":"B"}`)})
	}))
	require.NoError(t, db.Update(ctx, engine.PartitionQueue, func(tx engine.Tx) error {
		return tx.Put(engine.Record{Key: "queue-create-1", Value: []byte(`{}`)})
	}))

	before, err := db.Export(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, before.Count(engine.PartitionCache))
	assert.Equal(t, 0, before.Count(engine.PartitionPreferences))

	require.NoError(t, db.ClearAll(ctx))
	require.NoError(t, db.Import(ctx, before))

	after, err := db.Export(ctx, before.ExportedAt)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("snapshot mismatch after import (-want +got):\n%s", diff)
	}
}

func TestImportRejectsBadSnapshots(t *testing.T) {
	db := engine.NewDB(memory.New(), nil, zaptest.NewLogger(t))
	ctx := context.Background()

	require.Error(t, db.Import(ctx, nil))
	require.Error(t, db.Import(ctx, &engine.Snapshot{SchemaVersion: engine.SchemaVersion + 1}))

	err := db.Import(ctx, &engine.Snapshot{
		SchemaVersion: engine.SchemaVersion,
		Partitions: map[engine.Partition][]engine.Record{
			"ledger": {{Key: "a"}},
		},
	})
	require.ErrorIs(t, err, engine.ErrUnknownPartition)
}
