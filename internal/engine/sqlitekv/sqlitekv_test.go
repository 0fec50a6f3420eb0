package sqlitekv

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/depot/internal/engine"
	"goflare.io/depot/internal/engine/enginetest"
)

func openTemp(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(filepath.Join(t.TempDir(), "depot.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestConformance(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) engine.Engine {
		return openTemp(t)
	})
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)
}

func TestOperationsRequireOpen(t *testing.T) {
	e := openTemp(t)
	_, err := e.Count(context.Background(), engine.PartitionCache)
	require.ErrorIs(t, err, engine.ErrNotOpen)
}

func TestDataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "depot.db")
	ctx := context.Background()

	first, err := New(path)
	require.NoError(t, err)
	require.NoError(t, first.Open(ctx))
	require.NoError(t, first.Update(ctx, engine.PartitionPreferences, func(tx engine.Tx) error {
		return tx.Put(engine.Record{Key: "theme", Value: []byte(`"dark"`)})
	}))
	require.NoError(t, first.Close())

	var hookCalls int
	second, err := New(path, WithUpgradeHook(func(context.Context, int, int) error {
		hookCalls++
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, second.Open(ctx))
	t.Cleanup(func() { _ = second.Close() })

	count, err := second.Count(ctx, engine.PartitionPreferences)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Zero(t, hookCalls, "schema is already current")
}

func TestUpgradeHookRunsOnFreshFile(t *testing.T) {
	var got [][2]int
	e := openTemp(t, WithUpgradeHook(func(_ context.Context, from, to int) error {
		got = append(got, [2]int{from, to})
		return nil
	}))
	require.NoError(t, e.Open(context.Background()))
	require.NoError(t, e.Open(context.Background()))
	assert.Equal(t, [][2]int{{0, engine.SchemaVersion}}, got)
}

func TestQuotaExceededLeavesNoPartialWrite(t *testing.T) {
	e := openTemp(t, WithMaxBytes(64*1024))
	ctx := context.Background()
	require.NoError(t, e.Open(ctx))

	big := []byte(strings.Repeat("x", 256*1024))
	err := e.Update(ctx, engine.PartitionQueue, func(tx engine.Tx) error {
		if err := tx.Put(engine.Record{Key: "small", Value: []byte("ok")}); err != nil {
			return err
		}
		return tx.Put(engine.Record{Key: "big", Value: big})
	})
	require.ErrorIs(t, err, engine.ErrQuotaExceeded)

	count, err := e.Count(ctx, engine.PartitionQueue)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSizeBytesReportsPages(t *testing.T) {
	e := openTemp(t)
	require.NoError(t, e.Open(context.Background()))

	size, err := e.SizeBytes(context.Background())
	require.NoError(t, err)
	assert.Positive(t, size)
	assert.Zero(t, size%pageSize)
}

func TestExtractUp(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE a (id INTEGER);\n-- +migrate Down\nDROP TABLE a;\n"
	assert.Equal(t, "\nCREATE TABLE a (id INTEGER);\n", extractUp(content))
	assert.Equal(t, "SELECT 1;", extractUp("SELECT 1;"))
}
