package quota

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixed(t *testing.T) {
	est, err := Fixed(1 << 20).Estimate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Estimate{Quota: 1 << 20}, est)
}

func TestDiskCountsDatabaseFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "depot.db")
	require.NoError(t, os.WriteFile(path, make([]byte, 1000), 0o600))
	require.NoError(t, os.WriteFile(path+"-wal", make([]byte, 24), 0o600))

	est, err := Disk{Path: path}.Estimate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1024), est.Usage)
	assert.GreaterOrEqual(t, est.Quota, est.Usage)
}

func TestEstimatorFunc(t *testing.T) {
	var e Estimator = EstimatorFunc(func(context.Context) (Estimate, error) {
		return Estimate{Usage: 1, Quota: 2}, nil
	})
	est, err := e.Estimate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), est.Quota)
}
