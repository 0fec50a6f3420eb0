//go:build !linux && !darwin

package quota

import (
	"context"
	"os"
)

// Disk reports only the database file sizes on platforms without statfs.
type Disk struct {
	Path string
}

func (d Disk) Estimate(ctx context.Context) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}
	var usage int64
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if info, err := os.Stat(d.Path + suffix); err == nil {
			usage += info.Size()
		}
	}
	return Estimate{Usage: usage}, nil
}
