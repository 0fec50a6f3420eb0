//go:build linux || darwin

package quota

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Disk estimates from the filesystem holding a database file: usage is the
// file plus its WAL and shared-memory siblings, quota is that usage plus the
// space still available to unprivileged users.
type Disk struct {
	Path string
}

func (d Disk) Estimate(ctx context.Context) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}

	var st unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(d.Path), &st); err != nil {
		return Estimate{}, fmt.Errorf("statfs %s: %w", filepath.Dir(d.Path), err)
	}
	available := int64(st.Bavail) * int64(st.Bsize)

	var usage int64
	for _, suffix := range []string{"", "-wal", "-shm"} {
		info, err := os.Stat(d.Path + suffix)
		if err != nil {
			continue
		}
		usage += info.Size()
	}
	return Estimate{Usage: usage, Quota: usage + available}, nil
}
