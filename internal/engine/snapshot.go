package engine

import (
	"context"
	"fmt"
	"time"
)

// Snapshot is a raw dump of every partition, used by export and import.
type Snapshot struct {
	SchemaVersion int                    `json:"schemaVersion"`
	ExportedAt    time.Time              `json:"exportedAt"`
	Partitions    map[Partition][]Record `json:"partitions"`
}

// Count returns the number of records stored for p.
func (s *Snapshot) Count(p Partition) int {
	return len(s.Partitions[p])
}

// Export reads every partition. Each partition is read in its own
// transaction, so the dump is consistent per partition only.
func (d *DB) Export(ctx context.Context, now time.Time) (*Snapshot, error) {
	snap := &Snapshot{
		SchemaVersion: SchemaVersion,
		ExportedAt:    now,
		Partitions:    make(map[Partition][]Record, len(Partitions)),
	}
	for _, p := range Partitions {
		records := make([]Record, 0)
		if err := d.View(ctx, p, func(tx Tx) error {
			return tx.Scan(func(rec Record) bool {
				records = append(records, rec)
				return true
			})
		}); err != nil {
			return nil, fmt.Errorf("export %s: %w", p, err)
		}
		snap.Partitions[p] = records
	}
	return snap, nil
}

// Import writes every record of snap, overwriting existing keys. A partition
// that fails is left exactly as it was.
func (d *DB) Import(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("import: snapshot is required")
	}
	if snap.SchemaVersion > SchemaVersion {
		return fmt.Errorf("import: snapshot schema %d is newer than supported %d", snap.SchemaVersion, SchemaVersion)
	}
	for p := range snap.Partitions {
		if err := CheckPartition(p); err != nil {
			return fmt.Errorf("import: %w", err)
		}
	}
	for _, p := range Partitions {
		records := snap.Partitions[p]
		if len(records) == 0 {
			continue
		}
		if err := d.Update(ctx, p, func(tx Tx) error {
			for _, rec := range records {
				if err := tx.Put(rec); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("import %s: %w", p, err)
		}
	}
	return nil
}
