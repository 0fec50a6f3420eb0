// Package engine defines the transactional, partitioned key-value store every
// depot service persists through, and the initialization barrier in front of it.
package engine

import (
	"context"
	"time"
)

// SchemaVersion is the storage layout version engines migrate to on Open.
const SchemaVersion = 1

// Partition names an independently transactable keyspace.
type Partition string

const (
	PartitionCache       Partition = "cache"
	PartitionQueue       Partition = "queue"
	PartitionPreferences Partition = "preferences"
	PartitionAPICache    Partition = "api-cache"
)

// Partitions lists every partition in a stable order.
var Partitions = []Partition{
	PartitionCache,
	PartitionQueue,
	PartitionPreferences,
	PartitionAPICache,
}

// Valid reports whether p is one of the known partitions.
func (p Partition) Valid() bool {
	for _, known := range Partitions {
		if p == known {
			return true
		}
	}
	return false
}

// Record is one stored key. ExpiresAt is zero for records that never expire;
// engines index it so ExpiredKeys does not need a full scan.
type Record struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Size approximates the bytes a record occupies.
func (r Record) Size() int64 {
	return int64(len(r.Key) + len(r.Value))
}

// Expired reports whether r has a deadline at or before now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Tx is the view of one partition inside View or Update.
type Tx interface {
	Get(key string) (Record, bool, error)
	Put(rec Record) error
	Delete(key string) error
	// Scan visits records in key order until fn returns false.
	Scan(fn func(Record) bool) error
	// ExpiredKeys returns keys whose ExpiresAt is at or before now, oldest first.
	ExpiredKeys(now time.Time) ([]string, error)
	Clear() error
}

// Engine is a persistent key-value store with named partitions.
//
// Update is atomic: when fn returns an error nothing it wrote is kept.
// Operations on different partitions never wait on each other's locks.
type Engine interface {
	// Open prepares storage and runs schema migrations. It is idempotent.
	Open(ctx context.Context) error
	View(ctx context.Context, p Partition, fn func(Tx) error) error
	Update(ctx context.Context, p Partition, fn func(Tx) error) error
	Count(ctx context.Context, p Partition) (int, error)
	// SizeBytes is a best-effort estimate of the storage used.
	SizeBytes(ctx context.Context) (int64, error)
	Close() error
}

// UpgradeHook runs once when stored data is older than SchemaVersion.
type UpgradeHook func(ctx context.Context, from, to int) error
