// Package memory is an in-process engine.Engine for tests and ephemeral use.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"goflare.io/depot/internal/engine"
)

// Engine keeps every partition in a map guarded by its own lock.
type Engine struct {
	mu            sync.Mutex
	opened        bool
	closed        bool
	storedVersion int
	hook          engine.UpgradeHook
	openErr       func(attempt int) error
	openAttempts  int

	parts map[engine.Partition]*partition

	quotaMu  sync.Mutex
	maxBytes int64
	used     int64
}

type partition struct {
	mu   sync.RWMutex
	data map[string]engine.Record
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxBytes makes writes fail with engine.ErrQuotaExceeded once the
// stored records would exceed n bytes.
func WithMaxBytes(n int64) Option {
	return func(e *Engine) { e.maxBytes = n }
}

// WithUpgradeHook registers the migration hook run by Open.
func WithUpgradeHook(hook engine.UpgradeHook) Option {
	return func(e *Engine) { e.hook = hook }
}

// WithStoredVersion pretends data of the given schema version is already stored.
func WithStoredVersion(v int) Option {
	return func(e *Engine) { e.storedVersion = v }
}

// WithOpenError injects a failure for the given Open attempt (1-based); a nil
// return lets the attempt succeed.
func WithOpenError(fn func(attempt int) error) Option {
	return func(e *Engine) { e.openErr = fn }
}

// New creates an empty Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		parts: make(map[engine.Partition]*partition, len(engine.Partitions)),
	}
	for _, p := range engine.Partitions {
		e.parts[p] = &partition{data: make(map[string]engine.Record)}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return engine.ErrClosed
	}
	if e.opened {
		return nil
	}
	e.openAttempts++
	if e.openErr != nil {
		if err := e.openErr(e.openAttempts); err != nil {
			return err
		}
	}
	if e.storedVersion < engine.SchemaVersion {
		if e.hook != nil {
			if err := e.hook(ctx, e.storedVersion, engine.SchemaVersion); err != nil {
				return err
			}
		}
		e.storedVersion = engine.SchemaVersion
	}
	e.opened = true
	return nil
}

func (e *Engine) partition(p engine.Partition) (*partition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, engine.ErrClosed
	}
	if !e.opened {
		return nil, engine.ErrNotOpen
	}
	part, ok := e.parts[p]
	if !ok {
		return nil, engine.CheckPartition(p)
	}
	return part, nil
}

func (e *Engine) View(ctx context.Context, p engine.Partition, fn func(engine.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	part, err := e.partition(p)
	if err != nil {
		return err
	}
	part.mu.RLock()
	defer part.mu.RUnlock()

	return fn(engine.NewStaged(reader{data: part.data}, true))
}

func (e *Engine) Update(ctx context.Context, p engine.Partition, fn func(engine.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	part, err := e.partition(p)
	if err != nil {
		return err
	}
	part.mu.Lock()
	defer part.mu.Unlock()

	tx := engine.NewStaged(reader{data: part.data}, false)
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.Dirty() {
		return nil
	}
	return e.commit(part, tx)
}

// commit applies staged writes, refusing the whole batch if it breaks the quota.
func (e *Engine) commit(part *partition, tx *engine.Staged) error {
	cleared, puts, deletes := tx.Pending()

	var delta int64
	if cleared {
		for _, rec := range part.data {
			delta -= rec.Size()
		}
	}
	for _, key := range deletes {
		if rec, ok := part.data[key]; ok && !cleared {
			delta -= rec.Size()
		}
	}
	for _, rec := range puts {
		if old, ok := part.data[rec.Key]; ok && !cleared {
			delta -= old.Size()
		}
		delta += rec.Size()
	}

	e.quotaMu.Lock()
	defer e.quotaMu.Unlock()
	if e.maxBytes > 0 && delta > 0 && e.used+delta > e.maxBytes {
		return engine.ErrQuotaExceeded
	}
	e.used += delta

	if cleared {
		part.data = make(map[string]engine.Record)
	}
	for _, key := range deletes {
		delete(part.data, key)
	}
	for _, rec := range puts {
		part.data[rec.Key] = rec
	}
	return nil
}

func (e *Engine) Count(ctx context.Context, p engine.Partition) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	part, err := e.partition(p)
	if err != nil {
		return 0, err
	}
	part.mu.RLock()
	defer part.mu.RUnlock()
	return len(part.data), nil
}

func (e *Engine) SizeBytes(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.quotaMu.Lock()
	defer e.quotaMu.Unlock()
	return e.used, nil
}

// MaxBytes returns the configured quota, zero when unlimited.
func (e *Engine) MaxBytes() int64 {
	return e.maxBytes
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type reader struct {
	data map[string]engine.Record
}

func (r reader) Get(key string) (engine.Record, bool, error) {
	rec, ok := r.data[key]
	return rec, ok, nil
}

func (r reader) Scan(fn func(engine.Record) bool) error {
	keys := make([]string, 0, len(r.data))
	for key := range r.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !fn(r.data[key]) {
			return nil
		}
	}
	return nil
}

func (r reader) ExpiredKeys(now time.Time) ([]string, error) {
	var keys []string
	for key, rec := range r.data {
		if rec.Expired(now) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
