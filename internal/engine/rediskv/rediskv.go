// Package rediskv stores depot partitions in Redis. Each partition is a hash
// of values plus a sorted set of deadlines scored in unix milliseconds.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"goflare.io/depot/internal/engine"
)

const (
	defaultPrefix     = "depot"
	defaultMaxRetries = 16
)

// Engine is an engine.Engine over a Redis client. Update uses optimistic
// WATCH transactions, so its fn may run more than once under contention.
type Engine struct {
	client     redis.UniversalClient
	prefix     string
	hook       engine.UpgradeHook
	maxRetries int

	mu     sync.Mutex
	opened bool
	closed bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithPrefix namespaces every key the engine writes.
func WithPrefix(prefix string) Option {
	return func(e *Engine) { e.prefix = prefix }
}

// WithUpgradeHook registers the hook run when the stored schema version is old.
func WithUpgradeHook(hook engine.UpgradeHook) Option {
	return func(e *Engine) { e.hook = hook }
}

// WithMaxRetries bounds how often a conflicting Update is retried.
func WithMaxRetries(n int) Option {
	return func(e *Engine) { e.maxRetries = n }
}

// New wraps client. The engine owns the client and closes it on Close.
func New(client redis.UniversalClient, opts ...Option) (*Engine, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	e := &Engine{
		client:     client,
		prefix:     defaultPrefix,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxRetries < 1 {
		e.maxRetries = 1
	}
	return e, nil
}

func (e *Engine) hashKey(p engine.Partition) string {
	return e.prefix + ":" + string(p)
}

func (e *Engine) expKey(p engine.Partition) string {
	return e.prefix + ":" + string(p) + ":exp"
}

func (e *Engine) versionKey() string {
	return e.prefix + ":schema_version"
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
	if err := e.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	stored := 0
	raw, err := e.client.Get(ctx, e.versionKey()).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	default:
		if stored, err = strconv.Atoi(raw); err != nil {
			return fmt.Errorf("parse schema version %q: %w", raw, err)
		}
	}

	if stored < engine.SchemaVersion {
		if e.hook != nil {
			if err := e.hook(ctx, stored, engine.SchemaVersion); err != nil {
				return fmt.Errorf("upgrade schema %d -> %d: %w", stored, engine.SchemaVersion, err)
			}
		}
		if err := e.client.Set(ctx, e.versionKey(), engine.SchemaVersion, 0).Err(); err != nil {
			return fmt.Errorf("write schema version: %w", mapError(err))
		}
	}
	e.opened = true
	return nil
}

func (e *Engine) check(p engine.Partition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return engine.ErrClosed
	}
	if !e.opened {
		return engine.ErrNotOpen
	}
	return engine.CheckPartition(p)
}

func (e *Engine) View(ctx context.Context, p engine.Partition, fn func(engine.Tx) error) error {
	if err := e.check(p); err != nil {
		return err
	}
	return fn(engine.NewStaged(e.reader(ctx, e.client, p), true))
}

func (e *Engine) Update(ctx context.Context, p engine.Partition, fn func(engine.Tx) error) error {
	if err := e.check(p); err != nil {
		return err
	}
	hash, exp := e.hashKey(p), e.expKey(p)

	txf := func(rtx *redis.Tx) error {
		staged := engine.NewStaged(e.reader(ctx, rtx, p), false)
		if err := fn(staged); err != nil {
			return err
		}
		if !staged.Dirty() {
			return nil
		}
		cleared, puts, deletes := staged.Pending()

		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if cleared {
				pipe.Del(ctx, hash, exp)
			}
			for _, key := range deletes {
				pipe.HDel(ctx, hash, key)
				pipe.ZRem(ctx, exp, key)
			}
			for _, rec := range puts {
				pipe.HSet(ctx, hash, rec.Key, rec.Value)
				if rec.ExpiresAt.IsZero() {
					pipe.ZRem(ctx, exp, rec.Key)
				} else {
					pipe.ZAdd(ctx, exp, redis.Z{Score: float64(rec.ExpiresAt.UnixMilli()), Member: rec.Key})
				}
			}
			return nil
		})
		return err
	}

	for i := 0; i < e.maxRetries; i++ {
		err := e.client.Watch(ctx, txf, hash, exp)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return mapError(err)
	}
	return fmt.Errorf("update %s: %w", p, redis.TxFailedErr)
}

func (e *Engine) Count(ctx context.Context, p engine.Partition) (int, error) {
	if err := e.check(p); err != nil {
		return 0, err
	}
	n, err := e.client.HLen(ctx, e.hashKey(p)).Result()
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", p, err)
	}
	return int(n), nil
}

// SizeBytes sums MEMORY USAGE over the partition keys. Servers that do not
// implement the command contribute nothing.
func (e *Engine) SizeBytes(ctx context.Context) (int64, error) {
	if err := e.check(engine.PartitionCache); err != nil {
		return 0, err
	}
	var total int64
	for _, p := range engine.Partitions {
		for _, key := range []string{e.hashKey(p), e.expKey(p)} {
			n, err := e.client.MemoryUsage(ctx, key).Result()
			if err != nil {
				continue
			}
			total += n
		}
	}
	return total, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	return e.client.Close()
}

// mapError reports Redis maxmemory rejections as engine.ErrQuotaExceeded.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "OOM") {
		return fmt.Errorf("%w: %v", engine.ErrQuotaExceeded, err)
	}
	return err
}

// readCmd is the read surface shared by *redis.Client and *redis.Tx.
type readCmd interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	ZScore(ctx context.Context, key, member string) *redis.FloatCmd
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
}

type reader struct {
	ctx  context.Context
	cmd  readCmd
	hash string
	exp  string
}

func (e *Engine) reader(ctx context.Context, cmd readCmd, p engine.Partition) reader {
	return reader{ctx: ctx, cmd: cmd, hash: e.hashKey(p), exp: e.expKey(p)}
}

func (r reader) Get(key string) (engine.Record, bool, error) {
	value, err := r.cmd.HGet(r.ctx, r.hash, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return engine.Record{}, false, nil
	}
	if err != nil {
		return engine.Record{}, false, fmt.Errorf("get %s: %w", key, err)
	}

	rec := engine.Record{Key: key, Value: value}
	score, err := r.cmd.ZScore(r.ctx, r.exp, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return engine.Record{}, false, fmt.Errorf("deadline %s: %w", key, err)
	default:
		rec.ExpiresAt = time.UnixMilli(int64(score))
	}
	return rec, true, nil
}

func (r reader) Scan(fn func(engine.Record) bool) error {
	values, err := r.cmd.HGetAll(r.ctx, r.hash).Result()
	if err != nil {
		return fmt.Errorf("scan %s: %w", r.hash, err)
	}
	deadlines, err := r.cmd.ZRangeWithScores(r.ctx, r.exp, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("scan %s: %w", r.exp, err)
	}
	expiry := make(map[string]time.Time, len(deadlines))
	for _, z := range deadlines {
		if member, ok := z.Member.(string); ok {
			expiry[member] = time.UnixMilli(int64(z.Score))
		}
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		rec := engine.Record{Key: key, Value: []byte(values[key]), ExpiresAt: expiry[key]}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

func (r reader) ExpiredKeys(now time.Time) ([]string, error) {
	keys, err := r.cmd.ZRangeByScore(r.ctx, r.exp, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("expired keys %s: %w", r.exp, err)
	}
	return keys, nil
}
