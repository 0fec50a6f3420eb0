// Package sqlitekv is the SQLite-backed engine.Engine: one table per
// partition, each Update one SQLite transaction.
package sqlitekv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"goflare.io/depot/internal/engine"
	"goflare.io/depot/internal/engine/sqlitekv/migrations"
	"goflare.io/depot/internal/retrier"
)

const pageSize = 4096

var tables = map[engine.Partition]string{
	engine.PartitionCache:       "cache_entries",
	engine.PartitionQueue:       "queue_entries",
	engine.PartitionPreferences: "preferences",
	engine.PartitionAPICache:    "api_cache",
}

// Engine stores partitions in a single SQLite database file.
type Engine struct {
	path     string
	maxBytes int64
	hook     engine.UpgradeHook

	mu     sync.Mutex
	sqlDB  *sql.DB
	closed bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxBytes caps the database size. Writes that would grow it further
// fail with engine.ErrQuotaExceeded. The cap is rounded down to whole pages.
func WithMaxBytes(n int64) Option {
	return func(e *Engine) { e.maxBytes = n }
}

// WithUpgradeHook registers the hook run when the file's user_version is
// older than engine.SchemaVersion.
func WithUpgradeHook(hook engine.UpgradeHook) Option {
	return func(e *Engine) { e.hook = hook }
}

// New returns an unopened Engine for the database file at path.
func New(path string, opts ...Option) (*Engine, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	e := &Engine{path: filepath.Clean(path)}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Path returns the database file location.
func (e *Engine) Path() string {
	return e.path
}

func (e *Engine) dsn() string {
	params := []string{
		"_pragma=page_size(" + fmt.Sprint(pageSize) + ")",
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_txlock=immediate",
	}
	if e.maxBytes > 0 {
		pages := e.maxBytes / pageSize
		if pages < 1 {
			pages = 1
		}
		params = append(params, fmt.Sprintf("_pragma=max_page_count(%d)", pages))
	}
	return e.path + "?" + strings.Join(params, "&")
}

func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return engine.ErrClosed
	}
	if e.sqlDB != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	sqlDB, err := sql.Open("sqlite", e.dsn())
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("ping sqlite db: %w", mapError(err))
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("run migrations: %w", mapError(err))
	}
	if err := e.upgrade(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return err
	}

	e.sqlDB = sqlDB
	return nil
}

func (e *Engine) upgrade(ctx context.Context, sqlDB *sql.DB) error {
	var stored int
	if err := sqlDB.QueryRowContext(ctx, "PRAGMA user_version").Scan(&stored); err != nil {
		return fmt.Errorf("read schema version: %w", mapError(err))
	}
	if stored >= engine.SchemaVersion {
		return nil
	}
	if e.hook != nil {
		if err := e.hook(ctx, stored, engine.SchemaVersion); err != nil {
			return fmt.Errorf("upgrade schema %d -> %d: %w", stored, engine.SchemaVersion, err)
		}
	}
	if _, err := sqlDB.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", engine.SchemaVersion)); err != nil {
		return fmt.Errorf("write schema version: %w", mapError(err))
	}
	return nil
}

func (e *Engine) handle(p engine.Partition) (*sql.DB, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, "", engine.ErrClosed
	}
	if e.sqlDB == nil {
		return nil, "", engine.ErrNotOpen
	}
	table, ok := tables[p]
	if !ok {
		return nil, "", engine.CheckPartition(p)
	}
	return e.sqlDB, table, nil
}

func (e *Engine) View(ctx context.Context, p engine.Partition, fn func(engine.Tx) error) error {
	sqlDB, table, err := e.handle(p)
	if err != nil {
		return err
	}
	sqlTx, err := sqlDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read: %w", mapError(err))
	}
	defer func() { _ = sqlTx.Rollback() }()

	return fn(&tx{ctx: ctx, sqlTx: sqlTx, table: table, readOnly: true})
}

func (e *Engine) Update(ctx context.Context, p engine.Partition, fn func(engine.Tx) error) error {
	sqlDB, table, err := e.handle(p)
	if err != nil {
		return err
	}
	sqlTx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write: %w", mapError(err))
	}

	if err := fn(&tx{ctx: ctx, sqlTx: sqlTx, table: table}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", p, mapError(err))
	}
	return nil
}

func (e *Engine) Count(ctx context.Context, p engine.Partition) (int, error) {
	sqlDB, table, err := e.handle(p)
	if err != nil {
		return 0, err
	}
	var n int
	if err := sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", p, mapError(err))
	}
	return n, nil
}

func (e *Engine) SizeBytes(ctx context.Context) (int64, error) {
	sqlDB, _, err := e.handle(engine.PartitionCache)
	if err != nil {
		return 0, err
	}
	var pages, size int64
	if err := sqlDB.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return 0, fmt.Errorf("page count: %w", mapError(err))
	}
	if err := sqlDB.QueryRowContext(ctx, "PRAGMA page_size").Scan(&size); err != nil {
		return 0, fmt.Errorf("page size: %w", mapError(err))
	}
	return pages * size, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	if e.sqlDB == nil {
		return nil
	}
	err := e.sqlDB.Close()
	e.sqlDB = nil
	return err
}

// mapError translates SQLite result codes into engine errors. A full
// database becomes ErrQuotaExceeded; lock contention is marked temporary.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3lib.SQLITE_FULL:
		return fmt.Errorf("%w: %v", engine.ErrQuotaExceeded, err)
	case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
		return retrier.MarkTemporary(err)
	}
	return err
}

type tx struct {
	ctx      context.Context
	sqlTx    *sql.Tx
	table    string
	readOnly bool
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func (t *tx) Get(key string) (engine.Record, bool, error) {
	var (
		value     []byte
		expiresAt sql.NullInt64
	)
	err := t.sqlTx.QueryRowContext(t.ctx,
		"SELECT value, expires_at FROM "+t.table+" WHERE key = ?", key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Record{}, false, nil
	}
	if err != nil {
		return engine.Record{}, false, fmt.Errorf("get %s: %w", key, mapError(err))
	}
	return engine.Record{Key: key, Value: value, ExpiresAt: fromMillis(expiresAt)}, true, nil
}

func (t *tx) Put(rec engine.Record) error {
	if t.readOnly {
		return engine.ErrReadOnly
	}
	if rec.Key == "" {
		return engine.ErrEmptyKey
	}
	value := rec.Value
	if value == nil {
		value = []byte{}
	}
	_, err := t.sqlTx.ExecContext(t.ctx,
		`INSERT INTO `+t.table+` (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		rec.Key, value, toMillis(rec.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", rec.Key, mapError(err))
	}
	return nil
}

func (t *tx) Delete(key string) error {
	if t.readOnly {
		return engine.ErrReadOnly
	}
	if _, err := t.sqlTx.ExecContext(t.ctx, "DELETE FROM "+t.table+" WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, mapError(err))
	}
	return nil
}

func (t *tx) Clear() error {
	if t.readOnly {
		return engine.ErrReadOnly
	}
	if _, err := t.sqlTx.ExecContext(t.ctx, "DELETE FROM "+t.table); err != nil {
		return fmt.Errorf("clear %s: %w", t.table, mapError(err))
	}
	return nil
}

// Scan reads the whole partition before calling fn so fn may issue its own
// queries on the transaction.
func (t *tx) Scan(fn func(engine.Record) bool) error {
	rows, err := t.sqlTx.QueryContext(t.ctx, "SELECT key, value, expires_at FROM "+t.table+" ORDER BY key")
	if err != nil {
		return fmt.Errorf("scan %s: %w", t.table, mapError(err))
	}
	var records []engine.Record
	for rows.Next() {
		var (
			rec       engine.Record
			expiresAt sql.NullInt64
		)
		if err := rows.Scan(&rec.Key, &rec.Value, &expiresAt); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan %s: %w", t.table, err)
		}
		rec.ExpiresAt = fromMillis(expiresAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("scan %s: %w", t.table, mapError(err))
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, rec := range records {
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

func (t *tx) ExpiredKeys(now time.Time) ([]string, error) {
	rows, err := t.sqlTx.QueryContext(t.ctx,
		"SELECT key FROM "+t.table+" WHERE expires_at IS NOT NULL AND expires_at <= ? ORDER BY expires_at, key",
		now.UTC().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("expired keys %s: %w", t.table, mapError(err))
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
