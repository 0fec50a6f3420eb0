package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/depot/internal/retrier"
)

// DB guards an Engine with a shared initialization barrier. Every operation
// waits for Ready; concurrent first callers join one in-flight Open.
type DB struct {
	engine  Engine
	retrier *retrier.Retrier
	logger  *zap.Logger

	sf     singleflight.Group
	ready  *atomic.Bool
	closed *atomic.Bool
	opens  *atomic.Int64
}

// NewDB wraps e. Open failures are retried by r; a nil r means one attempt.
func NewDB(e Engine, r *retrier.Retrier, logger *zap.Logger) *DB {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{
		engine:  e,
		retrier: r,
		logger:  logger,
		ready:   atomic.NewBool(false),
		closed:  atomic.NewBool(false),
		opens:   atomic.NewInt64(0),
	}
}

// Engine returns the wrapped engine.
func (d *DB) Engine() Engine {
	return d.engine
}

// OpenAttempts reports how many times Open was invoked on the engine.
func (d *DB) OpenAttempts() int64 {
	return d.opens.Load()
}

// Ready blocks until the engine is open. A failed initialization is returned
// as *InitError and the next caller starts a fresh attempt.
func (d *DB) Ready(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if d.ready.Load() {
		return nil
	}

	ch := d.sf.DoChan("open", func() (any, error) {
		if d.ready.Load() {
			return nil, nil
		}
		openCtx := context.WithoutCancel(ctx)
		start := time.Now()
		err := d.open(openCtx)
		if err != nil {
			d.logger.Error("Failed to initialize storage engine", zap.Error(err))
			return nil, &InitError{Err: err}
		}
		d.ready.Store(true)
		d.logger.Debug("Storage engine ready", zap.Duration("elapsed", time.Since(start)))
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *DB) open(ctx context.Context) error {
	attempt := func() error {
		d.opens.Inc()
		return d.engine.Open(ctx)
	}
	if d.retrier == nil {
		return attempt()
	}
	return d.retrier.Run(ctx, attempt)
}

// View runs fn over a read-only view of partition p.
func (d *DB) View(ctx context.Context, p Partition, fn func(Tx) error) error {
	if err := d.Ready(ctx); err != nil {
		return err
	}
	return d.engine.View(ctx, p, fn)
}

// Update runs fn in a write transaction over partition p.
func (d *DB) Update(ctx context.Context, p Partition, fn func(Tx) error) error {
	if err := d.Ready(ctx); err != nil {
		return err
	}
	return d.engine.Update(ctx, p, fn)
}

// Count returns the number of records in p.
func (d *DB) Count(ctx context.Context, p Partition) (int, error) {
	if err := d.Ready(ctx); err != nil {
		return 0, err
	}
	return d.engine.Count(ctx, p)
}

// SizeBytes returns the engine's best-effort storage estimate.
func (d *DB) SizeBytes(ctx context.Context) (int64, error) {
	if err := d.Ready(ctx); err != nil {
		return 0, err
	}
	return d.engine.SizeBytes(ctx)
}

// ClearAll empties every partition, each in its own transaction.
func (d *DB) ClearAll(ctx context.Context) error {
	var errs []error
	for _, p := range Partitions {
		if err := d.Update(ctx, p, func(tx Tx) error { return tx.Clear() }); err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes the engine. Later operations fail with ErrClosed.
func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.engine.Close()
}
