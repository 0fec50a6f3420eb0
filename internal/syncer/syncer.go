// Package syncer replays queued mutations against the remote system.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/depot/internal/config"
	"goflare.io/depot/internal/models"
	"goflare.io/depot/internal/prefs"
	"goflare.io/depot/internal/queue"
)

// ErrNoRemote is returned by ForceSync when no Applier is configured.
var ErrNoRemote = errors.New("no remote applier configured")

// Applier delivers one queued mutation to the remote system. A nil error
// means the remote confirmed it.
type Applier interface {
	Apply(ctx context.Context, entry models.QueueEntry) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, entry models.QueueEntry) error

func (f ApplierFunc) Apply(ctx context.Context, entry models.QueueEntry) error {
	return f(ctx, entry)
}

// Connectivity reports whether the remote system is reachable.
type Connectivity func(ctx context.Context) bool

// Option configures an Engine.
type Option func(*Engine)

// WithApplier sets the remote apply capability.
func WithApplier(a Applier) Option {
	return func(e *Engine) { e.applier = a }
}

// WithConnectivity sets the connectivity check consulted before each pass.
func WithConnectivity(fn Connectivity) Option {
	return func(e *Engine) { e.online = fn }
}

// Engine runs sync passes on demand and on a schedule.
type Engine struct {
	queue   *queue.Queue
	prefs   *prefs.Store
	applier Applier
	online  Connectivity
	breaker *gobreaker.CircuitBreaker

	cfg    config.SyncConfig
	clock  func() time.Time
	logger *zap.Logger
	tracer trace.Tracer

	sf           singleflight.Group
	status       *atomic.String
	lastSync     *atomic.Time
	lastTerminal *atomic.Pointer[models.TerminalFailure]
	events       broadcaster

	handlersMu sync.RWMutex
	handlers   []TerminalHandler

	runMu sync.Mutex
	stop  chan struct{}
}

// New creates an Engine replaying q.
func New(q *queue.Queue, p *prefs.Store, cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{
		queue:        q,
		prefs:        p,
		breaker:      gobreaker.NewCircuitBreaker(cfg.Sync.CircuitBreaker),
		cfg:          cfg.Sync,
		clock:        cfg.Clock,
		logger:       cfg.Logger.Named("syncer"),
		tracer:       otel.Tracer("depot/syncer"),
		status:       atomic.NewString(string(StatusIdle)),
		lastSync:     atomic.NewTime(time.Time{}),
		lastTerminal: atomic.NewPointer[models.TerminalFailure](nil),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Status returns the current status.
func (e *Engine) Status() Status {
	return Status(e.status.Load())
}

// LastSync returns when a pass last made progress in this process, or the
// zero time.
func (e *Engine) LastSync() time.Time {
	return e.lastSync.Load()
}

// LastTerminalFailure returns the most recent dropped mutation, if any.
func (e *Engine) LastTerminalFailure() *models.TerminalFailure {
	return e.lastTerminal.Load()
}

// Subscribe returns a channel of status events and a func that unsubscribes
// and closes it.
func (e *Engine) Subscribe() (<-chan StatusEvent, func()) {
	return e.events.subscribe()
}

// OnTerminalFailure registers fn to be called once for every dropped mutation.
func (e *Engine) OnTerminalFailure(fn TerminalHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers = append(e.handlers, fn)
}

func (e *Engine) setStatus(s Status, res *Result) {
	e.status.Store(string(s))
	e.events.publish(StatusEvent{Status: s, At: e.clock(), Result: res})
}

// ForceSync runs a pass now. Callers arriving while a pass is running wait
// for it and share its result instead of starting another. Cancelling ctx
// stops the wait, not the pass.
func (e *Engine) ForceSync(ctx context.Context) (Result, error) {
	ch := e.sf.DoChan("pass", func() (any, error) {
		return e.pass(context.WithoutCancel(ctx))
	})
	select {
	case r := <-ch:
		res, _ := r.Val.(Result)
		return res, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (e *Engine) pass(ctx context.Context) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "Syncer.Pass")
	defer span.End()

	if e.applier == nil {
		return Result{}, ErrNoRemote
	}
	res := Result{StartedAt: e.clock()}

	if e.online != nil && !e.online(ctx) {
		res.Status = StatusOffline
		res.FinishedAt = e.clock()
		e.logger.Info("Skipping sync while offline")
		e.setStatus(StatusOffline, &res)
		return res, nil
	}

	e.setStatus(StatusSyncing, nil)
	corrupt, err := e.queue.DropCorrupt(ctx)
	if err != nil {
		e.logger.Warn("Failed to drop corrupt queue entries", zap.Error(err))
	}
	for _, failure := range corrupt {
		e.drop(ctx, failure, &res)
	}

	entries, err := e.queue.List(ctx)
	if err != nil {
		res.Status = StatusError
		res.FinishedAt = e.clock()
		e.logger.Error("Failed to snapshot queue", zap.Error(err))
		e.setStatus(StatusError, &res)
		e.setStatus(StatusIdle, nil)
		return res, fmt.Errorf("sync: %w", err)
	}

	for i, entry := range entries {
		applyErr := e.apply(ctx, entry)
		if errors.Is(applyErr, gobreaker.ErrOpenState) || errors.Is(applyErr, gobreaker.ErrTooManyRequests) {
			res.Skipped += len(entries) - i
			e.logger.Warn("Remote circuit open, skipping rest of pass", zap.Int("skipped", len(entries)-i))
			break
		}
		if applyErr == nil {
			e.confirm(ctx, entry)
			res.Synced++
			continue
		}
		e.fail(ctx, entry, applyErr, &res)
	}

	res.FinishedAt = e.clock()
	if res.Synced > 0 || len(entries) == 0 {
		e.recordSync(ctx, res.FinishedAt)
	}

	switch {
	case res.Failed+res.Dropped+res.Skipped == 0:
		res.Status = StatusSuccess
	case res.Synced > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusError
	}

	span.SetAttributes(
		attribute.Int("synced", res.Synced),
		attribute.Int("failed", res.Failed),
		attribute.Int("dropped", res.Dropped),
		attribute.Int("skipped", res.Skipped),
	)
	e.logger.Info("Sync pass finished",
		zap.String("status", string(res.Status)),
		zap.Int("synced", res.Synced),
		zap.Int("failed", res.Failed),
		zap.Int("dropped", res.Dropped),
		zap.Int("skipped", res.Skipped),
	)
	e.setStatus(res.Status, &res)
	e.setStatus(StatusIdle, nil)
	return res, nil
}

func (e *Engine) apply(ctx context.Context, entry models.QueueEntry) error {
	_, err := e.breaker.Execute(func() (any, error) {
		applyCtx, cancel := context.WithTimeout(ctx, e.cfg.ApplyTimeout)
		defer cancel()
		return nil, e.applier.Apply(applyCtx, entry)
	})
	return err
}

// confirm removes an applied entry. The remote already has the write, so a
// failed removal is only logged.
func (e *Engine) confirm(ctx context.Context, entry models.QueueEntry) {
	if err := e.queue.Remove(ctx, entry.ID); err != nil && !errors.Is(err, queue.ErrEntryNotFound) {
		e.logger.Warn("Failed to remove applied mutation", zap.String("id", entry.ID), zap.Error(err))
	}
}

func (e *Engine) fail(ctx context.Context, entry models.QueueEntry, cause error, res *Result) {
	fr, err := e.queue.RecordFailure(ctx, entry.ID, e.cfg.MaxRetries, cause)
	if errors.Is(err, queue.ErrEntryNotFound) {
		return
	}
	if err != nil {
		e.logger.Error("Failed to record sync failure", zap.String("id", entry.ID), zap.Error(err))
		res.Failed++
		return
	}
	if !fr.Terminal {
		e.logger.Debug("Mutation failed, will retry",
			zap.String("id", entry.ID),
			zap.Int("retry_count", fr.Entry.RetryCount),
			zap.Error(cause),
		)
		res.Failed++
		return
	}

	e.drop(ctx, models.TerminalFailure{Entry: fr.Entry, Reason: cause.Error(), At: e.clock()}, res)
}

// drop records a discarded mutation and tells every terminal handler.
func (e *Engine) drop(ctx context.Context, failure models.TerminalFailure, res *Result) {
	res.Dropped++
	res.DroppedEntries = append(res.DroppedEntries, failure)
	e.lastTerminal.Store(&failure)
	if e.prefs != nil {
		if err := e.prefs.Set(ctx, prefs.KeyLastTerminalFailure, failure); err != nil {
			e.logger.Warn("Failed to persist terminal failure", zap.String("id", failure.Entry.ID), zap.Error(err))
		}
	}

	e.handlersMu.RLock()
	handlers := append([]TerminalHandler(nil), e.handlers...)
	e.handlersMu.RUnlock()
	for _, h := range handlers {
		h(failure)
	}
}

func (e *Engine) recordSync(ctx context.Context, at time.Time) {
	e.lastSync.Store(at)
	if e.prefs == nil {
		return
	}
	if err := e.prefs.Set(ctx, prefs.KeyLastSync, at); err != nil {
		e.logger.Warn("Failed to persist last sync time", zap.Error(err))
	}
}

// Start schedules a pass every configured interval until Stop or ctx ends.
// Calling Start again while running does nothing.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.stop != nil {
		return
	}
	stop := make(chan struct{})
	e.stop = stop
	go e.run(ctx, stop)
}

func (e *Engine) run(ctx context.Context, stop <-chan struct{}) {
	if e.cfg.SyncOnStart {
		e.runOnce(ctx)
	}

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.runOnce(ctx)
		case <-stop:
			e.logger.Info("Stopping sync scheduler")
			return
		case <-ctx.Done():
			e.logger.Info("Stopping sync scheduler due to context cancellation")
			return
		}
	}
}

func (e *Engine) runOnce(ctx context.Context) {
	if _, err := e.ForceSync(ctx); err != nil && !errors.Is(err, ErrNoRemote) && ctx.Err() == nil {
		e.logger.Error("Scheduled sync failed", zap.Error(err))
	}
}

// Stop halts the scheduler. A pass already running finishes.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.stop == nil {
		return
	}
	close(e.stop)
	e.stop = nil
}
