// Package queue is the outbox of writes waiting to reach the remote system.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/depot/internal/config"
	"goflare.io/depot/internal/engine"
	"goflare.io/depot/internal/models"
	"goflare.io/depot/pkg/serialization"
)

var (
	ErrEntryNotFound      = errors.New("queue entry not found")
	ErrCollectionRequired = errors.New("queue collection is required")
	ErrCorruptEntry       = errors.New("corrupt queue entry")
)

// FailureResult is the outcome of RecordFailure.
type FailureResult struct {
	Entry models.QueueEntry
	// Terminal is set when the entry reached the retry cap and was deleted.
	Terminal bool
}

// Queue stores QueueEntry records in the queue partition.
type Queue struct {
	db         *engine.DB
	codec      serialization.Codec
	clock      func() time.Time
	maxRetries int
	logger     *zap.Logger
	tracer     trace.Tracer
}

// New creates a Queue over db.
func New(db *engine.DB, cfg *config.Config) *Queue {
	return &Queue{
		db:         db,
		codec:      cfg.Serialization,
		clock:      cfg.Clock,
		maxRetries: cfg.Sync.MaxRetries,
		logger:     cfg.Logger.Named("queue"),
		tracer:     otel.Tracer("depot/queue"),
	}
}

// newID derives a unique id from the operation, the time and a random suffix.
func newID(op models.Operation, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return "queue-" + string(op) + "-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + suffix
}

// Enqueue persists a new mutation with RetryCount 0. Priority defaults to
// medium.
func (q *Queue) Enqueue(ctx context.Context, op models.Operation, collection string, payload any, priority ...models.Priority) (models.QueueEntry, error) {
	ctx, span := q.tracer.Start(ctx, "Queue.Enqueue", trace.WithAttributes(
		attribute.String("operation", string(op)),
		attribute.String("collection", collection),
	))
	defer span.End()

	if !op.Valid() {
		return models.QueueEntry{}, fmt.Errorf("%w: %q", models.ErrInvalidOperation, op)
	}
	if strings.TrimSpace(collection) == "" {
		return models.QueueEntry{}, ErrCollectionRequired
	}
	prio := models.PriorityMedium
	if len(priority) > 0 {
		prio = priority[0]
	}
	if !prio.Valid() {
		return models.QueueEntry{}, fmt.Errorf("%w: %d", models.ErrInvalidPriority, int(prio))
	}

	data, err := q.codec.Marshal(payload)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	now := q.clock()
	entry := models.QueueEntry{
		ID:         newID(op, now),
		Operation:  op,
		Collection: collection,
		Payload:    data,
		EnqueuedAt: now,
		Priority:   prio,
	}
	if err := q.put(ctx, entry); err != nil {
		return models.QueueEntry{}, err
	}

	span.SetAttributes(attribute.String("id", entry.ID))
	q.logger.Debug("Enqueued mutation",
		zap.String("id", entry.ID),
		zap.String("collection", collection),
		zap.Stringer("priority", prio),
	)
	return entry, nil
}

func (q *Queue) put(ctx context.Context, entry models.QueueEntry) error {
	data, err := q.codec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry %s: %w", entry.ID, err)
	}
	if err := q.db.Update(ctx, engine.PartitionQueue, func(tx engine.Tx) error {
		return tx.Put(engine.Record{Key: entry.ID, Value: data})
	}); err != nil {
		return fmt.Errorf("failed to store entry %s: %w", entry.ID, err)
	}
	return nil
}

func (q *Queue) decode(rec engine.Record) (models.QueueEntry, error) {
	var entry models.QueueEntry
	if err := q.codec.Unmarshal(rec.Value, &entry); err != nil {
		return models.QueueEntry{}, fmt.Errorf("%w %s: %w", ErrCorruptEntry, rec.Key, err)
	}
	switch {
	case entry.ID != rec.Key:
		return models.QueueEntry{}, fmt.Errorf("%w %s: stored id %q", ErrCorruptEntry, rec.Key, entry.ID)
	case !entry.Operation.Valid():
		return models.QueueEntry{}, fmt.Errorf("%w %s: operation %q", ErrCorruptEntry, rec.Key, entry.Operation)
	case !entry.Priority.Valid():
		return models.QueueEntry{}, fmt.Errorf("%w %s: priority %d", ErrCorruptEntry, rec.Key, int(entry.Priority))
	case strings.TrimSpace(entry.Collection) == "":
		return models.QueueEntry{}, fmt.Errorf("%w %s: %w", ErrCorruptEntry, rec.Key, ErrCollectionRequired)
	}
	return entry, nil
}

// CheckRecords reports the first record that would not decode as a queue
// entry.
func (q *Queue) CheckRecords(records []engine.Record) error {
	for _, rec := range records {
		if _, err := q.decode(rec); err != nil {
			return err
		}
	}
	return nil
}

// DropCorrupt deletes every record that no longer decodes as a queue entry
// and returns one TerminalFailure per deleted record.
func (q *Queue) DropCorrupt(ctx context.Context) ([]models.TerminalFailure, error) {
	ctx, span := q.tracer.Start(ctx, "Queue.DropCorrupt")
	defer span.End()

	var dropped []models.TerminalFailure
	err := q.db.Update(ctx, engine.PartitionQueue, func(tx engine.Tx) error {
		dropped = dropped[:0]
		now := q.clock()
		if err := tx.Scan(func(rec engine.Record) bool {
			if _, err := q.decode(rec); err != nil {
				dropped = append(dropped, models.TerminalFailure{
					Entry:  models.QueueEntry{ID: rec.Key},
					Reason: err.Error(),
					At:     now,
				})
			}
			return true
		}); err != nil {
			return err
		}
		for _, f := range dropped {
			if err := tx.Delete(f.Entry.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drop corrupt entries: %w", err)
	}

	for _, f := range dropped {
		q.logger.Error("Dropped undecodable queue entry", zap.String("id", f.Entry.ID), zap.String("reason", f.Reason))
	}
	span.SetAttributes(attribute.Int("dropped", len(dropped)))
	return dropped, nil
}

// List returns a snapshot of the queue, high priority first and FIFO within a
// priority. Passing priorities restricts the result to those buckets.
// Records that do not decode are logged and left out; DropCorrupt removes
// them.
func (q *Queue) List(ctx context.Context, priorities ...models.Priority) ([]models.QueueEntry, error) {
	ctx, span := q.tracer.Start(ctx, "Queue.List")
	defer span.End()

	want := make(map[models.Priority]bool, len(priorities))
	for _, p := range priorities {
		want[p] = true
	}

	var entries []models.QueueEntry
	err := q.db.View(ctx, engine.PartitionQueue, func(tx engine.Tx) error {
		entries = entries[:0]
		return tx.Scan(func(rec engine.Record) bool {
			entry, err := q.decode(rec)
			if err != nil {
				q.logger.Warn("Skipping undecodable queue entry", zap.String("id", rec.Key), zap.Error(err))
				return true
			}
			if len(want) == 0 || want[entry.Priority] {
				entries = append(entries, entry)
			}
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}

	SortForReplay(entries)
	span.SetAttributes(attribute.Int("count", len(entries)))
	return entries, nil
}

// SortForReplay orders entries by priority descending, then enqueue time,
// then id.
func SortForReplay(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ID < b.ID
	})
}

// Get returns the entry with id.
func (q *Queue) Get(ctx context.Context, id string) (models.QueueEntry, error) {
	var entry models.QueueEntry
	err := q.db.View(ctx, engine.PartitionQueue, func(tx engine.Tx) error {
		rec, ok, err := tx.Get(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
		}
		entry, err = q.decode(rec)
		return err
	})
	return entry, err
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.db.Count(ctx, engine.PartitionQueue)
}

// Remove deletes id after the remote system confirmed it. Removing an
// unknown id returns ErrEntryNotFound.
func (q *Queue) Remove(ctx context.Context, id string) error {
	ctx, span := q.tracer.Start(ctx, "Queue.Remove", trace.WithAttributes(attribute.String("id", id)))
	defer span.End()

	return q.db.Update(ctx, engine.PartitionQueue, func(tx engine.Tx) error {
		_, ok, err := tx.Get(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
		}
		return tx.Delete(id)
	})
}

// RecordFailure counts a failed delivery of id. Once RetryCount reaches
// maxRetries the entry is deleted and the result is Terminal. A maxRetries
// of zero or less uses the configured default.
func (q *Queue) RecordFailure(ctx context.Context, id string, maxRetries int, cause error) (FailureResult, error) {
	ctx, span := q.tracer.Start(ctx, "Queue.RecordFailure", trace.WithAttributes(attribute.String("id", id)))
	defer span.End()

	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	var result FailureResult
	err := q.db.Update(ctx, engine.PartitionQueue, func(tx engine.Tx) error {
		rec, ok, err := tx.Get(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
		}
		entry, err := q.decode(rec)
		if err != nil {
			return err
		}

		entry.RetryCount++
		entry.LastError = reason
		result = FailureResult{Entry: entry, Terminal: entry.RetryCount >= maxRetries}
		if result.Terminal {
			return tx.Delete(id)
		}

		data, err := q.codec.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to encode entry %s: %w", id, err)
		}
		return tx.Put(engine.Record{Key: id, Value: data})
	})
	if err != nil {
		return FailureResult{}, err
	}

	span.SetAttributes(attribute.Int("retry_count", result.Entry.RetryCount), attribute.Bool("terminal", result.Terminal))
	if result.Terminal {
		q.logger.Warn("Dropped mutation after exhausting retries",
			zap.String("id", id),
			zap.String("collection", result.Entry.Collection),
			zap.Int("retry_count", result.Entry.RetryCount),
			zap.String("reason", reason),
		)
	}
	return result, nil
}

// DecodePayload decodes entry's payload into dst.
func (q *Queue) DecodePayload(entry models.QueueEntry, dst any) error {
	return q.codec.Unmarshal(entry.Payload, dst)
}
