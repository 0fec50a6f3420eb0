// Package prefs stores small user and system settings.
package prefs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"goflare.io/depot/internal/config"
	"goflare.io/depot/internal/engine"
	"goflare.io/depot/pkg/serialization"
)

// KeyLastSync holds the time of the last sync pass that made progress.
const KeyLastSync = "depot.lastSync"

// KeyLastTerminalFailure holds the most recent mutation dropped by sync.
const KeyLastTerminalFailure = "depot.lastTerminalFailure"

// Store keeps encoded values in the preferences partition.
type Store struct {
	db     *engine.DB
	codec  serialization.Codec
	logger *zap.Logger
}

// New creates a Store over db.
func New(db *engine.DB, cfg *config.Config) *Store {
	return &Store{db: db, codec: cfg.Serialization, logger: cfg.Logger.Named("prefs")}
}

// Set overwrites key with value.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	data, err := s.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode preference %s: %w", key, err)
	}
	if err := s.db.Update(ctx, engine.PartitionPreferences, func(tx engine.Tx) error {
		return tx.Put(engine.Record{Key: key, Value: data})
	}); err != nil {
		return fmt.Errorf("failed to store preference %s: %w", key, err)
	}
	return nil
}

// Get decodes key into dst and reports whether it was set.
func (s *Store) Get(ctx context.Context, key string, dst any) (bool, error) {
	var rec engine.Record
	var found bool
	if err := s.db.View(ctx, engine.PartitionPreferences, func(tx engine.Tx) error {
		var err error
		rec, found, err = tx.Get(key)
		return err
	}); err != nil {
		return false, fmt.Errorf("failed to read preference %s: %w", key, err)
	}
	if !found {
		return false, nil
	}
	if err := s.codec.Unmarshal(rec.Value, dst); err != nil {
		return false, fmt.Errorf("failed to decode preference %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.db.Update(ctx, engine.PartitionPreferences, func(tx engine.Tx) error {
		return tx.Delete(key)
	})
}
