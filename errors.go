package depot

import (
	"goflare.io/depot/internal/engine"
	"goflare.io/depot/internal/models"
	"goflare.io/depot/internal/queue"
	"goflare.io/depot/internal/syncer"
)

var (
	ErrInitialization   = engine.ErrInitialization
	ErrQuotaExceeded    = engine.ErrQuotaExceeded
	ErrClosed           = engine.ErrClosed
	ErrEmptyKey         = engine.ErrEmptyKey
	ErrEntryNotFound    = queue.ErrEntryNotFound
	ErrCorruptEntry     = queue.ErrCorruptEntry
	ErrInvalidOperation = models.ErrInvalidOperation
	ErrInvalidPriority  = models.ErrInvalidPriority
	ErrNoRemote         = syncer.ErrNoRemote
)
