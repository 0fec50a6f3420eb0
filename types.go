package depot

import (
	"goflare.io/depot/internal/engine"
	"goflare.io/depot/internal/maintenance"
	"goflare.io/depot/internal/models"
	"goflare.io/depot/internal/queue"
	"goflare.io/depot/internal/syncer"
)

type (
	CacheEntry        = models.CacheEntry
	QueueEntry        = models.QueueEntry
	Operation         = models.Operation
	Priority          = models.Priority
	TerminalFailure   = models.TerminalFailure
	StorageStats      = models.StorageStats
	MetricsSnapshot   = models.MetricsSnapshot
	FailureResult     = queue.FailureResult
	Snapshot          = engine.Snapshot
	Record            = engine.Record
	Partition         = engine.Partition
	SyncStatus        = syncer.Status
	SyncResult        = syncer.Result
	StatusEvent       = syncer.StatusEvent
	Applier           = syncer.Applier
	ApplierFunc       = syncer.ApplierFunc
	MaintenanceReport = maintenance.Report
)

const (
	OperationCreate = models.OperationCreate
	OperationUpdate = models.OperationUpdate
	OperationDelete = models.OperationDelete

	PriorityLow    = models.PriorityLow
	PriorityMedium = models.PriorityMedium
	PriorityHigh   = models.PriorityHigh

	StatusIdle    = syncer.StatusIdle
	StatusSyncing = syncer.StatusSyncing
	StatusSuccess = syncer.StatusSuccess
	StatusPartial = syncer.StatusPartial
	StatusError   = syncer.StatusError
	StatusOffline = syncer.StatusOffline

	PartitionCache       = engine.PartitionCache
	PartitionQueue       = engine.PartitionQueue
	PartitionPreferences = engine.PartitionPreferences
	PartitionAPICache    = engine.PartitionAPICache
)
