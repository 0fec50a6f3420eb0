package models

import "time"

// StorageStats aggregates partition sizes and usage.
type StorageStats struct {
	CacheItems      int `json:"cacheItems" yaml:"cacheItems"`
	QueueItems      int `json:"queueItems" yaml:"queueItems"`
	PreferenceItems int `json:"preferenceItems" yaml:"preferenceItems"`
	APICacheItems   int `json:"apiCacheItems" yaml:"apiCacheItems"`

	// Best effort; zero when unknown.
	TotalBytesUsed int64 `json:"totalBytesUsed" yaml:"totalBytesUsed"`
	QuotaBytes     int64 `json:"quotaBytes" yaml:"quotaBytes"`

	LastSyncTimestamp   time.Time        `json:"lastSyncTimestamp" yaml:"lastSyncTimestamp"`
	LastTerminalFailure *TerminalFailure `json:"lastTerminalFailure,omitempty" yaml:"lastTerminalFailure,omitempty"`

	CacheMetrics    MetricsSnapshot `json:"cacheMetrics" yaml:"cacheMetrics"`
	APICacheMetrics MetricsSnapshot `json:"apiCacheMetrics" yaml:"apiCacheMetrics"`
}
