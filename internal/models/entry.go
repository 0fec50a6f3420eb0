package models

import (
	"bytes"
	"maps"
	"time"
)

// SchemaVersion is written into every cache envelope.
const SchemaVersion = 1

// CacheEntry is the stored form of a value in the cache partition.
type CacheEntry struct {
	Key           string            `json:"key"`
	Payload       []byte            `json:"payload"`
	StoredAt      time.Time         `json:"storedAt"`
	SchemaVersion int               `json:"schemaVersion"`
	ExpiresAt     *time.Time        `json:"expiresAt,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// NewCacheEntry creates a CacheEntry. A ttl <= 0 means the entry never expires.
func NewCacheEntry(key string, payload []byte, now time.Time, ttl time.Duration, tags map[string]string) *CacheEntry {
	entry := &CacheEntry{
		Key:           key,
		Payload:       payload,
		StoredAt:      now,
		SchemaVersion: SchemaVersion,
		Tags:          tags,
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		entry.ExpiresAt = &expiresAt
	}
	return entry
}

// Clone returns a copy of e that shares no mutable state with it.
func (e *CacheEntry) Clone() *CacheEntry {
	c := *e
	c.Payload = bytes.Clone(e.Payload)
	c.Tags = maps.Clone(e.Tags)
	if e.ExpiresAt != nil {
		expiresAt := *e.ExpiresAt
		c.ExpiresAt = &expiresAt
	}
	return &c
}

// IsExpired checks if the entry has expired at now.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Deadline returns the expiry time, or the zero time when the entry never expires.
func (e *CacheEntry) Deadline() time.Time {
	if e.ExpiresAt == nil {
		return time.Time{}
	}
	return *e.ExpiresAt
}

// APICacheEntry is a memoized response of an idempotent request.
type APICacheEntry struct {
	RequestKey string    `json:"requestKey"`
	Response   []byte    `json:"response"`
	StoredAt   time.Time `json:"storedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// IsExpired checks if the response has expired at now.
func (e *APICacheEntry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
