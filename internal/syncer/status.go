package syncer

import (
	"sync"
	"time"

	"goflare.io/depot/internal/models"
)

// Status is the observable state of the sync engine.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// Result summarizes one sync pass.
type Result struct {
	Status Status `json:"status" yaml:"status"`
	// Synced entries were applied remotely and removed.
	Synced int `json:"synced" yaml:"synced"`
	// Failed entries stay queued with a higher retry count.
	Failed int `json:"failed" yaml:"failed"`
	// Dropped entries hit the retry cap and were discarded.
	Dropped int `json:"dropped" yaml:"dropped"`
	// Skipped entries were not attempted because the breaker was open.
	Skipped    int       `json:"skipped" yaml:"skipped"`
	StartedAt  time.Time `json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time `json:"finishedAt" yaml:"finishedAt"`
	// DroppedEntries explains each entry counted in Dropped.
	DroppedEntries []models.TerminalFailure `json:"droppedEntries,omitempty" yaml:"droppedEntries,omitempty"`
}

// StatusEvent is delivered to subscribers on every status change. Result is
// set on the final status of a pass.
type StatusEvent struct {
	Status Status
	At     time.Time
	Result *Result
}

// TerminalHandler is told about every mutation dropped after its last retry.
type TerminalHandler func(models.TerminalFailure)

const subscriberBuffer = 16

// broadcaster fans status events out to subscribers without blocking the
// sync pass; a subscriber that falls behind misses events.
type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan StatusEvent
}

func (b *broadcaster) subscribe() (<-chan StatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[int]chan StatusEvent)
	}
	id := b.next
	b.next++
	ch := make(chan StatusEvent, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *broadcaster) publish(ev StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
