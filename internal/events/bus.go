// Package events provides an in-process publish/subscribe bus for
// progress reporting. Publishing never blocks: a subscriber that falls
// behind drops events rather than stalling the pipeline.
package events

import (
	"sync"
	"time"
)

// Event types emitted by the pipeline.
const (
	TypePageExplored   = "page_explored"
	TypePageSkipped    = "page_skipped"
	TypeIntelSaved     = "intel_saved"
	TypeEntityMerged   = "entity_merged"
	TypeDomainBoosted  = "domain_boosted"
	TypeCrawlStarted   = "crawl_started"
	TypeCrawlFinished  = "crawl_finished"
	TypeTaskProgress   = "task_progress"
	TypeAgentRunUpdate = "agent_run_update"
)

// Event is one progress notification.
type Event struct {
	Type    string
	At      time.Time
	Subject string
	Detail  map[string]any
}

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener with the given buffer size and returns
// the event channel plus an unsubscribe function. Unsubscribing closes
// the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers an event to all subscribers, dropping it for any
// whose buffer is full.
func (b *Bus) Publish(eventType, subject string, detail map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.subs) == 0 {
		return
	}
	ev := Event{Type: eventType, At: time.Now().UTC(), Subject: subject, Detail: detail}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
