package pipeline

import (
	"sync"
)

// EventBus provides pub/sub for detection snapshots
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	sourceFilter string // Empty string means receive all sources
	channel      chan *Snapshot
	handler      SnapshotHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

func (b *EventBus) add(sub *eventSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			if sub.channel != nil {
				close(sub.channel)
			}
		}
		b.mu.Unlock()
	}
}

// Subscribe registers a handler for snapshots from all sources.
// Returns an unsubscribe function.
func (b *EventBus) Subscribe(handler SnapshotHandler) func() {
	return b.add(&eventSubscription{handler: handler})
}

// SubscribeSource registers a handler for snapshots from one source
func (b *EventBus) SubscribeSource(source string, handler SnapshotHandler) func() {
	return b.add(&eventSubscription{sourceFilter: source, handler: handler})
}

// SubscribeChannel returns a buffered channel receiving snapshots for a
// source, or all sources when source is empty. Snapshots are dropped when
// the channel is full.
func (b *EventBus) SubscribeChannel(source string, bufferSize int) (<-chan *Snapshot, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}
	ch := make(chan *Snapshot, bufferSize)
	return ch, b.add(&eventSubscription{sourceFilter: source, channel: ch})
}

// Publish sends a snapshot to all matching subscribers. Handlers run
// synchronously so snapshots arrive in cycle order.
func (b *EventBus) Publish(s *Snapshot) {
	if s == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.sourceFilter != "" && sub.sourceFilter != s.Source {
			continue
		}
		if sub.handler != nil {
			sub.handler.OnSnapshot(s)
		} else if sub.channel != nil {
			select {
			case sub.channel <- s:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
