// Package events provides in-process fan-out of task lifecycle events.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Bus fans events out to subscribers. Publishing never blocks: subscribers
// with a full buffer miss the event rather than stalling the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]string
	closed      atomic.Bool
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[chan Event]string)}
}

// Subscribe registers a buffered channel under the given name. The returned
// cancel func removes the subscription and closes the channel.
func (b *Bus) Subscribe(name string) (<-chan Event, func()) {
	ch := make(chan Event, 100)

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[ch] = name
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subscribers[ch]; ok {
				delete(b.subscribers, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber that has buffer space.
func (b *Bus) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow consumer; drop rather than block the publisher.
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}
