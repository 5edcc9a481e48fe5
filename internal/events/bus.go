// Package events fans lifecycle transitions out to live subscribers such as
// websocket clients.
package events

import (
	"sync"
	"sync/atomic"

	"tradegate/internal/domain"
)

// Bus is an in-process pub/sub of transition events.
type Bus struct {
	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]subscriber

	dropped atomic.Int64
}

type subscriber struct {
	userID string // "" receives every user's events
	ch     chan domain.TransitionEvent
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Subscribe returns a channel that receives events for userID, or for all
// users when userID is empty. bufSize controls the channel buffer; slow
// consumers will have events dropped.
func (b *Bus) Subscribe(userID string, bufSize int) (int, <-chan domain.TransitionEvent) {
	ch := make(chan domain.TransitionEvent, bufSize)
	b.subsMu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = subscriber{userID: userID, ch: ch}
	b.subsMu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.subsMu.Lock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
	b.subsMu.Unlock()
}

// Publish sends an event to matching subscribers non-blocking (drop on full).
func (b *Bus) Publish(e domain.TransitionEvent) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, s := range b.subs {
		if s.userID != "" && s.userID != e.UserID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			// Slow consumer, drop event.
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were dropped on full buffers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
