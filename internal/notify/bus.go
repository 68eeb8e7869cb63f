// Package notify delivers committed transitions to in-process subscribers
// and audit events to configured webhooks.
package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"recordflow/internal/domain"
)

const subscriberBuffer = 64

// Bus fans transition events out to every active subscriber. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan domain.TransitionEvent
	next    int
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan domain.TransitionEvent)}
}

// Subscribe returns a channel that receives events until ctx ends; the
// channel is closed then.
func (b *Bus) Subscribe(ctx context.Context) <-chan domain.TransitionEvent {
	ch := make(chan domain.TransitionEvent, subscriberBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

func (b *Bus) Publish(ev domain.TransitionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
