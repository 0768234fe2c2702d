package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/sitesearch/internal/progress"
)

// Broadcaster forwards every event to live subscribers. A subscriber that
// falls behind misses events rather than stalling the hub.
type Broadcaster struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan progress.Event
	closed bool
}

// NewBroadcaster returns a Broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan progress.Event)}
}

// Subscribe registers a subscriber with the given buffer. The cancel function
// unregisters it and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan progress.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan progress.Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Consume fans the batch out without blocking.
func (b *Broadcaster) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		for _, ch := range b.subs {
			select {
			case ch <- evt:
			default:
			}
		}
	}
	return nil
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
