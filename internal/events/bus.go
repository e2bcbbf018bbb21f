package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-orchestrator/internal/logging"
)

// Bus fans events out to registered subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]Subscriber
	nextID uint64
	log    *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		subs: make(map[uint64]Subscriber),
		log:  logging.OrNop(log).Named("events"),
	}
}

// Subscribe registers s and returns a function that removes it.
func (b *Bus) Subscribe(s Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every subscriber. A panicking subscriber is logged
// and skipped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked", zap.String("event", string(e.Type)), zap.Any("panic", r))
		}
	}()
	s.OnEvent(e)
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// ChannelSubscriber buffers events on a channel. When the buffer is full
// new events are dropped and counted rather than blocking the publisher.
type ChannelSubscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewChannelSubscriber creates a subscriber with the given buffer size.
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	return &ChannelSubscriber{ch: make(chan Event, buffer)}
}

// OnEvent enqueues e or drops it.
func (c *ChannelSubscriber) OnEvent(e Event) {
	select {
	case c.ch <- e:
	default:
		c.dropped.Add(1)
	}
}

// Events returns the receive side of the buffer.
func (c *ChannelSubscriber) Events() <-chan Event {
	return c.ch
}

// Dropped returns how many events were discarded.
func (c *ChannelSubscriber) Dropped() uint64 {
	return c.dropped.Load()
}
