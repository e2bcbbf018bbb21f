package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus(nil)
	a := NewChannelSubscriber(4)
	b := NewChannelSubscriber(4)
	bus.Subscribe(a)
	bus.Subscribe(b)

	bus.Publish(Event{Type: PageCreated, PageID: "p1"})

	for _, sub := range []*ChannelSubscriber{a, b} {
		select {
		case e := <-sub.Events():
			assert.Equal(t, PageCreated, e.Type)
			assert.Equal(t, "p1", e.PageID)
		default:
			t.Fatal("event not delivered")
		}
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	sub := NewChannelSubscriber(1)
	unsubscribe := bus.Subscribe(sub)
	require.Equal(t, 1, bus.Len())

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, bus.Len())

	bus.Publish(Event{Type: PageDestroyed})
	assert.Len(t, sub.Events(), 0)
}

func TestChannelSubscriberDropsWhenFull(t *testing.T) {
	sub := NewChannelSubscriber(1)
	sub.OnEvent(Event{Type: PageLoaded})
	sub.OnEvent(Event{Type: PageLoaded})
	sub.OnEvent(Event{Type: PageLoaded})

	assert.Len(t, sub.Events(), 1)
	assert.Equal(t, uint64(2), sub.Dropped())
}

func TestBusSurvivesPanickingSubscriber(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(SubscriberFunc(func(Event) { panic("boom") }))
	sub := NewChannelSubscriber(1)
	bus.Subscribe(sub)

	assert.NotPanics(t, func() { bus.Publish(Event{Type: ConfigUpdated}) })
	assert.Len(t, sub.Events(), 1)
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)
	var (
		mu    sync.Mutex
		count int
	)
	bus.Subscribe(SubscriberFunc(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: NavigationQueued})
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, count)
}
