package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus(zap.NewNop(), 4)
	defer bus.Close()

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{}, 1)
	bus.Subscribe(EventTypeBarReceived, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.Publish(New(EventTypeBarReceived, "run-1", map[string]any{"symbol": "EURUSD"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "EURUSD", got[0].Data["symbol"])
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus(zap.NewNop(), 4)
	defer bus.Close()

	count := make(chan struct{}, 8)
	bus.SubscribeAll(func(ev Event) { count <- struct{}{} })

	bus.Publish(New(EventTypeBarReceived, "", nil))
	bus.Publish(New(EventTypeQuoteReceived, "", nil))

	for i := 0; i < 2; i++ {
		select {
		case <-count:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestFullQueueDropsOldestNeverBlocks(t *testing.T) {
	bus := NewBus(zap.NewNop(), 1)
	defer bus.Close()

	block := make(chan struct{})
	released := make(chan struct{})
	sub := bus.Subscribe(EventTypeHeartbeat, func(ev Event) {
		<-block
	})

	// First event occupies the handler (blocked on <-block); the queue
	// itself still has capacity 1 for a second pending event.
	bus.Publish(New(EventTypeHeartbeat, "", map[string]any{"n": 1}))
	time.Sleep(10 * time.Millisecond)
	bus.Publish(New(EventTypeHeartbeat, "", map[string]any{"n": 2}))
	bus.Publish(New(EventTypeHeartbeat, "", map[string]any{"n": 3}))

	go func() {
		close(released)
	}()
	<-released
	close(block)

	assert.GreaterOrEqual(t, sub.Dropped(), int64(1))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(zap.NewNop(), 4)
	defer bus.Close()

	calls := 0
	var mu sync.Mutex
	sub := bus.Subscribe(EventTypeBarReceived, func(ev Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	bus.Unsubscribe(sub)
	bus.Publish(New(EventTypeBarReceived, "", nil))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}
