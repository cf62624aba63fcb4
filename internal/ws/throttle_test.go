package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) add(ev eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestCriticalEventsAlwaysDeliver(t *testing.T) {
	rec := &recorder{}
	th := NewThrottler(time.Minute, 0, rec.add)

	for i := 0; i < 3; i++ {
		th.Handle(eventbus.New(eventbus.EventTypeOrderSubmitted, "run", map[string]any{"deal": "D1"}))
	}
	assert.Equal(t, 3, rec.count())
}

func TestCompressibleDedupsUnchangedPayload(t *testing.T) {
	rec := &recorder{}
	th := NewThrottler(time.Hour, 0, rec.add)

	ev := eventbus.New(eventbus.EventTypePositionsUpdated, "run", map[string]any{"count": float64(2)})
	th.Handle(ev)
	th.Handle(ev)
	th.Handle(ev)
	assert.Equal(t, 1, rec.count(), "identical payload within the dedup window should deliver once")
}

func TestCompressibleDeliversOnChange(t *testing.T) {
	rec := &recorder{}
	th := NewThrottler(time.Hour, 0, rec.add)

	th.Handle(eventbus.New(eventbus.EventTypePositionsUpdated, "run", map[string]any{"count": float64(2)}))
	th.Handle(eventbus.New(eventbus.EventTypePositionsUpdated, "run", map[string]any{"count": float64(3)}))
	assert.Equal(t, 2, rec.count())
}

func TestCompressibleRedeliversAfterWindowLapses(t *testing.T) {
	rec := &recorder{}
	th := NewThrottler(20*time.Millisecond, 0, rec.add)

	ev := eventbus.New(eventbus.EventTypePositionsUpdated, "run", map[string]any{"count": float64(2)})
	th.Handle(ev)
	time.Sleep(30 * time.Millisecond)
	th.Handle(ev)
	assert.Equal(t, 2, rec.count())
}

func TestBatchingFlushesOnInterval(t *testing.T) {
	rec := &recorder{}
	th := NewThrottler(time.Hour, 20*time.Millisecond, rec.add)
	th.StartBatching(context.Background())
	defer th.Stop()

	th.Handle(eventbus.New(eventbus.EventTypePositionsUpdated, "run", map[string]any{"count": float64(1)}))
	require.Equal(t, 0, rec.count(), "batched event withheld until flush")

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}
