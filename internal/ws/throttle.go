package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/eventbus"
)

// criticalEventTypes are always delivered, never deduplicated or
// batched (spec.md §4.18).
var criticalEventTypes = map[eventbus.EventType]bool{
	eventbus.EventTypeIntentCreated:         true,
	eventbus.EventTypeOrderSubmitted:        true,
	eventbus.EventTypeOrderRejected:         true,
	eventbus.EventTypeOrderAcknowledged:     true,
	eventbus.EventTypeKillSwitchActivated:   true,
	eventbus.EventTypeKillSwitchReset:       true,
	eventbus.EventTypeKillSwitchCloseFailed: true,
	eventbus.EventTypeReconciliationWarning: true,
}

// compressibleEventTypes are deduplicated within the dedup window when
// their payload is unchanged from the last delivery.
var compressibleEventTypes = map[eventbus.EventType]bool{
	eventbus.EventTypeExecutionStatus:  true,
	eventbus.EventTypePositionsUpdated: true,
}

type baseline struct {
	payload string
	sentAt  time.Time
}

// Throttler categorizes incoming engine events into critical
// (always delivered) and compressible (deduplicated on unchanged
// payload within a window), with optional background batching of
// compressible events.
type Throttler struct {
	mu          sync.Mutex
	dedupWindow time.Duration
	baselines   map[eventbus.EventType]baseline

	deliver func(eventbus.Event)

	batchInterval time.Duration
	pending       []eventbus.Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewThrottler creates a throttler that calls deliver for every event
// that survives categorization/dedup. batchInterval of zero disables
// batching: compressible events are delivered immediately once they
// pass dedup.
func NewThrottler(dedupWindow, batchInterval time.Duration, deliver func(eventbus.Event)) *Throttler {
	return &Throttler{
		dedupWindow:   dedupWindow,
		baselines:     make(map[eventbus.EventType]baseline),
		deliver:       deliver,
		batchInterval: batchInterval,
	}
}

// Handle is the eventbus.Handler entry point; subscribe it with
// bus.SubscribeAll(throttler.Handle).
func (t *Throttler) Handle(ev eventbus.Event) {
	if criticalEventTypes[ev.Type] {
		t.deliver(ev)
		return
	}
	if !compressibleEventTypes[ev.Type] {
		// Uncategorized events are treated as critical by default: never
		// silently drop something the specification didn't name.
		t.deliver(ev)
		return
	}

	payload, err := json.Marshal(ev.Data)
	if err != nil {
		t.deliver(ev)
		return
	}

	t.mu.Lock()
	prev, ok := t.baselines[ev.Type]
	now := time.Now().UTC()
	unchanged := ok && prev.payload == string(payload) && now.Sub(prev.sentAt) < t.dedupWindow
	if unchanged {
		t.mu.Unlock()
		return
	}
	t.baselines[ev.Type] = baseline{payload: string(payload), sentAt: now}
	batching := t.batchInterval > 0
	if batching {
		t.pending = append(t.pending, ev)
	}
	t.mu.Unlock()

	if !batching {
		t.deliver(ev)
	}
}

// StartBatching begins the background flush loop for compressible
// events accumulated while batching is enabled. A no-op if
// batchInterval was zero at construction.
func (t *Throttler) StartBatching(ctx context.Context) {
	if t.batchInterval <= 0 {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.flushLoop(ctx)
}

// Stop halts the background flush loop, if running.
func (t *Throttler) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Throttler) flushLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.batchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.flush()
		}
	}
}

func (t *Throttler) flush() {
	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, ev := range batch {
		t.deliver(ev)
	}
}
