// Package eventbus provides the in-process typed publish/subscribe bus
// coupling every other subsystem of the engine.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType enumerates the reserved categories of engine events.
type EventType string

const (
	// Data sync lifecycle
	EventTypeDataSyncStarted   EventType = "data_sync_started"
	EventTypeDataSyncCompleted EventType = "data_sync_completed"

	// Backtest lifecycle
	EventTypeBacktestStarted   EventType = "backtest_started"
	EventTypeBacktestCompleted EventType = "backtest_completed"
	EventTypeBacktestFailed    EventType = "backtest_failed"

	// Broker connectivity
	EventTypeBrokerConnected    EventType = "broker_connected"
	EventTypeBrokerDisconnected EventType = "broker_disconnected"

	// Market data
	EventTypeQuoteReceived EventType = "quote_received"
	EventTypeBarReceived   EventType = "bar_received"

	// Execution / order lifecycle
	EventTypeExecutionStatus      EventType = "execution_status"
	EventTypeIntentCreated        EventType = "intent_created"
	EventTypeOrderSubmitted       EventType = "order_submitted"
	EventTypeOrderAcknowledged    EventType = "order_acknowledged"
	EventTypeOrderFilled          EventType = "order_filled"
	EventTypeOrderRejected        EventType = "execution_order_rejected"
	EventTypeOrderCancelled       EventType = "order_cancelled"
	EventTypeOrderExpired         EventType = "order_expired"
	EventTypeCircuitBreakerTripped EventType = "circuit_breaker_tripped"

	// Autopilot
	EventTypeAutopilotEnabled  EventType = "autopilot_enabled"
	EventTypeAutopilotDisabled EventType = "autopilot_disabled"
	EventTypeAutopilotSignal   EventType = "autopilot_signal"

	// Kill switch
	EventTypeKillSwitchActivated  EventType = "kill_switch_activated"
	EventTypeKillSwitchReset      EventType = "kill_switch_reset"
	EventTypeKillSwitchCloseFailed EventType = "kill_switch_close_failed"

	// Reconciliation
	EventTypeReconciliationWarning  EventType = "reconciliation_warning"
	EventTypePositionsUpdated       EventType = "positions_updated"

	// Recommendations / proposals
	EventTypeRecommendationApplied EventType = "recommendation_applied"

	// Reserved heartbeat
	EventTypeHeartbeat EventType = "HEARTBEAT"
)

// Event is a single published message.
type Event struct {
	Type      EventType
	Timestamp time.Time
	RunID     string
	Data      map[string]any
}

// New builds an event stamped with the current UTC time.
func New(t EventType, runID string, data map[string]any) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), RunID: runID, Data: data}
}

// Handler processes one event. Handlers run with panics recovered; a
// panicking handler only logs, it never brings down the bus.
type Handler func(Event)

// Subscription is a live handle returned by Subscribe/SubscribeAll; pass
// it to Unsubscribe to stop delivery.
type Subscription struct {
	id        uint64
	eventType EventType
	all       bool
	queue     chan Event
	done      chan struct{}
	dropped   atomic.Int64
}

// Dropped returns the number of events dropped from this subscriber's
// queue due to back-pressure.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

const defaultQueueSize = 256

// EventBus is an in-process singleton pub/sub bus. Each subscriber owns
// a bounded queue; a full queue drops its oldest pending event rather
// than blocking the publisher.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*Subscription
	all         []*Subscription
	nextID      uint64
	queueSize   int
	logger      *zap.Logger

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates an event bus. queueSize <= 0 uses the default of 256.
func NewBus(logger *zap.Logger, queueSize int) *EventBus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &EventBus{
		subscribers: make(map[EventType][]*Subscription),
		queueSize:   queueSize,
		logger:      logger,
	}
}

var (
	singleton     *EventBus
	singletonOnce sync.Once
	singletonMu   sync.Mutex
)

// Default returns the process-lifetime singleton bus, constructing it
// on first use.
func Default(logger *zap.Logger) *EventBus {
	singletonOnce.Do(func() {
		singleton = NewBus(logger, defaultQueueSize)
	})
	return singleton
}

// ResetDefault tears down and clears the singleton bus; for test
// isolation only.
func ResetDefault() {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != nil {
		singleton.Close()
	}
	singleton = nil
	singletonOnce = sync.Once{}
}

// Subscribe registers handler for events of the given type. Subscribing
// the identical handler function value is not deduplicated (Go cannot
// compare func values); callers that need idempotent subscription should
// retain and check the returned *Subscription themselves.
func (b *EventBus) Subscribe(t EventType, handler Handler) *Subscription {
	sub := b.newSubscription(t, false, handler)
	b.mu.Lock()
	b.subscribers[t] = append(b.subscribers[t], sub)
	b.mu.Unlock()
	return sub
}

// SubscribeAll registers handler for every event type.
func (b *EventBus) SubscribeAll(handler Handler) *Subscription {
	sub := b.newSubscription("", true, handler)
	b.mu.Lock()
	b.all = append(b.all, sub)
	b.mu.Unlock()
	return sub
}

func (b *EventBus) newSubscription(t EventType, all bool, handler Handler) *Subscription {
	id := atomic.AddUint64(&b.nextID, 1)
	sub := &Subscription{
		id:        id,
		eventType: t,
		all:       all,
		queue:     make(chan Event, b.queueSize),
		done:      make(chan struct{}),
	}
	go b.drain(sub, handler)
	return sub
}

func (b *EventBus) drain(sub *Subscription, handler Handler) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.queue:
			b.invoke(sub, handler, ev)
		}
	}
}

func (b *EventBus) invoke(sub *Subscription, handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error("event handler panic",
					zap.Uint64("subscription_id", sub.id),
					zap.String("event_type", string(ev.Type)),
					zap.Any("panic", r))
			}
		}
	}()
	handler(ev)
	b.delivered.Add(1)
}

// Unsubscribe stops delivery to sub and releases its goroutine.
func (b *EventBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if sub.all {
		b.all = removeSub(b.all, sub)
	} else {
		b.subscribers[sub.eventType] = removeSub(b.subscribers[sub.eventType], sub)
	}
	b.mu.Unlock()
	select {
	case <-sub.done:
	default:
		close(sub.done)
	}
}

func removeSub(list []*Subscription, target *Subscription) []*Subscription {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers ev to every current subscriber of ev.Type and to
// every SubscribeAll subscriber. Never blocks: a full subscriber queue
// drops its oldest pending event.
func (b *EventBus) Publish(ev Event) {
	b.published.Add(1)
	b.mu.RLock()
	targets := append(append([]*Subscription{}, b.subscribers[ev.Type]...), b.all...)
	b.mu.RUnlock()

	for _, sub := range targets {
		b.enqueue(sub, ev)
	}
}

func (b *EventBus) enqueue(sub *Subscription, ev Event) {
	select {
	case sub.queue <- ev:
		return
	default:
	}
	// queue full: drop oldest, then try once more.
	select {
	case <-sub.queue:
		sub.dropped.Add(1)
		b.dropped.Add(1)
	default:
	}
	select {
	case sub.queue <- ev:
	default:
		// another publisher raced us; count this one dropped too.
		sub.dropped.Add(1)
		b.dropped.Add(1)
	}
}

// Stats is a snapshot of bus-wide counters.
type Stats struct {
	Published int64
	Delivered int64
	Dropped   int64
}

// Stats returns a snapshot of bus-wide counters.
func (b *EventBus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close unsubscribes everyone and stops all drain goroutines.
func (b *EventBus) Close() {
	b.mu.Lock()
	all := b.all
	b.all = nil
	subs := b.subscribers
	b.subscribers = make(map[EventType][]*Subscription)
	b.mu.Unlock()

	for _, s := range all {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
	for _, list := range subs {
		for _, s := range list {
			select {
			case <-s.done:
			default:
				close(s.done)
			}
		}
	}
}
