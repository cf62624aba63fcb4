package types

import "time"

// OrderState is one state in the order-tracker state machine (spec §4.8).
type OrderState string

const (
	OrderStatePending      OrderState = "PENDING"
	OrderStateSubmitted    OrderState = "SUBMITTED"
	OrderStateAcknowledged OrderState = "ACKNOWLEDGED"
	OrderStateFilled       OrderState = "FILLED"
	OrderStateRejected     OrderState = "REJECTED"
	OrderStateCancelled    OrderState = "CANCELLED"
	OrderStateExpired      OrderState = "EXPIRED"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateRejected, OrderStateCancelled, OrderStateExpired:
		return true
	default:
		return false
	}
}

// legalTransitions is the exact table from spec.md §4.8.
var legalTransitions = map[OrderState]map[OrderState]bool{
	OrderStatePending: {
		OrderStateSubmitted: true,
		OrderStateRejected:  true,
	},
	OrderStateSubmitted: {
		OrderStateAcknowledged: true,
		OrderStateFilled:       true,
		OrderStateRejected:     true,
		OrderStateExpired:      true,
	},
	OrderStateAcknowledged: {
		OrderStateFilled:    true,
		OrderStateRejected:  true,
		OrderStateCancelled: true,
	},
}

// LegalTransition reports whether moving from `from` to `to` is allowed.
func LegalTransition(from, to OrderState) bool {
	if from.Terminal() {
		return false
	}
	return legalTransitions[from][to]
}

// StatusEvent is one timestamped transition in an order tracker's history.
type StatusEvent struct {
	State     OrderState `json:"state"`
	Timestamp time.Time  `json:"timestamp"`
	Detail    string     `json:"detail,omitempty"`
}

// OrderTracker follows one submitted intent through the state machine.
type OrderTracker struct {
	IntentID      string       `json:"intentId"`
	DealReference string       `json:"dealReference"`
	DealID        string       `json:"dealId,omitempty"`
	Status        OrderState   `json:"status"`
	History       []StatusEvent `json:"history"`
}

// NewOrderTracker starts a tracker in PENDING with the given intent and
// deal reference (the client-generated idempotency token).
func NewOrderTracker(intentID, dealReference string, now time.Time) *OrderTracker {
	t := &OrderTracker{IntentID: intentID, DealReference: dealReference, Status: OrderStatePending}
	t.History = append(t.History, StatusEvent{State: OrderStatePending, Timestamp: now})
	return t
}

// Transition moves the tracker to `to` if legal, recording history.
// Illegal transitions are ignored (return false) so that out-of-order
// broker acknowledgments never corrupt the tracker (spec.md §5).
func (t *OrderTracker) Transition(to OrderState, now time.Time, detail string) bool {
	if !LegalTransition(t.Status, to) {
		return false
	}
	t.Status = to
	t.History = append(t.History, StatusEvent{State: to, Timestamp: now, Detail: detail})
	return true
}
