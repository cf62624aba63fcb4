package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLegalTransitionTable(t *testing.T) {
	assert.True(t, LegalTransition(OrderStatePending, OrderStateSubmitted))
	assert.True(t, LegalTransition(OrderStateSubmitted, OrderStateAcknowledged))
	assert.True(t, LegalTransition(OrderStateAcknowledged, OrderStateFilled))
	assert.False(t, LegalTransition(OrderStatePending, OrderStateFilled))
	assert.False(t, LegalTransition(OrderStateFilled, OrderStateSubmitted))
}

func TestOrderTrackerIgnoresIllegalTransition(t *testing.T) {
	now := time.Now()
	tr := NewOrderTracker("intent-1", "ref-1", now)
	ok := tr.Transition(OrderStateFilled, now, "out-of-order ack")
	assert.False(t, ok)
	assert.Equal(t, OrderStatePending, tr.Status)

	ok = tr.Transition(OrderStateSubmitted, now, "")
	assert.True(t, ok)
	ok = tr.Transition(OrderStateAcknowledged, now, "")
	assert.True(t, ok)
	ok = tr.Transition(OrderStateFilled, now, "")
	assert.True(t, ok)
	assert.True(t, tr.Status.Terminal())

	ok = tr.Transition(OrderStateCancelled, now, "")
	assert.False(t, ok)
}
