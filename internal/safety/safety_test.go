package safety

import (
	"testing"
	"time"

	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIdempotencyGuardRejectsDuplicateWithinWindow(t *testing.T) {
	g := NewIdempotencyGuard(time.Minute, 10)
	now := time.Now()
	assert.True(t, g.CheckAndRecord("intent-1", now))
	assert.False(t, g.CheckAndRecord("intent-1", now.Add(time.Second)))
	assert.True(t, g.CheckAndRecord("intent-1", now.Add(2*time.Minute)))
}

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	trips := 0
	cb := NewCircuitBreaker(zap.NewNop(), 2, time.Minute, time.Hour, func() { trips++ })
	now := time.Now()
	assert.True(t, cb.Allow(now))
	cb.RecordError(now)
	assert.True(t, cb.Allow(now))
	cb.RecordError(now.Add(time.Second))
	assert.False(t, cb.Allow(now.Add(2*time.Second)))
	assert.Equal(t, 1, trips)

	cb.RecordError(now.Add(3 * time.Second))
	assert.Equal(t, 1, trips, "exactly one trip event per trip")
}

func TestCircuitBreakerAutoResetsAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(zap.NewNop(), 1, time.Minute, time.Second, nil)
	now := time.Now()
	cb.RecordError(now)
	require.False(t, cb.Allow(now))
	assert.True(t, cb.Allow(now.Add(2*time.Second)))
}

func TestSizeValidatorCapsInDemoOnly(t *testing.T) {
	v := SizeValidator{DemoMaxSize: decimal.NewFromFloat(1)}
	size, changed := v.Validate(types.TradingModeDemo, decimal.NewFromFloat(5))
	assert.True(t, changed)
	assert.True(t, size.Equal(decimal.NewFromFloat(1)))

	size, changed = v.Validate(types.TradingModeLive, decimal.NewFromFloat(5))
	assert.False(t, changed)
	assert.True(t, size.Equal(decimal.NewFromFloat(5)))
}

func TestGuardChecksInOrder(t *testing.T) {
	g := NewGuard(NewIdempotencyGuard(time.Minute, 10), NewCircuitBreaker(zap.NewNop(), 100, time.Minute, time.Minute, nil), SizeValidator{})
	now := time.Now()
	res := g.Check(types.TradingModeDemo, "intent-1", decimal.NewFromFloat(1), now)
	assert.True(t, res.Allowed)

	res = g.Check(types.TradingModeDemo, "intent-1", decimal.NewFromFloat(1), now)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.RejectionReason, "Duplicate")
}
