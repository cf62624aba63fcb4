package gates

import (
	"testing"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/config"
	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func liveConfig() *config.Config {
	return &config.Config{
		Mode:                   config.ModeLive,
		LiveTradingEnabled:     true,
		LiveEnableToken:        "secret-token",
		LiveAccountID:          "ACC-1",
		LiveConfirmationTTL:    5 * time.Minute,
		LivePreliveMaxAge:      time.Hour,
		MaxPositionSize:        1.0,
		MaxDailyLossPct:        5.0,
		MaxTradesPerHour:       10,
		PerSymbolExposureCap:   10000.0,
	}
}

func TestDemoAlwaysAllowed(t *testing.T) {
	g := New(liveConfig())
	status := g.Evaluate(types.TradingModeDemo, time.Now())
	assert.True(t, status.Allowed)
	assert.Empty(t, status.Blockers)
}

func TestLiveBlocksWithoutAnyEvidence(t *testing.T) {
	g := New(liveConfig())
	status := g.Evaluate(types.TradingModeLive, time.Now())
	assert.False(t, status.Allowed)
	assert.Contains(t, status.Blockers, "no account verification on record")
	assert.Contains(t, status.Blockers, "UI LIVE confirmation not completed")
	assert.Contains(t, status.Blockers, "no prelive check on record")
}

func TestLivePassesWithFullEvidence(t *testing.T) {
	g := New(liveConfig())
	now := time.Now()
	g.RecordAccountVerification(AccountVerification{
		AccountID: "ACC-1", IsLive: true, AvailableBalance: decimal.NewFromInt(1000), VerifiedAt: now,
	})
	g.RecordUIConfirmation(UIConfirmation{
		PhraseConfirmed: true, Token: "secret-token", PreliveChecked: true, ConfirmedAt: now,
	})
	g.RecordPrelive(PreliveResult{Passed: true, CheckedAt: now})

	status := g.Evaluate(types.TradingModeLive, now)
	assert.True(t, status.Allowed)
	assert.Empty(t, status.Blockers)
}

func TestWrongTokenBlocks(t *testing.T) {
	g := New(liveConfig())
	now := time.Now()
	g.RecordAccountVerification(AccountVerification{AccountID: "ACC-1", IsLive: true, AvailableBalance: decimal.NewFromInt(1000), VerifiedAt: now})
	g.RecordUIConfirmation(UIConfirmation{PhraseConfirmed: true, Token: "wrong-token", PreliveChecked: true, ConfirmedAt: now})
	g.RecordPrelive(PreliveResult{Passed: true, CheckedAt: now})

	status := g.Evaluate(types.TradingModeLive, now)
	assert.False(t, status.Allowed)
	assert.Contains(t, status.Blockers, "UI confirmation token does not match")
}

func TestExpiredConfirmationBlocks(t *testing.T) {
	g := New(liveConfig())
	now := time.Now()
	g.RecordAccountVerification(AccountVerification{AccountID: "ACC-1", IsLive: true, AvailableBalance: decimal.NewFromInt(1000), VerifiedAt: now})
	g.RecordUIConfirmation(UIConfirmation{PhraseConfirmed: true, Token: "secret-token", PreliveChecked: true, ConfirmedAt: now.Add(-time.Hour)})
	g.RecordPrelive(PreliveResult{Passed: true, CheckedAt: now})

	status := g.Evaluate(types.TradingModeLive, now)
	assert.False(t, status.Allowed)
	assert.Contains(t, status.Blockers, "UI confirmation has expired")
}

func TestRevokeUIConfirmationOnDisarm(t *testing.T) {
	g := New(liveConfig())
	now := time.Now()
	g.RecordUIConfirmation(UIConfirmation{PhraseConfirmed: true, Token: "secret-token", PreliveChecked: true, ConfirmedAt: now})
	g.RevokeUIConfirmation()

	status := g.Evaluate(types.TradingModeLive, now)
	assert.Contains(t, status.Blockers, "UI LIVE confirmation not completed")
}
