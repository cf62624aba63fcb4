// Package gates implements the LIVE fail-closed trading-gate stack
// (spec.md §4.11): DEMO is always allowed, LIVE requires every gate to
// pass or the intent is blocked with named reasons.
package gates

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/config"
	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// AccountVerification records that the configured broker account was
// confirmed live and matches LIVE_ACCOUNT_ID.
type AccountVerification struct {
	AccountID        string
	IsLive           bool
	AvailableBalance decimal.Decimal
	VerifiedAt       time.Time
}

// UIConfirmation records the operator's explicit LIVE arm confirmation:
// a typed phrase, a submitted token, and an acknowledgement that the
// prelive checklist was reviewed.
type UIConfirmation struct {
	PhraseConfirmed bool
	Token           string
	PreliveChecked  bool
	ConfirmedAt     time.Time
}

// PreliveResult records the most recent prelive check outcome.
type PreliveResult struct {
	Passed    bool
	CheckedAt time.Time
}

// Gate evaluates the LIVE gate stack against recorded evidence. All
// evidence is supplied by the router as it is observed; Gate itself
// performs no I/O.
type Gate struct {
	mu sync.Mutex

	cfg *config.Config

	accountVerification *AccountVerification
	uiConfirmation       *UIConfirmation
	prelive              *PreliveResult
}

// New constructs a Gate bound to cfg's LIVE requirements.
func New(cfg *config.Config) *Gate {
	return &Gate{cfg: cfg}
}

// RecordAccountVerification stores the latest account verification.
func (g *Gate) RecordAccountVerification(v AccountVerification) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accountVerification = &v
}

// RecordUIConfirmation stores the latest UI arm confirmation.
func (g *Gate) RecordUIConfirmation(c UIConfirmation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.uiConfirmation = &c
}

// RecordPrelive stores the latest prelive check result.
func (g *Gate) RecordPrelive(p PreliveResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prelive = &p
}

// RevokeUIConfirmation clears the UI confirmation. Called on disarm
// from LIVE mode (spec.md §4.14).
func (g *Gate) RevokeUIConfirmation() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.uiConfirmation = nil
}

// Evaluate runs the full gate stack for mode at now. DEMO is always
// allowed with no blockers.
func (g *Gate) Evaluate(mode types.TradingMode, now time.Time) types.GateStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	if mode != types.TradingModeLive {
		return types.GateStatus{Allowed: true, Mode: mode, Details: map[string]any{}}
	}

	var blockers []string
	var warnings []string
	details := map[string]any{}

	if !g.cfg.LiveTradingEnabled {
		blockers = append(blockers, "LIVE_TRADING_ENABLED is not set")
	}
	if g.cfg.LiveEnableToken == "" {
		blockers = append(blockers, "LIVE_ENABLE_TOKEN is not configured")
	}
	if !g.mandatoryRiskParamsSet() {
		blockers = append(blockers, "mandatory risk parameters are not fully configured")
	}
	if g.cfg.LiveAccountID == "" {
		blockers = append(blockers, "LIVE_ACCOUNT_ID is not set")
	}

	if g.accountVerification == nil {
		blockers = append(blockers, "no account verification on record")
	} else {
		av := g.accountVerification
		if !av.IsLive {
			blockers = append(blockers, "verified account is not flagged live")
		}
		if av.AccountID != g.cfg.LiveAccountID {
			blockers = append(blockers, "verified account does not match LIVE_ACCOUNT_ID")
		}
		if !av.AvailableBalance.IsPositive() {
			blockers = append(blockers, "verified account has no positive available balance")
		}
		details["account_verified_at"] = av.VerifiedAt
	}

	if g.uiConfirmation == nil {
		blockers = append(blockers, "UI LIVE confirmation not completed")
	} else {
		uc := g.uiConfirmation
		if now.Sub(uc.ConfirmedAt) > g.cfg.LiveConfirmationTTL {
			blockers = append(blockers, "UI confirmation has expired")
		}
		if !uc.PhraseConfirmed {
			blockers = append(blockers, "UI confirmation phrase not acknowledged")
		}
		if subtle.ConstantTimeCompare([]byte(uc.Token), []byte(g.cfg.LiveEnableToken)) != 1 {
			blockers = append(blockers, "UI confirmation token does not match")
		}
		if !uc.PreliveChecked {
			blockers = append(blockers, "UI confirmation prelive checkbox not acknowledged")
		}
		details["ui_confirmed_at"] = uc.ConfirmedAt
	}

	if g.prelive == nil {
		blockers = append(blockers, "no prelive check on record")
	} else {
		if !g.prelive.Passed {
			blockers = append(blockers, "most recent prelive check failed")
		}
		if now.Sub(g.prelive.CheckedAt) > g.cfg.LivePreliveMaxAge {
			blockers = append(blockers, "prelive check has aged past the configured maximum")
		}
		details["prelive_checked_at"] = g.prelive.CheckedAt
	}

	return types.GateStatus{
		Allowed:  len(blockers) == 0,
		Mode:     mode,
		Blockers: blockers,
		Warnings: warnings,
		Details:  details,
	}
}

func (g *Gate) mandatoryRiskParamsSet() bool {
	return g.cfg.MaxPositionSize > 0 &&
		g.cfg.MaxDailyLossPct > 0 &&
		g.cfg.MaxTradesPerHour > 0 &&
		g.cfg.PerSymbolExposureCap > 0
}
