// Package killswitch implements the single operator-controlled toggle
// that halts all trading, persisted atomically to disk (spec.md §4.12).
package killswitch

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/fsutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Activation records who triggered the kill switch, and why.
type Activation struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason"`
}

// State is the persisted on-disk representation.
type State struct {
	Active     bool        `json:"active"`
	Activation *Activation `json:"activation,omitempty"`
}

// PositionCloser is the narrow capability the kill switch needs to close
// positions on trip; satisfied by the execution router in production.
type PositionCloser interface {
	ClosePosition(ctx context.Context, dealID string) error
}

// Switch is the kill switch. It persists its state to path on every
// transition and restores it at startup.
type Switch struct {
	mu                sync.Mutex
	logger            *zap.Logger
	path              string
	state             State
	closeOnTrip       bool
	closer            PositionCloser
	onActivated       func(Activation)
	onCloseFailed     func(failedDealIDs []string)
}

// New constructs a kill switch, restoring prior state from path if it
// exists.
func New(logger *zap.Logger, path string, closeOnTrip bool, closer PositionCloser, onActivated func(Activation), onCloseFailed func([]string)) (*Switch, error) {
	s := &Switch{
		logger: logger, path: path, closeOnTrip: closeOnTrip, closer: closer,
		onActivated: onActivated, onCloseFailed: onCloseFailed,
	}
	if err := s.restore(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Switch) restore() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var loaded State
	if err := json.Unmarshal(data, &loaded); err != nil {
		if s.logger != nil {
			s.logger.Warn("kill switch state file corrupted, starting inactive", zap.Error(err))
		}
		return nil
	}
	s.state = loaded
	return nil
}

// Active reports whether the kill switch is currently active.
func (s *Switch) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Active
}

// Activate trips the switch. Re-activation while already active is a
// no-op (idempotent). If closeOnTrip is configured, open positions
// (identified by dealIDs with a decimal size each) are closed in
// parallel with up to 3 retries and a 0.5s backoff; failures do not
// fail the activation itself.
func (s *Switch) Activate(ctx context.Context, actor, reason string, openDealIDs map[string]decimal.Decimal, now time.Time) (Activation, error) {
	s.mu.Lock()
	if s.state.Active {
		activation := *s.state.Activation
		s.mu.Unlock()
		return activation, nil
	}
	activation := Activation{Timestamp: now, Actor: actor, Reason: reason}
	s.state = State{Active: true, Activation: &activation}
	if err := s.persistLocked(); err != nil {
		s.mu.Unlock()
		return Activation{}, err
	}
	s.mu.Unlock()

	if s.onActivated != nil {
		s.onActivated(activation)
	}

	if s.closeOnTrip && s.closer != nil {
		go s.closeAll(ctx, openDealIDs)
	}
	return activation, nil
}

func (s *Switch) closeAll(ctx context.Context, dealIDs map[string]decimal.Decimal) {
	var mu sync.Mutex
	var failed []string
	var wg sync.WaitGroup

	for dealID := range dealIDs {
		wg.Add(1)
		go func(dealID string) {
			defer wg.Done()
			var lastErr error
			for attempt := 0; attempt < 3; attempt++ {
				if err := s.closer.ClosePosition(ctx, dealID); err == nil {
					return
				} else {
					lastErr = err
				}
				time.Sleep(500 * time.Millisecond)
			}
			if s.logger != nil {
				s.logger.Error("kill switch close failed", zap.String("deal_id", dealID), zap.Error(lastErr))
			}
			mu.Lock()
			failed = append(failed, dealID)
			mu.Unlock()
		}(dealID)
	}
	wg.Wait()

	if len(failed) > 0 && s.onCloseFailed != nil {
		s.onCloseFailed(failed)
	}
}

// Reset clears the activation record.
func (s *Switch) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State{Active: false}
	return s.persistLocked()
}

func (s *Switch) persistLocked() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.path, data, 0o644)
}
