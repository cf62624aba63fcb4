// Package reconcile runs the background broker-truth reconciliation
// loop (spec.md §4.15): the broker's position list always overwrites
// the local store, and any observed drift is logged and emitted.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/broker"
	"github.com/atlas-desktop/forex-engine/internal/eventbus"
	"github.com/atlas-desktop/forex-engine/internal/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// sizeMismatchThreshold bounds |local.size - broker.size|: only a
// difference strictly greater than it counts as drift (spec.md §4.15).
var sizeMismatchThreshold = decimal.NewFromFloat(0.0001)

// PositionStore is the local position view the reconciliation loop
// keeps in sync with the broker. The execution router satisfies this.
type PositionStore interface {
	Positions() []broker.PositionView
	SetPositions([]broker.PositionView)
}

// DriftReport describes the difference between broker and local state
// observed in one reconciliation cycle.
type DriftReport struct {
	MissingLocally  []string
	MissingOnBroker []string
	SizeMismatches  []string
	HasDrift        bool
}

func (d DriftReport) computeHasDrift() bool {
	return len(d.MissingLocally) > 0 || len(d.MissingOnBroker) > 0 || len(d.SizeMismatches) > 0
}

// Service runs the periodic reconciliation loop.
type Service struct {
	mu sync.Mutex

	logger   *zap.Logger
	adapter  broker.Adapter
	store    PositionStore
	ledger   *ledger.Ledger
	bus      *eventbus.EventBus
	runID    string
	interval time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	lastResult DriftReport
	lastError  error
	cycles     int
}

// New creates a reconciliation service that polls adapter every
// interval, reconciling against store.
func New(logger *zap.Logger, adapter broker.Adapter, store PositionStore, l *ledger.Ledger, bus *eventbus.EventBus, runID string, interval time.Duration) *Service {
	return &Service{
		logger: logger, adapter: adapter, store: store, ledger: l, bus: bus,
		runID: runID, interval: interval,
	}
}

// Start begins the background reconciliation loop. A second call while
// already running is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the reconciliation loop and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// RunCycle runs a single reconciliation cycle immediately; exported for
// tests and for an initial synchronous reconciliation before Start.
func (s *Service) RunCycle(ctx context.Context) {
	s.runCycle(ctx)
}

func (s *Service) runCycle(ctx context.Context) {
	now := time.Now().UTC()
	brokerPositions, err := s.adapter.ListPositions(ctx)
	if err != nil {
		s.recordError(now, err)
		return
	}

	localPositions := s.store.Positions()
	report := computeDrift(brokerPositions, localPositions)

	s.store.SetPositions(brokerPositions)

	s.mu.Lock()
	s.lastResult = report
	s.lastError = nil
	s.cycles++
	s.mu.Unlock()

	s.publish(eventbus.EventTypePositionsUpdated, map[string]any{"position_count": len(brokerPositions)})
	if report.HasDrift {
		if s.logger != nil {
			s.logger.Warn("reconciliation drift detected",
				zap.Strings("missing_locally", report.MissingLocally),
				zap.Strings("missing_on_broker", report.MissingOnBroker),
				zap.Strings("size_mismatches", report.SizeMismatches))
		}
		s.publish(eventbus.EventTypeReconciliationWarning, map[string]any{
			"missing_locally":   report.MissingLocally,
			"missing_on_broker": report.MissingOnBroker,
			"size_mismatches":   report.SizeMismatches,
		})
	}

	s.appendLedger(now, report, "")
}

func (s *Service) recordError(now time.Time, err error) {
	s.mu.Lock()
	s.lastError = err
	s.lastResult = DriftReport{HasDrift: true}
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Error("reconciliation cycle failed", zap.Error(err))
	}
	s.appendLedger(now, DriftReport{HasDrift: true}, err.Error())
}

func (s *Service) appendLedger(now time.Time, report DriftReport, errMsg string) {
	if s.ledger == nil {
		return
	}
	details := map[string]any{
		"missing_locally":   report.MissingLocally,
		"missing_on_broker": report.MissingOnBroker,
		"size_mismatches":   report.SizeMismatches,
		"has_drift":         report.HasDrift,
	}
	if errMsg != "" {
		details["error"] = errMsg
	}
	_ = s.ledger.Append(ledger.Entry{Timestamp: now, Type: ledger.EntryReconciliation, RunID: s.runID, Details: details})
}

func (s *Service) publish(t eventbus.EventType, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.New(t, s.runID, data))
}

// LastResult returns the most recent drift report.
func (s *Service) LastResult() DriftReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

// computeDrift compares broker truth against the local store.
func computeDrift(brokerPositions, localPositions []broker.PositionView) DriftReport {
	brokerByID := make(map[string]broker.PositionView, len(brokerPositions))
	for _, p := range brokerPositions {
		brokerByID[p.DealID] = p
	}
	localByID := make(map[string]broker.PositionView, len(localPositions))
	for _, p := range localPositions {
		localByID[p.DealID] = p
	}

	var report DriftReport
	for id := range brokerByID {
		if _, ok := localByID[id]; !ok {
			report.MissingLocally = append(report.MissingLocally, id)
		}
	}
	for id := range localByID {
		if _, ok := brokerByID[id]; !ok {
			report.MissingOnBroker = append(report.MissingOnBroker, id)
		}
	}
	for id, local := range localByID {
		if brokerPos, ok := brokerByID[id]; ok {
			if local.Size.Sub(brokerPos.Size).Abs().GreaterThan(sizeMismatchThreshold) {
				report.SizeMismatches = append(report.SizeMismatches, id)
			}
		}
	}
	report.HasDrift = report.computeHasDrift()
	return report
}
