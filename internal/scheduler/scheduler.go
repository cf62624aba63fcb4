// Package scheduler runs the periodic background jobs described in
// spec.md §4.20: a 24h data-freshness check and a 168h walk-forward +
// selector optimize pass, each producing proposals that only apply in
// DEMO mode. Grounded on the teacher's optimization/optimizer.go
// ticker-driven scheduling idiom, generalized into a small named-job
// runner rather than the teacher's single hard-coded optimization
// cadence.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/forex-engine/internal/allowlist"
	"github.com/atlas-desktop/forex-engine/internal/eventbus"
	"github.com/atlas-desktop/forex-engine/pkg/types"
)

const tickInterval = 60 * time.Second

// DataChecker verifies historical data freshness. It is a hook for an
// external validator; the checker cmd/live wires in only reads the bar
// store's summary and returns that call's error.
type DataChecker func(ctx context.Context) error

// Optimizer runs walk-forward analysis + combo selection and returns
// the resulting allowlist proposals. Implemented by wiring
// internal/walkforward and internal/selector together at the call
// site; scheduler only knows the narrow interface so it does not need
// to depend on either package directly.
type Optimizer func(ctx context.Context) ([]allowlist.Proposal, error)

// Job is one scheduled unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	lastRun  time.Time
}

// Scheduler drives named jobs off a single 60s tick, per spec.md §5's
// "Scheduler 60s check" suspension point.
type Scheduler struct {
	mu     sync.Mutex
	logger *zap.Logger
	bus    *eventbus.EventBus
	allow  *allowlist.Allowlist
	runID  string

	jobs []*Job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Scheduler with the two spec-defined jobs: nightly data
// check (24h) and weekly optimize (168h). dataChecker/optimizer may be
// nil to disable the corresponding job.
func New(logger *zap.Logger, bus *eventbus.EventBus, allow *allowlist.Allowlist, runID string, dataChecker DataChecker, optimizer Optimizer) *Scheduler {
	s := &Scheduler{logger: logger, bus: bus, allow: allow, runID: runID}

	if dataChecker != nil {
		s.jobs = append(s.jobs, &Job{
			Name:     "nightly_data_check",
			Interval: 24 * time.Hour,
			Run:      func(ctx context.Context) error { return dataChecker(ctx) },
		})
	}
	if optimizer != nil {
		s.jobs = append(s.jobs, &Job{
			Name:     "weekly_optimize",
			Interval: 168 * time.Hour,
			Run: func(ctx context.Context) error {
				proposals, err := optimizer(ctx)
				if err != nil {
					return err
				}
				for _, p := range proposals {
					if err := allow.Propose(p); err != nil {
						return err
					}
				}
				return nil
			},
		})
	}
	return s
}

// Start begins the 60s tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// Tick is exported for tests to drive the scheduler deterministically
// without waiting on the real 60s ticker.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.tick(ctx, now)
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, job := range s.jobs {
		s.mu.Lock()
		due := job.lastRun.IsZero() || now.Sub(job.lastRun) >= job.Interval
		s.mu.Unlock()
		if !due {
			continue
		}
		if err := job.Run(ctx); err != nil {
			if s.logger != nil {
				s.logger.Error("scheduler: job failed", zap.String("job", job.Name), zap.Error(err))
			}
			continue
		}
		s.mu.Lock()
		job.lastRun = now
		s.mu.Unlock()
	}
}

// ApplyProposal applies a previously-created proposal to the
// allowlist. Applying is only permitted in DEMO mode; in LIVE mode the
// proposal is rejected (discarded) with a LIVE-mode-blocked reason,
// per spec.md §4.20's fail-closed rule.
func (s *Scheduler) ApplyProposal(key string, mode types.TradingMode) error {
	if mode == types.TradingModeLive {
		if err := s.allow.Reject(key); err != nil {
			return err
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.New(eventbus.EventTypeRecommendationApplied, s.runID, map[string]any{
				"key": key, "applied": false, "reason": "live_mode_blocked",
			}))
		}
		return fmt.Errorf("scheduler: apply blocked in LIVE mode")
	}

	if err := s.allow.Approve(key); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.New(eventbus.EventTypeRecommendationApplied, s.runID, map[string]any{
			"key": key, "applied": true,
		}))
	}
	return nil
}
