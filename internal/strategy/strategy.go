// Package strategy defines the pure bars-to-signal interface and a
// small registry of example strategies. Strategy mathematics
// themselves are explicitly out of scope for fidelity; these exist to
// exercise the backtest engine and autopilot with real, if modest,
// signal generators, adapted from the teacher's
// internal/strategy/strategy.go into the specification's pure-function
// shape (no per-bar mutable state, no lifecycle hooks).
package strategy

import (
	"fmt"
	"sync"

	"github.com/atlas-desktop/forex-engine/pkg/types"
)

// Context carries the identity a strategy is being evaluated under.
// Strategies are pure otherwise: same (bars, position, ctx) always
// produces the same SignalIntent.
type Context struct {
	Symbol    string
	Timeframe types.Timeframe
	BotName   string
}

// Strategy is a pure function from a bar sequence (and optional
// current position) to a signal intent.
type Strategy interface {
	Name() string
	// Warmup is the minimum bar count Evaluate needs before it can
	// produce a non-HOLD signal.
	Warmup() int
	Evaluate(bars []types.Bar, position types.PositionHint, ctx Context) (types.SignalIntent, error)
}

// Registry resolves a bot name to a Strategy factory.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]func() Strategy
}

// NewRegistry creates a registry pre-populated with the built-in
// strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]func() Strategy)}
	r.Register("momentum", func() Strategy { return NewMomentum() })
	r.Register("mean_reversion", func() Strategy { return NewMeanReversion() })
	r.Register("trend_following", func() Strategy { return NewTrendFollowing() })
	return r
}

// Register adds or replaces a named strategy factory.
func (r *Registry) Register(name string, factory func() Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = factory
}

// Create instantiates the named strategy.
func (r *Registry) Create(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("strategy: unknown bot %q", name)
	}
	return factory(), nil
}

// List returns every registered strategy name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		out = append(out, name)
	}
	return out
}
