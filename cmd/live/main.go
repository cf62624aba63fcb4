// Command live runs the online execution stack: broker session,
// market-data controller, execution router behind the full gate
// stack, reconciliation loop, autopilot, and scheduler, all coupled
// through the event bus. It is the composition root described in
// spec.md §9 ("construct leaves first and pass references in; no
// back-pointers").
//
// Flag parsing, logger setup, and the WebSocket hub are grounded on
// the teacher's cmd/server/main.go idiom.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/forex-engine/internal/allowlist"
	"github.com/atlas-desktop/forex-engine/internal/autopilot"
	"github.com/atlas-desktop/forex-engine/internal/barstore"
	"github.com/atlas-desktop/forex-engine/internal/broker"
	"github.com/atlas-desktop/forex-engine/internal/config"
	"github.com/atlas-desktop/forex-engine/internal/eventbus"
	"github.com/atlas-desktop/forex-engine/internal/gates"
	"github.com/atlas-desktop/forex-engine/internal/killswitch"
	"github.com/atlas-desktop/forex-engine/internal/ledger"
	"github.com/atlas-desktop/forex-engine/internal/marketdata"
	"github.com/atlas-desktop/forex-engine/internal/prelive"
	"github.com/atlas-desktop/forex-engine/internal/reconcile"
	"github.com/atlas-desktop/forex-engine/internal/risk"
	"github.com/atlas-desktop/forex-engine/internal/router"
	"github.com/atlas-desktop/forex-engine/internal/safety"
	"github.com/atlas-desktop/forex-engine/internal/scheduler"
	"github.com/atlas-desktop/forex-engine/internal/selector"
	"github.com/atlas-desktop/forex-engine/internal/strategy"
	"github.com/atlas-desktop/forex-engine/internal/sweep"
	"github.com/atlas-desktop/forex-engine/internal/walkforward"
	"github.com/atlas-desktop/forex-engine/internal/ws"
	"github.com/atlas-desktop/forex-engine/pkg/types"
)

func main() {
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error); defaults to LOG_LEVEL")
	wsAddr := flag.String("ws-addr", ":8090", "Address the WebSocket fan-out listens on")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config: "+err.Error())
		os.Exit(1)
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := setupLogger(level)
	defer logger.Sync()

	runID := fmt.Sprintf("live-%d", time.Now().UnixNano())
	mode := types.TradingMode(cfg.Mode)

	bus := eventbus.NewBus(logger, 256)
	defer bus.Close()

	barStorePath := cfg.DataDir + "/bars.duckdb"
	store, err := barstore.Open(logger, barStorePath)
	if err != nil {
		logger.Fatal("failed to open bar store", zap.Error(err))
	}
	defer store.Close()

	l, err := ledger.New(logger, cfg.DataDir, runID, string(mode))
	if err != nil {
		logger.Fatal("failed to open execution ledger", zap.Error(err))
	}

	allow, err := allowlist.New(logger, cfg.DataDir+"/allowlist.json")
	if err != nil {
		logger.Fatal("failed to load allowlist", zap.Error(err))
	}

	adapter := broker.NewRateLimitedAdapter(
		broker.NewIGAdapter(logger, broker.IGConfig{
			BaseURL: cfg.IGBaseURL(), APIKey: cfg.IGAPIKey, Username: cfg.IGUsername,
			Password: cfg.IGPassword, AccountID: cfg.IGAccountID,
			MaxRetries: cfg.IGMaxRetries, Timeout: time.Duration(cfg.IGRequestTimeoutS) * time.Second,
		}),
		broker.RateLimitConfig{RequestsPerSecond: float64(cfg.IGRateLimitRPS), Burst: cfg.IGRateLimitBurst},
	)

	riskEngine := risk.New(logger, risk.Limits{
		MaxPositionSize:        decimal.NewFromFloat(cfg.MaxPositionSize),
		MaxConcurrentPositions: cfg.MaxConcurrentPositions,
		MaxDailyLossPct:        decimal.NewFromFloat(cfg.MaxDailyLossPct),
		MaxTradesPerHour:       cfg.MaxTradesPerHour,
		PerSymbolExposureCap:   decimal.NewFromFloat(cfg.PerSymbolExposureCap),
		RequireSL:              cfg.RequireSL,
		DefaultRules: risk.DealingRules{
			MinSize: decimal.NewFromFloat(0.01), MaxSize: decimal.NewFromFloat(100), SizeStep: decimal.NewFromFloat(0.01),
		},
	})

	guard := safety.NewGuard(
		safety.NewIdempotencyGuard(10*time.Minute, 10000),
		safety.NewCircuitBreaker(logger, 5, time.Minute, 5*time.Minute, func() {
			bus.Publish(eventbus.New(eventbus.EventTypeCircuitBreakerTripped, runID, nil))
		}),
		safety.SizeValidator{DemoMaxSize: decimal.NewFromFloat(cfg.LiveMaxOrderSize)},
	)

	gate := gates.New(cfg)

	midPrices := newMidPriceCache()

	rtr := router.New(router.Config{
		Logger: logger, Gate: gate, Guard: guard, RiskEngine: riskEngine,
		Allowlist: allow, Ledger: l, Bus: bus, Adapter: adapter,
		GetMidPrice: midPrices.get,
		RefreshBalance: func(ctx context.Context) (decimal.Decimal, error) {
			accounts, err := adapter.ListAccounts(ctx)
			if err != nil {
				return decimal.Zero, err
			}
			for _, acct := range accounts {
				if acct.AccountID == cfg.IGAccountID {
					return acct.AvailableBalance, nil
				}
			}
			return decimal.Zero, fmt.Errorf("live: account %s not found", cfg.IGAccountID)
		},
		RunID: runID, Mode: mode,
	})

	killSwitch, err := killswitch.New(logger, cfg.DataDir+"/execution/kill_switch_state.json", cfg.CloseOnKillSwitch,
		routerPositionCloser{rtr},
		func(a killswitch.Activation) {
			bus.Publish(eventbus.New(eventbus.EventTypeKillSwitchActivated, runID, map[string]any{"actor": a.Actor, "reason": a.Reason}))
		},
		func(failed []string) {
			bus.Publish(eventbus.New(eventbus.EventTypeKillSwitchCloseFailed, runID, map[string]any{"failed": failed}))
		},
	)
	if err != nil {
		logger.Fatal("failed to initialize kill switch", zap.Error(err))
	}
	rtr.SetKillSwitch(killSwitch)

	reconciler := reconcile.New(logger, adapter, rtr, l, bus, runID, time.Duration(30)*time.Second)

	preliveChecker := prelive.New(store, adapter, riskEngine, bus, runID, "EURUSD", "CS.D.EURUSD.CFD.IP")

	registry := strategy.NewRegistry()

	pilot := autopilot.New(logger, bus, registry, rtr, allow, killSwitch, runID, autopilot.Config{})
	bus.Subscribe(eventbus.EventTypeBarReceived, func(ev eventbus.Event) {
		bar, ok := ev.Data["bar"].(types.Bar)
		if !ok {
			return
		}
		pilot.OnBar(context.Background(), bar, ev.Timestamp)
	})

	hub := ws.NewHub(logger)
	throttler := ws.NewThrottler(2*time.Second, time.Second, func(ev eventbus.Event) {
		hub.Broadcast(string(ev.Type), ev.Data)
	})
	bus.SubscribeAll(throttler.Handle)

	sched := scheduler.New(logger, bus, allow, runID,
		func(ctx context.Context) error {
			_, err := store.GetSummary(ctx)
			return err
		},
		func(ctx context.Context) ([]allowlist.Proposal, error) {
			return runWeeklyOptimize(ctx, logger, barStorePath)
		},
	)

	bd := marketdata.NewBarBuilder(logger)
	publisher := marketdata.NewPublisher(bus, runID, cfg.MarketDataMaxQuotesPerSec)
	bd.SetOnBar(publisher.PublishBar)

	controller := marketdata.New(logger, bus, adapter, nil, marketdata.Config{
		PreferStream: cfg.MarketDataMode == config.MarketDataModeStream,
		PollInterval: time.Duration(cfg.MarketDataPollIntervalMS) * time.Millisecond,
		StaleAfter:   time.Duration(cfg.MarketDataStaleThresholdS) * time.Second,
		RunID:        runID,
	})
	controller.SetOnQuote(func(q marketdata.Quote) {
		midPrices.set(q.Symbol, q.Mid())
		publisher.PublishQuote(q)
		bd.OnQuote(q)
	})
	controller.SetBackfill(func(ctx context.Context, symbol string, minutes int) {
		logger.Info("market-data backfill requested", zap.String("symbol", symbol), zap.Int("minutes", minutes))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx.Done())
	throttler.StartBatching(ctx)
	defer throttler.Stop()

	if err := adapter.VerifySession(ctx); err != nil {
		logger.Error("broker session verification failed", zap.Error(err))
	} else {
		rtr.SetConnected(true)
		bus.Publish(eventbus.New(eventbus.EventTypeBrokerConnected, runID, nil))
	}

	preliveResult := preliveChecker.Run(ctx, mode, time.Now())
	if preliveResult.Passed {
		gate.RecordPrelive(gates.PreliveResult{Passed: true, CheckedAt: time.Now()})
	}
	for _, check := range preliveResult.Checks {
		status := "PASS"
		if !check.Passed {
			status = "FAIL"
		}
		logger.Info("prelive check", zap.String("name", check.Name), zap.String("status", status), zap.String("message", check.Message))
	}

	reconciler.Start(ctx)
	defer reconciler.Stop()
	sched.Start(ctx)
	defer sched.Stop()
	controller.Start(ctx)
	defer controller.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		clientID := fmt.Sprintf("client-%d", time.Now().UnixNano())
		if err := ws.ServeWS(hub, clientID, w, r); err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
		}
	})
	server := &http.Server{Addr: *wsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("websocket server stopped", zap.Error(err))
		}
	}()

	logger.Info("live engine started", zap.String("runId", runID), zap.String("mode", string(mode)), zap.String("wsAddr", *wsAddr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	cancel()
}

// routerPositionCloser adapts the router's partial-close-capable
// ClosePosition to the kill switch's narrower full-close interface.
type routerPositionCloser struct {
	rtr *router.Router
}

func (c routerPositionCloser) ClosePosition(ctx context.Context, dealID string) error {
	_, err := c.rtr.ClosePosition(ctx, dealID, nil, time.Now())
	return err
}

// midPriceCache holds the last quoted mid price per symbol, feeding the
// risk engine's per-symbol exposure check (spec.md §9 open question:
// the exposure check must use a real quoted price, never a placeholder).
type midPriceCache struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func newMidPriceCache() *midPriceCache {
	return &midPriceCache{prices: make(map[string]decimal.Decimal)}
}

func (c *midPriceCache) set(symbol string, mid decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = mid
}

func (c *midPriceCache) get(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mid, ok := c.prices[symbol]
	return mid, ok
}

// runWeeklyOptimize wires internal/walkforward + internal/selector
// together for the scheduler's weekly_optimize job (spec.md §4.20).
// It runs a short trailing walk-forward window over the default symbol
// set, in-process (no subprocess isolation needed for the scheduler's
// own low-frequency sweep).
func runWeeklyOptimize(ctx context.Context, logger *zap.Logger, barStorePath string) ([]allowlist.Proposal, error) {
	now := time.Now().UTC()
	cfg := walkforward.Config{
		Start: now.AddDate(0, 0, -90), End: now,
		ISDays: 30, OOSDays: 15, Step: 15, Mode: walkforward.ModeRolling,
		RankBy: walkforward.RankSharpe, TopN: 3,
		Symbols: []string{"EURUSD"}, Bots: []string{"momentum", "mean_reversion", "trend_following"},
		Timeframes:   []types.Timeframe{types.TimeframeH1},
		BarStorePath: barStorePath, InitialCash: decimal.NewFromFloat(10000), Warmup: 50,
		Sim: sweep.SimParams{
			Spread: decimal.NewFromFloat(0.0002), Slippage: decimal.NewFromFloat(0.0001),
			PerTradeFlat: decimal.Zero, PerLot: decimal.Zero, Percentage: decimal.NewFromFloat(0.01),
			MinSize: decimal.NewFromFloat(0.01), MaxSize: decimal.NewFromFloat(100), SizeStep: decimal.NewFromFloat(0.01),
		},
		Risk: sweep.RiskParams{
			MaxPositionSize: decimal.NewFromFloat(10), MaxConcurrentPositions: 10,
			MaxDailyLossPct: decimal.NewFromFloat(5), MaxTradesPerHour: 100,
			PerSymbolExposureCap: decimal.NewFromFloat(100000),
		},
		MaxWorkers: 1, ComboTimeout: 2 * time.Minute, SweepsBaseDir: "./sweeps",
	}

	runner := sweep.NewRunner(logger, "", nil)
	result, err := walkforward.Run(ctx, logger, runner, cfg)
	if err != nil {
		return nil, err
	}
	selection := selector.Select(result.Recommendations, selector.DefaultThresholds(), selector.DefaultDiversityLimits())
	runID := fmt.Sprintf("wf-%d", now.UnixNano())
	return selector.BuildProposals(selection, result.Scorecard, runID, now), nil
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey: "time", LevelKey: "level", NameKey: "logger", CallerKey: "caller",
			MessageKey: "msg", StacktraceKey: "stacktrace", LineEnding: zapcore.DefaultLineEnding,
			EncodeLevel: zapcore.CapitalColorLevelEncoder, EncodeTime: zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder, EncodeCaller: zapcore.ShortCallerEncoder,
		},
		OutputPaths: []string{"stdout"}, ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
