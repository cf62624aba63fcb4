// Command prelive runs the readiness checklist gating LIVE arming and
// exits 0 if every check passes, 1 otherwise, per the specification's
// pre-flight-before-arming requirement.
//
// Flag parsing and logger setup are grounded on the teacher's
// cmd/server/main.go idiom.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/forex-engine/internal/barstore"
	"github.com/atlas-desktop/forex-engine/internal/broker"
	"github.com/atlas-desktop/forex-engine/internal/eventbus"
	"github.com/atlas-desktop/forex-engine/internal/prelive"
	"github.com/atlas-desktop/forex-engine/internal/risk"
	"github.com/atlas-desktop/forex-engine/pkg/types"
)

func main() {
	barStorePath := flag.String("bars", "./data/bars.duckdb", "Path to the historical bar store")
	probeSymbol := flag.String("probe-symbol", "EURUSD", "Symbol used for the data-freshness and quote-fetch probes")
	probeEpic := flag.String("probe-epic", "CS.D.EURUSD.CFD.IP", "Broker epic used for the quote-fetch probe")
	igBaseURL := flag.String("ig-base-url", "https://demo-api.ig.com/gateway/deal", "IG REST API base URL")
	igAPIKey := flag.String("ig-api-key", os.Getenv("IG_API_KEY"), "IG API key")
	igUsername := flag.String("ig-username", os.Getenv("IG_USERNAME"), "IG username")
	igPassword := flag.String("ig-password", os.Getenv("IG_PASSWORD"), "IG password")
	runID := flag.String("run-id", fmt.Sprintf("prelive-%d", time.Now().UnixNano()), "Run identifier stamped on emitted events")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	store, err := barstore.Open(logger, *barStorePath)
	if err != nil {
		logger.Fatal("failed to open bar store", zap.Error(err))
	}
	defer store.Close()

	adapter := broker.NewRateLimitedAdapter(
		broker.NewIGAdapter(logger, broker.IGConfig{
			BaseURL: *igBaseURL, APIKey: *igAPIKey, Username: *igUsername, Password: *igPassword,
		}),
		broker.DefaultRateLimitConfig(),
	)

	riskEngine := risk.New(logger, risk.Limits{
		MaxPositionSize:        decimal.NewFromFloat(10),
		MaxConcurrentPositions: 10,
		MaxDailyLossPct:        decimal.NewFromFloat(5),
		MaxTradesPerHour:       100,
		PerSymbolExposureCap:   decimal.NewFromFloat(100000),
	})

	bus := eventbus.NewBus(logger, 64)
	defer bus.Close()

	checker := prelive.New(store, adapter, riskEngine, bus, *runID, *probeSymbol, *probeEpic)

	result := checker.Run(context.Background(), types.TradingModeDemo, time.Now())

	for _, check := range result.Checks {
		status := "PASS"
		if !check.Passed {
			status = "FAIL"
		}
		fmt.Printf("[%s] %-28s %s\n", status, check.Name, check.Message)
	}

	if !result.Passed {
		fmt.Println("\nprelive checklist FAILED")
		os.Exit(1)
	}
	fmt.Println("\nprelive checklist passed")
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
