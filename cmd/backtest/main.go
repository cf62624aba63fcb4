// Command backtest runs a single deterministic bar-driven backtest
// against historical data in a bar store and writes its run artefacts
// to disk, printing a scorecard for quick review.
//
// Flag parsing and logger setup are grounded on the teacher's
// cmd/server/main.go idiom.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/forex-engine/internal/backtest"
	"github.com/atlas-desktop/forex-engine/internal/barstore"
	"github.com/atlas-desktop/forex-engine/internal/broker"
	"github.com/atlas-desktop/forex-engine/internal/risk"
	"github.com/atlas-desktop/forex-engine/internal/strategy"
	"github.com/atlas-desktop/forex-engine/pkg/types"
)

func main() {
	barStorePath := flag.String("bars", "./data/bars.duckdb", "Path to the historical bar store")
	symbols := flag.String("symbols", "EURUSD", "Comma-separated symbols")
	bots := flag.String("bots", "momentum", "Comma-separated bot names")
	timeframe := flag.String("timeframe", "H1", "Bar timeframe")
	start := flag.String("start", "", "Backtest start (RFC3339)")
	end := flag.String("end", "", "Backtest end (RFC3339)")
	initialCash := flag.Float64("initial-cash", 10000, "Initial cash")
	warmup := flag.Int("warmup", 50, "Warmup bars before trading begins")
	sizeFlag := flag.Float64("size", 0.1, "Fixed order size per entry")
	runsDir := flag.String("runs-dir", "./runs", "Directory run artefacts are written under")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	startTime, err := parseTime(*start)
	if err != nil {
		logger.Fatal("invalid -start", zap.Error(err))
	}
	endTime, err := parseTime(*end)
	if err != nil {
		logger.Fatal("invalid -end", zap.Error(err))
	}

	store, err := barstore.Open(logger, *barStorePath)
	if err != nil {
		logger.Fatal("failed to open bar store", zap.Error(err))
	}
	defer store.Close()

	registry := strategy.NewRegistry()
	simulator := broker.NewSimulator(logger, broker.SimConfig{
		Fees: broker.FeeSchedule{PerTradeFlat: decimal.Zero, PerLot: decimal.Zero, Percentage: decimal.NewFromFloat(0.01)},
		DefaultRules: broker.DealingRules{
			MinSize: decimal.NewFromFloat(0.01), MaxSize: decimal.NewFromFloat(100), SizeStep: decimal.NewFromFloat(0.01),
		},
	})
	riskEngine := risk.New(logger, risk.Limits{
		MaxPositionSize:        decimal.NewFromFloat(10),
		MaxConcurrentPositions: 10,
		MaxDailyLossPct:        decimal.NewFromFloat(5),
		MaxTradesPerHour:       100,
		PerSymbolExposureCap:   decimal.NewFromFloat(100000),
		DefaultRules: risk.DealingRules{
			MinSize: decimal.NewFromFloat(0.01), MaxSize: decimal.NewFromFloat(100), SizeStep: decimal.NewFromFloat(0.01),
		},
	})

	engine := backtest.New(logger, store, registry, simulator, riskEngine)

	cfg := backtest.Config{
		RunID:       uuid.NewString(),
		Symbols:     splitCSV(*symbols),
		Timeframe:   types.Timeframe(strings.ToUpper(*timeframe)),
		Start:       startTime,
		End:         endTime,
		Bots:        splitCSV(*bots),
		InitialCash: decimal.NewFromFloat(*initialCash),
		Warmup:      *warmup,
		Sizing:      backtest.FixedSizing(decimal.NewFromFloat(*sizeFlag)),
	}

	progress := func(stage string, done, total int, message string) {
		logger.Info("backtest progress", zap.String("stage", stage), zap.Int("done", done), zap.Int("total", total), zap.String("message", message))
	}

	result, err := engine.Run(context.Background(), cfg, progress)
	if err != nil {
		logger.Fatal("backtest run failed", zap.Error(err))
	}

	runDir, err := result.WriteArtifacts(*runsDir)
	if err != nil {
		logger.Fatal("failed to write run artefacts", zap.Error(err))
	}
	logger.Info("backtest complete", zap.String("runId", result.RunID), zap.String("runDir", runDir))

	printScorecard(result)
}

func printScorecard(result *backtest.Result) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Bot", "Trades", "Win Rate", "Profit Factor", "Sharpe", "Calmar", "Max DD %")
	botNames := make([]string, 0, len(result.MetricsByBot))
	for bot := range result.MetricsByBot {
		botNames = append(botNames, bot)
	}
	sort.Strings(botNames)
	for _, bot := range botNames {
		m := result.MetricsByBot[bot]
		table.Append(
			bot, fmt.Sprintf("%d", m.TotalTrades), m.WinRate.StringFixed(3),
			m.ProfitFactor.StringFixed(2), m.Sharpe.StringFixed(2), m.Calmar.StringFixed(2),
			m.MaxDrawdownPct.StringFixed(2),
		)
	}
	combined := result.MetricsCombined
	table.Append(
		"TOTAL", fmt.Sprintf("%d", combined.TotalTrades), combined.WinRate.StringFixed(3),
		combined.ProfitFactor.StringFixed(2), combined.Sharpe.StringFixed(2), combined.Calmar.StringFixed(2),
		combined.MaxDrawdownPct.StringFixed(2),
	)
	table.Render()

	if len(result.Warnings) > 0 {
		fmt.Println("Warnings:")
		for _, w := range result.Warnings {
			fmt.Println(" -", w)
		}
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("a value is required")
	}
	return time.Parse(time.RFC3339, s)
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
