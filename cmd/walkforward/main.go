// Command walkforward runs a rolling or anchored walk-forward
// optimization over a bar store, selects the combos that pass
// viability thresholds and diversity caps, and prints the resulting
// recommendations and allowlist proposals.
//
// Flag parsing and logger setup are grounded on the teacher's
// cmd/server/main.go idiom; sweep subprocess dispatch follows
// internal/sweep.Runner's self-reinvocation convention.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/forex-engine/internal/selector"
	"github.com/atlas-desktop/forex-engine/internal/sweep"
	"github.com/atlas-desktop/forex-engine/internal/walkforward"
	"github.com/atlas-desktop/forex-engine/pkg/types"
)

func main() {
	comboSpec := flag.String("combo-spec", "", "internal: run as a single sweep combo worker against the given spec file, then exit")
	barStorePath := flag.String("bars", "./data/bars.duckdb", "Path to the historical bar store")
	symbols := flag.String("symbols", "EURUSD", "Comma-separated symbols")
	bots := flag.String("bots", "momentum,mean_reversion,trend_following", "Comma-separated bot names")
	timeframe := flag.String("timeframe", "H1", "Bar timeframe")
	start := flag.String("start", "", "Overall window start (RFC3339)")
	end := flag.String("end", "", "Overall window end (RFC3339)")
	isDays := flag.Int("is-days", 30, "In-sample window length in days")
	oosDays := flag.Int("oos-days", 15, "Out-of-sample window length in days")
	stepDays := flag.Int("step-days", 15, "Fold step size in days")
	anchored := flag.Bool("anchored", false, "Use anchored folds instead of rolling")
	rankBy := flag.String("rank-by", "sharpe", "Combo ranking metric (sharpe, sortino, win_rate, profit_factor, calmar, composite)")
	topN := flag.Int("top-n", 3, "Number of top in-sample combos advanced to out-of-sample")
	initialCash := flag.Float64("initial-cash", 10000, "Initial cash per combo")
	warmup := flag.Int("warmup", 50, "Warmup bars before trading begins")
	maxWorkers := flag.Int("max-workers", 0, "Max concurrent sweep workers (0 = NumCPU-1)")
	sweepsDir := flag.String("sweeps-dir", "./sweeps", "Directory sweep artefacts are written under")
	inProcess := flag.Bool("in-process", true, "Run combos in-process instead of self-reinvoked subprocesses")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	// Self-reinvocation worker mode (spec.md §9 "Parallel workers:
	// processes, not threads"): internal/sweep.Runner launches this same
	// binary with -combo-spec when SelfExe is set, expecting the result
	// file to be written before the process exits.
	if *comboSpec != "" {
		runComboWorker(logger, *comboSpec)
		return
	}

	startTime, err := parseTime(*start)
	if err != nil {
		logger.Fatal("invalid -start", zap.Error(err))
	}
	endTime, err := parseTime(*end)
	if err != nil {
		logger.Fatal("invalid -end", zap.Error(err))
	}

	mode := walkforward.ModeRolling
	if *anchored {
		mode = walkforward.ModeAnchored
	}

	timeframes := []types.Timeframe{types.Timeframe(strings.ToUpper(*timeframe))}

	var runner *sweep.Runner
	if *inProcess {
		runner = sweep.NewRunner(logger, "", nil)
	} else {
		selfExe, execErr := os.Executable()
		if execErr != nil {
			logger.Fatal("failed to resolve self executable for subprocess workers", zap.Error(execErr))
		}
		runner = sweep.NewRunner(logger, selfExe, nil)
	}

	cfg := walkforward.Config{
		Start: startTime, End: endTime,
		ISDays: *isDays, OOSDays: *oosDays, Step: *stepDays, Mode: mode,
		RankBy: walkforward.RankMetric(*rankBy), TopN: *topN,
		Symbols: splitCSV(*symbols), Bots: splitCSV(*bots), Timeframes: timeframes,
		BarStorePath: *barStorePath, InitialCash: decimal.NewFromFloat(*initialCash), Warmup: *warmup,
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
		MaxWorkers: *maxWorkers, ComboTimeout: 5 * time.Minute, SweepsBaseDir: *sweepsDir,
	}

	result, err := walkforward.Run(context.Background(), logger, runner, cfg)
	if err != nil {
		logger.Fatal("walk-forward run failed", zap.Error(err))
	}

	selection := selector.Select(result.Recommendations, selector.DefaultThresholds(), selector.DefaultDiversityLimits())
	runID := fmt.Sprintf("wf-%d", time.Now().UnixNano())
	proposals := selector.BuildProposals(selection, result.Scorecard, runID, time.Now())

	printRecommendations(result.Recommendations)
	printSelection(selection)
	logger.Info("walk-forward complete", zap.Int("folds", len(result.Folds)), zap.Int("proposals", len(proposals)))
}

// runComboWorker executes exactly one combo in this process and writes
// its result file, mirroring the parent's combosDir layout (the spec
// file lives inside the combos/ directory it must write into).
func runComboWorker(logger *zap.Logger, specPath string) {
	result, err := sweep.RunWorker(context.Background(), logger, specPath)
	if err != nil {
		logger.Error("sweep combo worker failed", zap.String("spec", specPath), zap.Error(err))
		os.Exit(1)
	}
	combosDir := filepath.Dir(specPath)
	if err := sweep.WriteResult(combosDir, result); err != nil {
		logger.Error("sweep combo worker: failed to write result", zap.Error(err))
		os.Exit(1)
	}
}

func printRecommendations(recs []walkforward.Recommendation) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Symbol", "Bot", "Timeframe", "Folds", "Mean OOS Sharpe", "StdDev", "% Profitable", "Consistency")
	for _, r := range recs {
		folds := fmt.Sprintf("%d", r.Folds)
		if r.InsufficientFolds {
			folds += " (insufficient)"
		}
		table.Append(
			r.Combo.Symbol, r.Combo.Bot, string(r.Combo.Timeframe), folds,
			fmt.Sprintf("%.3f", r.MeanOOSSharpe), fmt.Sprintf("%.3f", r.StdDevOOSSharpe),
			fmt.Sprintf("%.0f%%", r.PercentProfitable*100), fmt.Sprintf("%.3f", r.ConsistencyScore),
		)
	}
	table.Render()
}

func printSelection(result selector.Result) {
	fmt.Println("\nSelected combos (proposed, not yet applied):")
	for _, sel := range result.Selected {
		fmt.Printf("  [%s/%s/%s] %s\n", sel.Combo.Symbol, sel.Combo.Bot, sel.Combo.Timeframe, sel.Rationale)
	}
	if len(result.Rejected) > 0 {
		fmt.Println("\nRejected combos:")
		for _, rej := range result.Rejected {
			fmt.Printf("  [%s/%s/%s] %s\n", rej.Combo.Symbol, rej.Combo.Bot, rej.Combo.Timeframe, rej.Reason)
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
