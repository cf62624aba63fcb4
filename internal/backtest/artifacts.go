package backtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/atlas-desktop/forex-engine/internal/fsutil"
	"github.com/atlas-desktop/forex-engine/pkg/types"
)

// manifest is the run-level provenance record (spec.md §6 run artefact
// layout: runs/{run_id}/manifest.json).
type manifest struct {
	RunID         string   `json:"runId"`
	EngineVersion string   `json:"engineVersion"`
	Symbols       []string `json:"symbols"`
	Timeframe     string   `json:"timeframe"`
	Bots          []string `json:"bots"`
	Start         string   `json:"start"`
	End           string   `json:"end"`
	InitialCash   string   `json:"initialCash"`
	StartedAt     string   `json:"startedAt"`
	CompletedAt   string   `json:"completedAt"`
}

// WriteArtifacts writes the full run artefact set into runsDir/{run_id}/
// per spec.md §6: manifest.json, equity_curve.csv, trades.csv,
// orders.csv, metrics.json, warnings.json, and returns that directory.
// Columnar artefacts are CSV (no parquet dependency is wired). Every
// file is written atomically so a reader never observes a partial file
// (spec.md §8 "Atomic artefact write").
func (r *Result) WriteArtifacts(runsDir string) (string, error) {
	dir := filepath.Join(runsDir, r.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("backtest: mkdir %s: %w", dir, err)
	}

	m := manifest{
		RunID: r.RunID, EngineVersion: r.EngineVersion, Symbols: r.Config.Symbols,
		Timeframe: string(r.Config.Timeframe), Bots: r.Config.Bots,
		Start: r.Config.Start.UTC().Format(timeLayout), End: r.Config.End.UTC().Format(timeLayout),
		InitialCash: r.Config.InitialCash.String(),
		StartedAt:   r.StartedAt.Format(timeLayout), CompletedAt: r.CompletedAt.Format(timeLayout),
	}
	if err := writeJSON(filepath.Join(dir, "manifest.json"), m); err != nil {
		return "", err
	}

	if err := writeEquityCSV(filepath.Join(dir, "equity_curve.csv"), r.EquityCurve); err != nil {
		return "", err
	}
	if err := writeTradesCSV(filepath.Join(dir, "trades.csv"), r.Trades); err != nil {
		return "", err
	}
	if err := writeOrdersCSV(filepath.Join(dir, "orders.csv"), r.Orders); err != nil {
		return "", err
	}

	metricsDoc := map[string]any{"combined": r.MetricsCombined, "byBot": r.MetricsByBot}
	if err := writeJSON(filepath.Join(dir, "metrics.json"), metricsDoc); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(dir, "warnings.json"), r.Warnings); err != nil {
		return "", err
	}

	return dir, nil
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("backtest: marshal %s: %w", path, err)
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

func writeCSVAtomic(path string, header []string, rows [][]string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("backtest: create %s: %w", tmp, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("backtest: write header %s: %w", path, err)
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("backtest: write row %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeEquityCSV(path string, points []types.EquityPoint) error {
	rows := make([][]string, 0, len(points))
	for _, p := range points {
		rows = append(rows, []string{
			p.Timestamp.UTC().Format(timeLayout), p.Equity.String(), p.Cash.String(),
			p.UnrealizedPnL.String(), p.RealizedPnL.String(), p.Drawdown.String(),
			p.DrawdownPct.String(), p.HighWaterMark.String(),
		})
	}
	return writeCSVAtomic(path, []string{"timestamp", "equity", "cash", "unrealized_pnl", "realized_pnl", "drawdown", "drawdown_pct", "high_water_mark"}, rows)
}

func writeTradesCSV(path string, trades []types.TradeRecord) error {
	rows := make([][]string, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, []string{
			t.ID, t.Symbol, t.Bot, string(t.Side), t.Size.String(), t.EntryPrice.String(), t.ExitPrice.String(),
			t.EntryTime.UTC().Format(timeLayout), t.ExitTime.UTC().Format(timeLayout),
			t.PnL.String(), t.Fees.String(), t.MAE.String(), t.MFE.String(),
			strconv.Itoa(t.BarsHeld), t.ExitReason,
		})
	}
	return writeCSVAtomic(path, []string{"id", "symbol", "bot", "side", "size", "entry_price", "exit_price",
		"entry_time", "exit_time", "pnl", "fees", "mae", "mfe", "bars_held", "exit_reason"}, rows)
}

func writeOrdersCSV(path string, orders []OrderRecord) error {
	rows := make([][]string, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, []string{
			o.Timestamp.UTC().Format(timeLayout), o.Symbol, o.Bot, o.Side,
			o.Requested.String(), o.Filled.String(), o.Price.String(), o.Fees.String(),
			strconv.FormatBool(o.Accepted), o.Reason,
		})
	}
	return writeCSVAtomic(path, []string{"timestamp", "symbol", "bot", "side", "requested", "filled", "price", "fees", "accepted", "reason"}, rows)
}
