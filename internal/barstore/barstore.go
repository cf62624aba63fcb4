// Package barstore is the columnar historical-bar storage layer
// (spec.md line 17, glossary line 345): a keyed read/write interface
// over bars, backed by DuckDB the way the teacher's
// internal/mcp_data/cache.go backs its query cache — database/sql
// with the pure-Go DuckDB driver, security-hardened against extension
// autoloading. Unlike the teacher's parquet-view cache (files on disk,
// views layered on top), bars are written directly into a DuckDB table
// so write_bars/read_bars/get_summary map onto ordinary SQL rather
// than file management.
package barstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/forex-engine/pkg/types"
)

// SymbolSummary is one row of get_summary(): a symbol/timeframe pair
// with its bar count and covered range.
type SymbolSummary struct {
	Symbol    string
	Timeframe types.Timeframe
	Count     int64
	First     time.Time
	Last      time.Time
}

// Store is the historical bar store. path == "" opens an in-memory
// database, matching the teacher's InitCache default for ephemeral use
// (e.g. backtest scratch runs); a file path persists across restarts.
type Store struct {
	mu     sync.Mutex
	logger *zap.Logger
	db     *sql.DB
}

// Open opens (and schema-initializes, if needed) a bar store at path.
func Open(logger *zap.Logger, path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("barstore: open: %w", err)
	}

	for _, stmt := range []string{
		"SET autoinstall_known_extensions = false",
		"SET autoload_known_extensions = false",
		"SET allow_community_extensions = false",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("barstore: configure (%s): %w", stmt, err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS bars (
		symbol VARCHAR NOT NULL,
		timeframe VARCHAR NOT NULL,
		ts TIMESTAMP NOT NULL,
		open DOUBLE NOT NULL,
		high DOUBLE NOT NULL,
		low DOUBLE NOT NULL,
		close DOUBLE NOT NULL,
		volume DOUBLE NOT NULL,
		run_id VARCHAR,
		PRIMARY KEY (symbol, timeframe, ts)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("barstore: create table: %w", err)
	}

	return &Store{logger: logger, db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WriteBars inserts bars, skipping (not erroring on) any whose
// (symbol, timeframe, timestamp) already exists, so repeated writes of
// the same bar are idempotent (glossary line 345). Returns the number
// newly written and the number deduped.
func (s *Store) WriteBars(ctx context.Context, bars []types.Bar, runID string) (written, deduped int, err error) {
	if len(bars) == 0 {
		return 0, 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("barstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO bars
		(symbol, timeframe, ts, open, high, low, close, volume, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe, ts) DO NOTHING`)
	if err != nil {
		return 0, 0, fmt.Errorf("barstore: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		res, err := stmt.ExecContext(ctx, b.Symbol, string(b.Timeframe), b.Timestamp.UTC(),
			toFloat(b.Open), toFloat(b.High), toFloat(b.Low), toFloat(b.Close), toFloat(b.Volume), runID)
		if err != nil {
			return 0, 0, fmt.Errorf("barstore: insert: %w", err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			written++
		} else {
			deduped++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("barstore: commit: %w", err)
	}
	return written, deduped, nil
}

// ReadBars returns ordered bars for (symbol, timeframe), optionally
// bounded by [start, end] and limited to the first `limit` rows. A nil
// start/end leaves that bound open; limit <= 0 means unbounded.
func (s *Store) ReadBars(ctx context.Context, symbol string, tf types.Timeframe, start, end *time.Time, limit int) ([]types.Bar, error) {
	query := `SELECT symbol, timeframe, ts, open, high, low, close, volume FROM bars
		WHERE symbol = ? AND timeframe = ?`
	args := []any{symbol, string(tf)}

	if start != nil {
		query += " AND ts >= ?"
		args = append(args, start.UTC())
	}
	if end != nil {
		query += " AND ts <= ?"
		args = append(args, end.UTC())
	}
	query += " ORDER BY ts ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("barstore: read: %w", err)
	}
	defer rows.Close()

	var out []types.Bar
	for rows.Next() {
		var b types.Bar
		var timeframe string
		var open, high, low, close, volume float64
		if err := rows.Scan(&b.Symbol, &timeframe, &b.Timestamp, &open, &high, &low, &close, &volume); err != nil {
			return nil, fmt.Errorf("barstore: scan: %w", err)
		}
		b.Timeframe = types.Timeframe(timeframe)
		b.Open = decimal.NewFromFloat(open)
		b.High = decimal.NewFromFloat(high)
		b.Low = decimal.NewFromFloat(low)
		b.Close = decimal.NewFromFloat(close)
		b.Volume = decimal.NewFromFloat(volume)
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetSummary returns one row per (symbol, timeframe) present in the
// store, with its bar count and covered range.
func (s *Store) GetSummary(ctx context.Context) ([]SymbolSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, timeframe, count(*), min(ts), max(ts)
		FROM bars GROUP BY symbol, timeframe ORDER BY symbol, timeframe`)
	if err != nil {
		return nil, fmt.Errorf("barstore: summary: %w", err)
	}
	defer rows.Close()

	var out []SymbolSummary
	for rows.Next() {
		var sum SymbolSummary
		var timeframe string
		if err := rows.Scan(&sum.Symbol, &timeframe, &sum.Count, &sum.First, &sum.Last); err != nil {
			return nil, fmt.Errorf("barstore: scan summary: %w", err)
		}
		sum.Timeframe = types.Timeframe(timeframe)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// HasM1Data reports whether at least one symbol has any M1 bars
// stored, the check the prelive checklist needs (spec.md §4.21a).
func (s *Store) HasM1Data(ctx context.Context) (bool, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM bars WHERE timeframe = ?`, string(types.TimeframeM1)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("barstore: has m1 data: %w", err)
	}
	return count > 0, nil
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
