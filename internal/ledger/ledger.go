// Package ledger implements the append-only execution journal and its
// periodically flushed position snapshot (spec.md §4.13).
package ledger

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/fsutil"
	"github.com/atlas-desktop/forex-engine/pkg/types"
	"go.uber.org/zap"
)

// EntryType is the kind of ledger row.
type EntryType string

const (
	EntryIntent         EntryType = "intent"
	EntrySubmission     EntryType = "submission"
	EntryAck            EntryType = "ack"
	EntryRejection      EntryType = "rejection"
	EntryError          EntryType = "error"
	EntryReconciliation EntryType = "reconciliation"
	EntryKillSwitch     EntryType = "kill_switch"
)

// Entry is one row of the ledger. Unknown fields on read are ignored
// (forward compatibility); Details carries entry-type-specific data.
type Entry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Type          EntryType      `json:"entryType"`
	RunID         string         `json:"runId"`
	IntentID      string         `json:"intentId,omitempty"`
	DealReference string         `json:"dealReference,omitempty"`
	Symbol        string         `json:"symbol,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Manifest describes the ledger's run metadata, written once at open.
type Manifest struct {
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
	Mode      string    `json:"mode"`
}

// Snapshot is the periodically flushed position snapshot. It is written
// as one JSON document (positions_snapshot.json), not in a columnar format.
type Snapshot struct {
	TakenAt   time.Time         `json:"takenAt"`
	Positions []types.Position  `json:"positions"`
}

// Ledger is an append-only JSONL file plus a manifest and a snapshot
// file, all colocated under a per-run directory.
type Ledger struct {
	mu sync.Mutex

	logger       *zap.Logger
	entriesPath  string
	manifestPath string
	snapshotPath string

	writesSinceSnapshot int
}

// New creates (or reopens) a ledger directory for runID under dataDir,
// writing the manifest if it does not already exist.
func New(logger *zap.Logger, dataDir, runID, mode string) (*Ledger, error) {
	runDir := filepath.Join(dataDir, "runs", runID)
	l := &Ledger{
		logger:       logger,
		entriesPath:  filepath.Join(runDir, "ledger.jsonl"),
		manifestPath: filepath.Join(runDir, "manifest.json"),
		snapshotPath: filepath.Join(runDir, "positions_snapshot.json"),
	}

	if !fsutil.Exists(l.manifestPath) {
		manifest := Manifest{RunID: runID, StartedAt: time.Now().UTC(), Mode: mode}
		data, err := json.Marshal(manifest)
		if err != nil {
			return nil, fmt.Errorf("ledger: marshal manifest: %w", err)
		}
		if err := fsutil.WriteFileAtomic(l.manifestPath, data, 0o644); err != nil {
			return nil, fmt.Errorf("ledger: write manifest: %w", err)
		}
	}
	return l, nil
}

// Append writes entry as a new line. Writes are strictly append-only;
// the ledger never rewrites a prior line.
func (l *Ledger) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ledger: marshal entry: %w", err)
	}
	if err := fsutil.AppendLine(l.entriesPath, data); err != nil {
		return fmt.Errorf("ledger: append entry: %w", err)
	}
	return nil
}

// ReadAll reads every entry from the ledger. Corrupted or partial
// lines are skipped with a logged warning; subsequent valid lines
// remain readable.
func (l *Ledger) ReadAll() ([]Entry, error) {
	var entries []Entry
	err := fsutil.ReadLinesTolerant(l.entriesPath,
		func(line []byte) error {
			var e Entry
			if err := json.Unmarshal(line, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		},
		func(lineNo int, err error) {
			if l.logger != nil {
				l.logger.Warn("ledger: skipping corrupted line", zap.Int("line", lineNo), zap.Error(err))
			}
		},
	)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// FlushSnapshot writes the current position set to the snapshot file,
// overwriting it atomically.
func (l *Ledger) FlushSnapshot(positions []types.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{TakenAt: time.Now().UTC(), Positions: positions}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("ledger: marshal snapshot: %w", err)
	}
	l.writesSinceSnapshot = 0
	return fsutil.WriteFileAtomic(l.snapshotPath, data, 0o644)
}

// MaybeFlushSnapshot flushes the snapshot on every `every`-th call,
// counted since the last flush. Append does not advance the count.
func (l *Ledger) MaybeFlushSnapshot(positions []types.Position, every int) error {
	l.mu.Lock()
	l.writesSinceSnapshot++
	due := l.writesSinceSnapshot >= every
	l.mu.Unlock()

	if !due {
		return nil
	}
	return l.FlushSnapshot(positions)
}
