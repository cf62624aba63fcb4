// Package allowlist persists the approved (symbol, bot, timeframe)
// combinations that are permitted to trade, plus pending proposals
// awaiting operator approval (spec.md §3).
package allowlist

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/fsutil"
	"github.com/atlas-desktop/forex-engine/pkg/types"
	"go.uber.org/zap"
)

// Proposal is a candidate allowlist entry surfaced by the combo
// selector, awaiting operator approval.
type Proposal struct {
	Entry      types.AllowlistEntry `json:"entry"`
	ProposedAt time.Time            `json:"proposedAt"`
	Rationale  string               `json:"rationale"`
}

type document struct {
	Entries   map[string]types.AllowlistEntry `json:"entries"`
	Proposals map[string]Proposal             `json:"proposals"`
}

// Allowlist is the persisted set of approved combos and pending
// proposals. The whole document is rewritten atomically on every
// mutation, mirroring the teacher's metadata.json persistence.
type Allowlist struct {
	mu     sync.RWMutex
	logger *zap.Logger
	path   string
	doc    document
}

// New loads the allowlist from path if it exists, or starts empty.
func New(logger *zap.Logger, path string) (*Allowlist, error) {
	a := &Allowlist{
		logger: logger,
		path:   path,
		doc: document{
			Entries:   make(map[string]types.AllowlistEntry),
			Proposals: make(map[string]Proposal),
		},
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Allowlist) load() error {
	if !fsutil.Exists(a.path) {
		return nil
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return fmt.Errorf("allowlist: read: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		if a.logger != nil {
			a.logger.Warn("allowlist file corrupted, starting empty", zap.Error(err))
		}
		return nil
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]types.AllowlistEntry)
	}
	if doc.Proposals == nil {
		doc.Proposals = make(map[string]Proposal)
	}
	a.doc = doc
	return nil
}

func (a *Allowlist) persistLocked() error {
	data, err := json.Marshal(a.doc)
	if err != nil {
		return fmt.Errorf("allowlist: marshal: %w", err)
	}
	return fsutil.WriteFileAtomic(a.path, data, 0o644)
}

// Active reports whether (symbol, bot, timeframe) is approved and not
// stale at now.
func (a *Allowlist) Active(symbol, bot string, tf types.Timeframe, now time.Time, maxAge time.Duration) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	key := symbol + ":" + bot + ":" + string(tf)
	entry, ok := a.doc.Entries[key]
	if !ok {
		return false
	}
	return entry.Active(now, maxAge)
}

// ActiveForSymbolBot reports whether any timeframe of (symbol, bot) is
// approved and not stale at now. Used by the router, which routes
// order intents that do not carry a timeframe.
func (a *Allowlist) ActiveForSymbolBot(symbol, bot string, now time.Time, maxAge time.Duration) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, entry := range a.doc.Entries {
		if entry.Symbol == symbol && entry.Bot == bot && entry.Active(now, maxAge) {
			return true
		}
	}
	return false
}

// Upsert adds or replaces an approved entry.
func (a *Allowlist) Upsert(entry types.AllowlistEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.doc.Entries[entry.Key()] = entry
	return a.persistLocked()
}

// Remove deletes an approved entry by key.
func (a *Allowlist) Remove(key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.doc.Entries, key)
	return a.persistLocked()
}

// List returns every approved entry.
func (a *Allowlist) List() []types.AllowlistEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]types.AllowlistEntry, 0, len(a.doc.Entries))
	for _, e := range a.doc.Entries {
		out = append(out, e)
	}
	return out
}

// Propose records a candidate entry awaiting approval.
func (a *Allowlist) Propose(p Proposal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.doc.Proposals[p.Entry.Key()] = p
	return a.persistLocked()
}

// ListProposals returns every pending proposal.
func (a *Allowlist) ListProposals() []Proposal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Proposal, 0, len(a.doc.Proposals))
	for _, p := range a.doc.Proposals {
		out = append(out, p)
	}
	return out
}

// Approve promotes a pending proposal into the approved set.
func (a *Allowlist) Approve(key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.doc.Proposals[key]
	if !ok {
		return fmt.Errorf("allowlist: no such proposal %q", key)
	}
	p.Entry.Enabled = true
	a.doc.Entries[key] = p.Entry
	delete(a.doc.Proposals, key)
	return a.persistLocked()
}

// Reject discards a pending proposal without approving it.
func (a *Allowlist) Reject(key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.doc.Proposals, key)
	return a.persistLocked()
}
