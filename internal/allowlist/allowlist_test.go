package allowlist

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/forex-engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUpsertAndActive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist.json")
	a, err := New(zap.NewNop(), path)
	require.NoError(t, err)

	now := time.Now()
	entry := types.AllowlistEntry{Symbol: "EURUSD", Bot: "trend", Timeframe: types.TimeframeH1, Enabled: true, ValidatedAt: now}
	require.NoError(t, a.Upsert(entry))

	assert.True(t, a.Active("EURUSD", "trend", types.TimeframeH1, now, time.Hour))
	assert.False(t, a.Active("GBPUSD", "trend", types.TimeframeH1, now, time.Hour))
}

func TestStaleEntryNotActive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist.json")
	a, err := New(zap.NewNop(), path)
	require.NoError(t, err)

	now := time.Now()
	entry := types.AllowlistEntry{Symbol: "EURUSD", Bot: "trend", Timeframe: types.TimeframeH1, Enabled: true, ValidatedAt: now.Add(-2 * time.Hour)}
	require.NoError(t, a.Upsert(entry))

	assert.False(t, a.Active("EURUSD", "trend", types.TimeframeH1, now, time.Hour))
}

func TestPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist.json")
	a, err := New(zap.NewNop(), path)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, a.Upsert(types.AllowlistEntry{Symbol: "EURUSD", Bot: "trend", Timeframe: types.TimeframeH1, Enabled: true, ValidatedAt: now}))

	a2, err := New(zap.NewNop(), path)
	require.NoError(t, err)
	assert.True(t, a2.Active("EURUSD", "trend", types.TimeframeH1, now, time.Hour))
}

func TestProposeApproveReject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist.json")
	a, err := New(zap.NewNop(), path)
	require.NoError(t, err)

	now := time.Now()
	entry := types.AllowlistEntry{Symbol: "USDJPY", Bot: "meanrev", Timeframe: types.TimeframeM15, ValidatedAt: now}
	require.NoError(t, a.Propose(Proposal{Entry: entry, ProposedAt: now, Rationale: "strong OOS Sharpe"}))
	require.Len(t, a.ListProposals(), 1)

	require.NoError(t, a.Approve(entry.Key()))
	require.Empty(t, a.ListProposals())
	assert.True(t, a.Active("USDJPY", "meanrev", types.TimeframeM15, now, time.Hour))

	require.NoError(t, a.Propose(Proposal{Entry: entry, ProposedAt: now, Rationale: "duplicate proposal"}))
	require.NoError(t, a.Reject(entry.Key()))
	require.Empty(t, a.ListProposals())
}
