package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAppendAndReadAllRoundTrips(t *testing.T) {
	dir := t.TempDir()
	l, err := New(zap.NewNop(), dir, "run-1", "DEMO")
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, l.Append(Entry{Timestamp: now, Type: EntryIntent, RunID: "run-1", IntentID: "i1"}))
	require.NoError(t, l.Append(Entry{Timestamp: now, Type: EntrySubmission, RunID: "run-1", IntentID: "i1", DealReference: "d1"}))

	entries, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryIntent, entries[0].Type)
	assert.Equal(t, EntrySubmission, entries[1].Type)
}

func TestReadAllSkipsCorruptedLines(t *testing.T) {
	dir := t.TempDir()
	l, err := New(zap.NewNop(), dir, "run-2", "DEMO")
	require.NoError(t, err)

	require.NoError(t, l.Append(Entry{Timestamp: time.Now().UTC(), Type: EntryIntent, RunID: "run-2"}))

	entriesPath := filepath.Join(dir, "runs", "run-2", "ledger.jsonl")
	f, err := os.OpenFile(entriesPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not valid json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, l.Append(Entry{Timestamp: time.Now().UTC(), Type: EntryAck, RunID: "run-2"}))

	entries, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryIntent, entries[0].Type)
	assert.Equal(t, EntryAck, entries[1].Type)
}

func TestManifestWrittenOnce(t *testing.T) {
	dir := t.TempDir()
	_, err := New(zap.NewNop(), dir, "run-3", "LIVE")
	require.NoError(t, err)
	manifestPath := filepath.Join(dir, "runs", "run-3", "manifest.json")
	info1, err := os.Stat(manifestPath)
	require.NoError(t, err)

	_, err = New(zap.NewNop(), dir, "run-3", "LIVE")
	require.NoError(t, err)
	info2, err := os.Stat(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime())
}

func TestMaybeFlushSnapshotFlushesOnSchedule(t *testing.T) {
	dir := t.TempDir()
	l, err := New(zap.NewNop(), dir, "run-4", "DEMO")
	require.NoError(t, err)

	snapshotPath := filepath.Join(dir, "runs", "run-4", "positions_snapshot.json")
	require.NoError(t, l.MaybeFlushSnapshot(nil, 2))
	_, err = os.Stat(snapshotPath)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, l.MaybeFlushSnapshot(nil, 2))
	_, err = os.Stat(snapshotPath)
	assert.NoError(t, err)
}
