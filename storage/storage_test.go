package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pgstats/collector"
)

var fixedNow = time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

func sampleSnapshot() *Snapshot {
	snap := collector.NewSnapshot(time.Unix(1709640000, 500000000))
	snap.Entities["q1"] = collector.Counters{
		"calls":      collector.Float(10),
		"total_time": collector.Float(100.25),
		"rows":       nil,
	}
	snap.Entities["select * from \"t\" where x = 'é'"] = collector.Counters{
		"calls": collector.Float(1),
	}
	return snap
}

func newJSONFile(t *testing.T) *JSONFile {
	t.Helper()
	f := NewJSONFile(filepath.Join(t.TempDir(), "state", "pg_query_statistics.json"), zap.NewNop())
	f.Now = func() time.Time { return fixedNow }
	return f
}

func TestJSONFileLoadMissing(t *testing.T) {
	f := newJSONFile(t)

	snap, err := f.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Entities)
	assert.Equal(t, fixedNow.Add(-60*time.Second), snap.Timestamp)
}

func TestJSONFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newJSONFile(t)
	want := sampleSnapshot()

	require.NoError(t, f.Save(ctx, want))
	first, err := f.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, f.Save(ctx, first))
	second, err := f.Load(ctx)
	require.NoError(t, err)

	for _, got := range []*Snapshot{first, second} {
		assert.True(t, want.Timestamp.Equal(got.Timestamp))
		assert.Equal(t, want.Entities, got.Entities)
	}
}

func TestJSONFileSaveOverwritesAndLeavesNoTemp(t *testing.T) {
	ctx := context.Background()
	f := newJSONFile(t)

	require.NoError(t, f.Save(ctx, sampleSnapshot()))
	replacement := collector.NewSnapshot(fixedNow)
	replacement.Entities["only"] = collector.Counters{"calls": collector.Float(1)}
	require.NoError(t, f.Save(ctx, replacement))

	got, err := f.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, replacement.Entities, got.Entities)

	entries, err := os.ReadDir(filepath.Dir(f.Path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "pg_query_statistics.json", entries[0].Name())
}

func TestJSONFileReadsLegacyLayout(t *testing.T) {
	f := newJSONFile(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.Path), 0o755))
	legacy := `{
    "timestamp": 1709640000.123,
    "orders": {
        "seq_scan": 12,
        "idx_scan": null
    }
}`
	require.NoError(t, os.WriteFile(f.Path, []byte(legacy), 0o644))

	snap, err := f.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1709640000), snap.Timestamp.Unix())
	assert.Equal(t, 12.0, *snap.Entities["orders"]["seq_scan"])
	v, ok := snap.Entities["orders"]["idx_scan"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestJSONFileMalformed(t *testing.T) {
	f := newJSONFile(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.Path), 0o755))
	require.NoError(t, os.WriteFile(f.Path, []byte(`{"timestamp": 1, "q": `), 0o644))

	_, err := f.Load(context.Background())
	assert.ErrorIs(t, err, ErrMalformedSnapshot)
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := NewSQLite(filepath.Join(t.TempDir(), "snapshots.db"), zap.NewNop())
	defer db.Close()
	db.now = func() time.Time { return fixedNow }

	queries := db.Pipeline("query")
	tables := db.Pipeline("table")

	empty, err := queries.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty.Entities)
	assert.Equal(t, fixedNow.Add(-DefaultLookback), empty.Timestamp)

	want := sampleSnapshot()
	require.NoError(t, queries.Save(ctx, want))

	got, err := queries.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.Timestamp.Unix(), got.Timestamp.Unix())
	assert.InDelta(t, want.Timestamp.Nanosecond(), got.Timestamp.Nanosecond(), 1000)
	assert.Equal(t, want.Entities, got.Entities)

	// pipelines do not see each other
	other, err := tables.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, other.Entities)

	// a second save replaces the first
	next := collector.NewSnapshot(fixedNow)
	next.Entities["q2"] = collector.Counters{"calls": collector.Float(2)}
	require.NoError(t, queries.Save(ctx, next))
	got, err = queries.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, next.Entities, got.Entities)
}

func TestSQLiteOpensOnFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	db := NewSQLite(path, zap.NewNop())
	defer db.Close()
	store := db.Pipeline("table")

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "constructing the store must not create the file")

	_, err = store.Load(context.Background())
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestBackendsAgreeOnTimestamp(t *testing.T) {
	ctx := context.Background()
	snap := collector.NewSnapshot(time.Unix(1709640000, 123456789))
	snap.Entities["orders"] = collector.Counters{"seq_scan": collector.Float(1)}

	file := newJSONFile(t)
	require.NoError(t, file.Save(ctx, snap))
	fromFile, err := file.Load(ctx)
	require.NoError(t, err)

	db := NewSQLite(filepath.Join(t.TempDir(), "snapshots.db"), zap.NewNop())
	defer db.Close()
	store := db.Pipeline("table")
	require.NoError(t, store.Save(ctx, snap))
	fromDB, err := store.Load(ctx)
	require.NoError(t, err)

	assert.True(t, fromFile.Timestamp.Equal(fromDB.Timestamp),
		"json %v, sqlite %v", fromFile.Timestamp, fromDB.Timestamp)
}
