package manifest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreInsertAndQueryRun(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "manifest.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	id, err := store.InsertRun(ctx, Run{
		Exchange:             "binance",
		MarketType:           "spot",
		MsgType:              "Trade",
		Day:                  "2024-03-05",
		StartedAtMs:          1000,
		FinishedAtMs:         2000,
		ExitCode:             0,
		Stage1ErrorRatio:     0.002,
		Stage2AbortedBuckets: 0,
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	err = store.InsertRunFiles(ctx, []RunFile{
		{RunID: id, Stage: "split", Path: "a.json.gz", Bytes: 10, TotalLines: 5, ErrorLines: 0, DurationMs: 12},
	})
	require.NoError(t, err)

	runs, err := store.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "binance", runs[0].Exchange)
}

func TestExportRunAvro(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.avro")
	err := ExportRunAvro(path, Run{
		Exchange:   "binance",
		MarketType: "spot",
		MsgType:    "Trade",
		Day:        "2024-03-05",
		ExitCode:   0,
	})
	require.NoError(t, err)
}
