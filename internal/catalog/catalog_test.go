package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cryptoarchive/daily-processor/internal/model"
)

func writeFile(t *testing.T, dir, name string, size int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestEnumerateDayAndNextDayFirstHour(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "binance.spot.Trade.2024-03-05-00-00.json.gz", 10)
	writeFile(t, dir, "binance.spot.Trade.2024-03-05-23-00.json.gz", 20)
	writeFile(t, dir, "binance.spot.Trade.2024-03-06-00-00.json.gz", 5)
	writeFile(t, dir, "binance.spot.Trade.2024-03-06-01-00.json.gz", 999) // not first hour, excluded
	writeFile(t, dir, "binance.spot.Trade.2024-03-04-23-00.json.gz", 999) // previous day, excluded

	day, _ := model.ParseDay("2024-03-05")
	files, err := Enumerate(dir, "binance", model.MarketTypeSpot, model.MsgTypeTrade, day)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("got %d files, want 3: %+v", len(files), files)
	}
	// size-descending
	for i := 1; i < len(files); i++ {
		if files[i-1].Size < files[i].Size {
			t.Fatalf("files not sorted size-descending: %+v", files)
		}
	}
}

func TestEnumerateEmpty(t *testing.T) {
	dir := t.TempDir()
	day, _ := model.ParseDay("2024-03-05")
	files, err := Enumerate(dir, "binance", model.MarketTypeSpot, model.MsgTypeTrade, day)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected no files, got %+v", files)
	}
}

func TestEnumerateRecursesSubdirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sub", "dir"), "binance.spot.Trade.2024-03-05-00-00.json.gz", 10)

	day, _ := model.ParseDay("2024-03-05")
	files, err := Enumerate(dir, "binance", model.MarketTypeSpot, model.MsgTypeTrade, day)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1 from nested subdirectory", len(files))
	}
}
