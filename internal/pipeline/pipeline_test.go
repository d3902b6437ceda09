package pipeline

import (
	"bufio"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/cryptoarchive/daily-processor/internal/model"
	"github.com/cryptoarchive/daily-processor/internal/parserapi"
)

func writeCaptureFile(t *testing.T, path string, lines []string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gw := gzip.NewWriter(f)
	defer gw.Close()
	bw := bufio.NewWriter(gw)
	for _, l := range lines {
		bw.WriteString(l)
		bw.WriteByte('\n')
	}
	bw.Flush()
}

func TestDriverEndToEnd(t *testing.T) {
	dir := t.TempDir()
	inputDir := filepath.Join(dir, "input")
	outRaw := filepath.Join(dir, "raw")
	outParsed := filepath.Join(dir, "parsed")

	day, _ := model.ParseDay("2024-03-05")
	baseMs := day.Time().UnixMilli() + 1000

	capturePath := filepath.Join(inputDir, "binance.spot.Trade.2024-03-05-00-00.json.gz")
	btc := `{"exchange":"binance","market_type":"spot","msg_type":"Trade","received_at":` + strconv.FormatInt(baseMs, 10) +
		`,"json":"{\"symbol\":\"BTC/USDT\",\"price\":\"1\",\"size\":\"1\",\"side\":\"buy\",\"trade_id\":\"1\",\"ts\":` + strconv.FormatInt(baseMs, 10) + `}"}`
	eth := `{"exchange":"binance","market_type":"spot","msg_type":"Trade","received_at":` + strconv.FormatInt(baseMs+1, 10) +
		`,"json":"{\"symbol\":\"ETH/USDT\",\"price\":\"1\",\"size\":\"1\",\"side\":\"buy\",\"trade_id\":\"2\",\"ts\":` + strconv.FormatInt(baseMs+1, 10) + `}"}`
	writeCaptureFile(t, capturePath, []string{btc, btc, eth})

	drv := New(Config{
		Exchange:   "binance",
		MarketType: model.MarketTypeSpot,
		MsgType:    model.MsgTypeTrade,
		Day:        day,
		InputDir:   inputDir,
		OutRawDir:  outRaw,
		OutParsed:  outParsed,
		Decoder:    parserapi.RefDecoder{},
		NumWorkers: 2,
	})

	s1, err := drv.RunStage1(context.Background())
	if err != nil {
		t.Fatalf("RunStage1: %v", err)
	}
	if s1.TotalLines != 3 {
		t.Fatalf("TotalLines = %d, want 3", s1.TotalLines)
	}
	if s1.DedupDrops != 1 {
		t.Fatalf("DedupDrops = %d, want 1 (duplicate btc line)", s1.DedupDrops)
	}
	if len(s1.Files) != 1 || s1.Files[0].Stage != "split" || s1.Files[0].TotalLines != 3 {
		t.Fatalf("unexpected stage1 file records: %+v", s1.Files)
	}

	drv.cfg.HostAvailableMem = 1 << 30
	s2, err := drv.RunStage2(context.Background())
	if err != nil {
		t.Fatalf("RunStage2: %v", err)
	}
	if s2.AbortedCount != 0 {
		t.Fatalf("unexpected aborted buckets: %+v", s2)
	}
	if len(s2.Files) != 4 {
		t.Fatalf("expected 4 stage2 file records (raw and parsed for BTC_USDT, ETH_USDT), got %d: %+v", len(s2.Files), s2.Files)
	}
	if len(s2.AdmissionWaits) != 4 {
		t.Fatalf("expected 4 admission reservations, got %d", len(s2.AdmissionWaits))
	}

	rawDir := bucketDir(outRaw, drv.cfg)
	entries, err := os.ReadDir(rawDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".xz" {
			t.Fatalf("expected only .xz outputs in raw dir, found %s", e.Name())
		}
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 raw buckets (BTC_USDT, ETH_USDT), got %d: %v", len(entries), entries)
	}
}

func TestDriverStage1FailsOnNoInput(t *testing.T) {
	dir := t.TempDir()
	day, _ := model.ParseDay("2024-03-05")
	drv := New(Config{
		Exchange:   "binance",
		MarketType: model.MarketTypeSpot,
		MsgType:    model.MsgTypeTrade,
		Day:        day,
		InputDir:   filepath.Join(dir, "input"),
		OutRawDir:  filepath.Join(dir, "raw"),
		OutParsed:  filepath.Join(dir, "parsed"),
		Decoder:    parserapi.RefDecoder{},
	})
	if _, err := drv.RunStage1(context.Background()); err == nil {
		t.Fatal("expected failure when there is no input")
	}
}
