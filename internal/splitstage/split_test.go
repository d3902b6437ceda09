package splitstage

import (
	"bufio"
	"compress/gzip"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/cryptoarchive/daily-processor/internal/dedup"
	"github.com/cryptoarchive/daily-processor/internal/model"
	"github.com/cryptoarchive/daily-processor/internal/parserapi"
	"github.com/cryptoarchive/daily-processor/internal/router"
)

func writeGzipCapture(t *testing.T, path string, lines []string) {
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

func readGzipLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gr.Close()
	var out []string
	sc := bufio.NewScanner(gr)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}

func rawPathFor(outDir string) router.PathFunc {
	return func(symbol string) (string, string, bool) {
		return filepath.Join(outDir, symbol+".raw.json.gz"), filepath.Join(outDir, symbol+".parsed.json.gz"), true
	}
}

func TestSplitWorkerDedupAndDayFilter(t *testing.T) {
	dir := t.TempDir()
	day, _ := model.ParseDay("2024-03-05")
	inMs := day.Time().UnixMilli() + 1000
	outMs := day.Next().Time().UnixMilli() + 60_000

	inputPath := filepath.Join(dir, "in.json.gz")
	line := `{"exchange":"binance","market_type":"spot","msg_type":"Trade","received_at":` +
		strconv.FormatInt(inMs, 10) + `,"json":"{\"symbol\":\"BTC/USDT\",\"price\":\"1\",\"size\":\"1\",\"side\":\"buy\",\"trade_id\":\"1\",\"ts\":` + strconv.FormatInt(inMs, 10) + `}"}`
	outsideLine := `{"exchange":"binance","market_type":"spot","msg_type":"Trade","received_at":` +
		strconv.FormatInt(outMs, 10) + `,"json":"{\"symbol\":\"BTC/USDT\",\"price\":\"1\",\"size\":\"1\",\"side\":\"buy\",\"trade_id\":\"2\",\"ts\":` + strconv.FormatInt(outMs, 10) + `}"}`
	writeGzipCapture(t, inputPath, []string{line, line, outsideLine})

	outDir := filepath.Join(dir, "out")
	r := router.New(rawPathFor(outDir))
	w := &Worker{
		Exchange:   "binance",
		MarketType: model.MarketTypeSpot,
		MsgType:    model.MsgTypeTrade,
		Day:        day,
		Router:     r,
		Dedup:      dedup.New(0),
		Decoder:    parserapi.RefDecoder{},
	}

	res, err := w.Process(inputPath)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.TotalLines != 3 {
		t.Fatalf("TotalLines = %d, want 3", res.TotalLines)
	}
	if res.ErrorLines != 0 {
		t.Fatalf("ErrorLines = %d, want 0", res.ErrorLines)
	}

	if err := r.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}

	rawLines := readGzipLines(t, filepath.Join(outDir, "BTC_USDT.raw.json.gz"))
	if len(rawLines) != 1 {
		t.Fatalf("raw lines = %d, want 1 (dup dropped, out-of-day dropped): %v", len(rawLines), rawLines)
	}
}

func TestSplitWorkerMalformedLineCountsAsError(t *testing.T) {
	dir := t.TempDir()
	day, _ := model.ParseDay("2024-03-05")
	inputPath := filepath.Join(dir, "in.json.gz")
	writeGzipCapture(t, inputPath, []string{"not json at all"})

	r := router.New(rawPathFor(filepath.Join(dir, "out")))
	w := &Worker{
		Exchange:   "binance",
		MarketType: model.MarketTypeSpot,
		MsgType:    model.MsgTypeTrade,
		Day:        day,
		Router:     r,
		Dedup:      dedup.New(0),
		Decoder:    parserapi.RefDecoder{},
	}

	res, err := w.Process(inputPath)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.ErrorLines != 1 || res.TotalLines != 1 {
		t.Fatalf("got %+v, want 1 error of 1 total", res)
	}
}

func TestSplitWorkerBlockedMarketSuppressesParsed(t *testing.T) {
	dir := t.TempDir()
	day, _ := model.ParseDay("2024-03-05")
	ms := day.Time().UnixMilli() + 1000
	line := `{"exchange":"binance","market_type":"bvol","msg_type":"Trade","received_at":` + strconv.FormatInt(ms, 10) +
		`,"json":"{\"symbol\":\"BTC/USDT\",\"price\":\"1\",\"size\":\"1\",\"side\":\"buy\",\"trade_id\":\"1\",\"ts\":` + strconv.FormatInt(ms, 10) + `}"}`
	inputPath := filepath.Join(dir, "in.json.gz")
	writeGzipCapture(t, inputPath, []string{line})

	outDir := filepath.Join(dir, "out")
	r := router.New(rawPathFor(outDir))
	w := &Worker{
		Exchange:   "binance",
		MarketType: model.MarketTypeBVOL,
		MsgType:    model.MsgTypeTrade,
		Day:        day,
		Router:     r,
		Dedup:      dedup.New(0),
		Decoder:    parserapi.RefDecoder{},
	}
	if _, err := w.Process(inputPath); err != nil {
		t.Fatalf("Process: %v", err)
	}
	r.CloseAll()

	parsedLines := readGzipLines(t, filepath.Join(outDir, "BTC_USDT.parsed.json.gz"))
	if len(parsedLines) != 0 {
		t.Fatalf("expected no parsed lines for blocked market, got %v", parsedLines)
	}
	rawLines := readGzipLines(t, filepath.Join(outDir, "BTC_USDT.raw.json.gz"))
	if len(rawLines) != 1 {
		t.Fatalf("expected raw line to still be emitted, got %v", rawLines)
	}
}

func TestSplitWorkerUnexpectedMsgTypePanics(t *testing.T) {
	dir := t.TempDir()
	day, _ := model.ParseDay("2024-03-05")
	ms := day.Time().UnixMilli() + 1000
	line := `{"exchange":"binance","market_type":"spot","msg_type":"Liquidation","received_at":` + strconv.FormatInt(ms, 10) +
		`,"json":"{\"symbol\":\"BTC/USDT\"}"}`
	inputPath := filepath.Join(dir, "in.json.gz")
	writeGzipCapture(t, inputPath, []string{line})

	r := router.New(rawPathFor(filepath.Join(dir, "out")))
	w := &Worker{
		Exchange:   "binance",
		MarketType: model.MarketTypeSpot,
		MsgType:    model.MsgTypeTrade,
		Day:        day,
		Router:     r,
		Dedup:      dedup.New(0),
		Decoder:    parserapi.RefDecoder{},
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on unexpected msg_type")
		}
	}()
	w.Process(inputPath)
}
