package parserapi

import (
	"testing"

	"github.com/cryptoarchive/daily-processor/internal/model"
)

func TestRefDecoderExtractSymbol(t *testing.T) {
	d := RefDecoder{}
	sym, ok := d.ExtractSymbol("binance", model.MarketTypeSpot, `{"symbol":"BTC/USDT"}`)
	if !ok || sym != "BTC/USDT" {
		t.Fatalf("ExtractSymbol = %q, %v", sym, ok)
	}
	if _, ok := d.ExtractSymbol("binance", model.MarketTypeSpot, `{}`); ok {
		t.Error("expected ok=false for missing symbol")
	}
}

func TestRefDecoderParseL2(t *testing.T) {
	d := RefDecoder{}
	recs, err := d.ParseL2("binance", model.MarketTypeSpot, `{"symbol":"BTC/USDT","bids":[["100","1"]],"asks":[]}`, 1700000000000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 || recs[0].Timestamp != 1700000000000 {
		t.Fatalf("unexpected records: %+v", recs)
	}

	recs, err = d.ParseL2("binance", model.MarketTypeSpot, `{"symbol":"BTC/USDT"}`, 1)
	if err != nil || len(recs) != 0 {
		t.Fatalf("expected empty-book noise to be silently dropped, got %+v err=%v", recs, err)
	}
}

func TestRefDecoderParseTrade(t *testing.T) {
	d := RefDecoder{}
	recs, err := d.ParseTrade("binance", model.MarketTypeSpot, `{"symbol":"BTC/USDT","price":"100","size":"1","side":"buy","trade_id":"1","ts":123}`)
	if err != nil || len(recs) != 1 {
		t.Fatalf("unexpected: %+v, %v", recs, err)
	}

	if _, err := d.ParseTrade("binance", model.MarketTypeSpot, `not json`); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestRefDecoderNormalizePair(t *testing.T) {
	d := RefDecoder{}
	if _, ok := d.NormalizePair("", "binance"); ok {
		t.Error("expected ok=false for empty symbol")
	}
	if pair, ok := d.NormalizePair("BTC/USDT", "binance"); !ok || pair != "BTC/USDT" {
		t.Errorf("NormalizePair = %q, %v", pair, ok)
	}
}
