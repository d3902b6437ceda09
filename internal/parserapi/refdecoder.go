package parserapi

import (
	"encoding/json"
	"fmt"

	"github.com/cryptoarchive/daily-processor/internal/model"
)

// RefDecoder is a reference Decoder for development and tests. It expects
// the capture payload shapes used by most spot/swap exchange gateways:
// a "symbol" field, and, for L2Event, "bids"/"asks" as [][2]string
// [price, size] pairs, or for Trade, "price"/"size"/"side"/"trade_id".
type RefDecoder struct{}

type l2Payload struct {
	Symbol string     `json:"symbol"`
	Bids   [][]string `json:"bids"`
	Asks   [][]string `json:"asks"`
}

type tradePayload struct {
	Symbol  string `json:"symbol"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	TradeID string `json:"trade_id"`
	Ts      int64  `json:"ts"`
}

type symbolOnly struct {
	Symbol string `json:"symbol"`
}

func (RefDecoder) ExtractSymbol(exchange string, marketType model.MarketType, rawJSON string) (string, bool) {
	var s symbolOnly
	if err := json.Unmarshal([]byte(rawJSON), &s); err != nil || s.Symbol == "" {
		return "", false
	}
	return s.Symbol, true
}

func (RefDecoder) ParseL2(exchange string, marketType model.MarketType, rawJSON string, receivedAtMs int64) ([]model.ParsedRecord, error) {
	var p l2Payload
	if err := json.Unmarshal([]byte(rawJSON), &p); err != nil {
		return nil, fmt.Errorf("parserapi: malformed l2 payload: %w", err)
	}
	if len(p.Bids) == 0 && len(p.Asks) == 0 {
		return nil, nil
	}
	return []model.ParsedRecord{{
		Timestamp: receivedAtMs,
		Exchange:  exchange,
		Fields: map[string]any{
			"symbol":      p.Symbol,
			"market_type": marketType.String(),
			"bids":        p.Bids,
			"asks":        p.Asks,
		},
	}}, nil
}

func (RefDecoder) ParseTrade(exchange string, marketType model.MarketType, rawJSON string) ([]model.ParsedRecord, error) {
	var p tradePayload
	if err := json.Unmarshal([]byte(rawJSON), &p); err != nil {
		return nil, fmt.Errorf("parserapi: malformed trade payload: %w", err)
	}
	if p.TradeID == "" {
		return nil, nil
	}
	return []model.ParsedRecord{{
		Timestamp: p.Ts,
		Exchange:  exchange,
		Fields: map[string]any{
			"symbol":      p.Symbol,
			"market_type": marketType.String(),
			"price":       p.Price,
			"size":        p.Size,
			"side":        p.Side,
			"trade_id":    p.TradeID,
		},
	}}, nil
}

func (RefDecoder) NormalizePair(symbol, exchange string) (string, bool) {
	if symbol == "" {
		return "", false
	}
	return symbol, true
}
