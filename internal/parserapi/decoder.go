// Package parserapi models the external black-box collaborators named in
// the governing interface contract: symbol extraction, payload parsing,
// and pair normalization. Production deployments wire in the real
// exchange-payload decoder library; this package only defines the
// boundary and a reference implementation suitable for tests.
package parserapi

import "github.com/cryptoarchive/daily-processor/internal/model"

// Decoder is the external symbol/payload decoding surface. Every method
// corresponds to one black-box function from the governing interface
// contract.
type Decoder interface {
	// ExtractSymbol returns the exchange-local instrument identifier found
	// in json, or ok=false if none could be found.
	ExtractSymbol(exchange string, marketType model.MarketType, rawJSON string) (symbol string, ok bool)

	// ParseL2 decodes an L2 order-book delta payload into zero or more
	// normalized records.
	ParseL2(exchange string, marketType model.MarketType, rawJSON string, receivedAtMs int64) ([]model.ParsedRecord, error)

	// ParseTrade decodes a trade payload into zero or more normalized
	// records.
	ParseTrade(exchange string, marketType model.MarketType, rawJSON string) ([]model.ParsedRecord, error)

	// NormalizePair derives the canonical base/quote pair for symbol on
	// exchange, or ok=false if the symbol can't be normalized (which
	// aborts that symbol's sink creation upstream).
	NormalizePair(symbol, exchange string) (pair string, ok bool)
}
