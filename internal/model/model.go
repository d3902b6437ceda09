// Package model holds the data types shared across the pipeline: capture
// and parsed records, the market/message type enums, and the filename
// sanitization and day-floor helpers every component needs.
package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// MsgType is the capture kind of a CaptureRecord.
type MsgType int

const (
	MsgTypeUnknown MsgType = iota
	MsgTypeL2Event
	MsgTypeTrade
)

func ParseMsgType(s string) (MsgType, error) {
	switch s {
	case "L2Event":
		return MsgTypeL2Event, nil
	case "Trade":
		return MsgTypeTrade, nil
	default:
		return MsgTypeUnknown, fmt.Errorf("model: unknown message type %q", s)
	}
}

func (t MsgType) String() string {
	switch t {
	case MsgTypeL2Event:
		return "L2Event"
	case MsgTypeTrade:
		return "Trade"
	default:
		return "Unknown"
	}
}

// MarketType is the enumerated trading-market kind of a CaptureRecord.
type MarketType int

const (
	MarketTypeUnknown MarketType = iota
	MarketTypeSpot
	MarketTypeLinearFuture
	MarketTypeInverseFuture
	MarketTypeLinearSwap
	MarketTypeInverseSwap
	MarketTypeQuantoFuture
	MarketTypeQuantoSwap
	MarketTypeMove
	MarketTypeBVOL
	MarketTypeOption
)

var marketTypeNames = map[MarketType]string{
	MarketTypeSpot:          "spot",
	MarketTypeLinearFuture:  "linear_future",
	MarketTypeInverseFuture: "inverse_future",
	MarketTypeLinearSwap:    "linear_swap",
	MarketTypeInverseSwap:   "inverse_swap",
	MarketTypeQuantoFuture:  "quanto_future",
	MarketTypeQuantoSwap:    "quanto_swap",
	MarketTypeMove:          "move",
	MarketTypeBVOL:          "bvol",
	MarketTypeOption:        "option",
}

func ParseMarketType(s string) (MarketType, error) {
	for k, v := range marketTypeNames {
		if v == s {
			return k, nil
		}
	}
	return MarketTypeUnknown, fmt.Errorf("model: unknown market type %q", s)
}

func (m MarketType) String() string {
	if name, ok := marketTypeNames[m]; ok {
		return name
	}
	return "unknown"
}

// IsBlocked reports whether parsed-output emission must be suppressed for
// this market type. The set is fixed regardless of configuration; see
// internal/runconfig for the additional, operator-configurable predicate.
func (m MarketType) IsBlocked() bool {
	switch m {
	case MarketTypeQuantoFuture, MarketTypeQuantoSwap, MarketTypeMove, MarketTypeBVOL:
		return true
	default:
		return false
	}
}

// CaptureRecord is one line of a gzip-compressed hourly capture file.
type CaptureRecord struct {
	Exchange   string     `json:"exchange"`
	MarketType MarketType `json:"-"`
	MsgType    MsgType    `json:"-"`
	ReceivedAt int64      `json:"received_at"`
	JSON       string     `json:"json"`

	MarketTypeRaw string `json:"market_type"`
	MsgTypeRaw    string `json:"msg_type"`
}

// ParseCaptureRecord decodes one capture line and resolves its enum fields.
// Callers check MarketType/MsgType against the expected (E,M,T) tuple
// themselves; this function only validates that the JSON is well formed and
// that MarketType parses. MsgType is resolved leniently: an unrecognized
// msg_type is not a line parse error, it is left as MsgTypeUnknown (with
// MsgTypeRaw preserved) for the caller to treat as the stage invariant
// violation it actually is, rather than a malformed line.
func ParseCaptureRecord(line []byte) (CaptureRecord, error) {
	var rec CaptureRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return CaptureRecord{}, fmt.Errorf("model: malformed capture line: %w", err)
	}
	mt, err := ParseMarketType(rec.MarketTypeRaw)
	if err != nil {
		return CaptureRecord{}, err
	}
	rec.MarketType = mt
	if msg, err := ParseMsgType(rec.MsgTypeRaw); err == nil {
		rec.MsgType = msg
	} else {
		rec.MsgType = MsgTypeUnknown
	}
	return rec, nil
}

// ParsedRecord is a normalized domain record decoded from a CaptureRecord's
// JSON payload: an L2 order-book delta or a trade.
type ParsedRecord struct {
	Timestamp int64          `json:"timestamp"`
	Exchange  string         `json:"exchange"`
	Fields    map[string]any `json:"-"`
}

// MarshalJSON flattens Fields alongside the fixed envelope fields so the
// emitted line is a single JSON object, matching the external parser's
// documented output shape.
func (p ParsedRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Fields)+2)
	for k, v := range p.Fields {
		out[k] = v
	}
	out["timestamp"] = p.Timestamp
	out["exchange"] = p.Exchange
	return json.Marshal(out)
}

// sanitizeRE collapses any run of the filename-unsafe characters
// `( ) : . \ /` to a single underscore. Taken verbatim from the original
// implementation this pipeline replaces.
var sanitizeRE = regexp.MustCompile(`[():.\\/]+`)

// SanitizeSymbol collapses filename-unsafe characters in a symbol or pair
// token so it is safe to embed in a BucketFile path.
func SanitizeSymbol(s string) string {
	return sanitizeRE.ReplaceAllString(s, "_")
}

// Day is a UTC calendar date, "YYYY-MM-DD".
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

var dayRE = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ParseDay parses a "YYYY-MM-DD" string, rejecting anything that doesn't
// match the expected shape (per CLI validation in §6 of the governing spec).
func ParseDay(s string) (Day, error) {
	if !dayRE.MatchString(s) {
		return Day{}, fmt.Errorf("model: day %q must match YYYY-MM-DD", s)
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Day{}, fmt.Errorf("model: day %q: %w", s, err)
	}
	return Day{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

func (d Day) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Day) String() string {
	return d.Time().Format("2006-01-02")
}

// Next returns the calendar day that follows d, advancing by exactly
// 86400 seconds of UTC wall-clock time.
func (d Day) Next() Day {
	t := d.Time().Add(24 * time.Hour)
	return Day{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// FloorDayMillis returns the UTC calendar day containing the instant
// given in milliseconds since epoch.
func FloorDayMillis(ms int64) Day {
	t := time.UnixMilli(ms).UTC()
	return Day{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}
