// Package splitstage implements the Split Worker: per input file, decode,
// deduplicate, parse, and append to the Symbol Router's sinks.
package splitstage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/cryptoarchive/daily-processor/internal/dedup"
	"github.com/cryptoarchive/daily-processor/internal/log"
	"github.com/cryptoarchive/daily-processor/internal/model"
	"github.com/cryptoarchive/daily-processor/internal/parserapi"
	"github.com/cryptoarchive/daily-processor/internal/router"
)

// Result is the per-file tally a Split Worker returns to the driver.
type Result struct {
	ErrorLines  int64
	TotalLines  int64
	ParseErrors int64 // payloads the decoder rejected as not trade/L2 noise
}

// IsBlockedMarket extends the fixed blocked-market predicate
// (model.MarketType.IsBlocked) with an operator-supplied rule; nil means
// "use the fixed set only".
type IsBlockedMarket func(model.MarketType) bool

// Worker runs the Split/Dedup/Parse stage for one input capture file.
type Worker struct {
	Exchange   string
	MarketType model.MarketType
	MsgType    model.MsgType
	Day        model.Day

	Router  *router.Router
	Dedup   *dedup.Index
	Decoder parserapi.Decoder

	IsBlocked IsBlockedMarket
}

func (w *Worker) isBlocked() bool {
	if w.MarketType.IsBlocked() {
		return true
	}
	return w.IsBlocked != nil && w.IsBlocked(w.MarketType)
}

// Process reads path as a gzip-decompressed line stream and appends
// surviving lines to the router's sinks, per the governing Split Worker
// algorithm (dedup-before-parse, asymmetric day filters on raw vs
// parsed emission).
func (w *Worker) Process(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("splitstage: open %s: %w", path, err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return Result{}, fmt.Errorf("splitstage: gzip open %s: %w", path, err)
	}
	defer gr.Close()

	var res Result
	sc := bufio.NewScanner(gr)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		res.TotalLines++
		line := sc.Text()

		rec, err := model.ParseCaptureRecord([]byte(line))
		if err != nil {
			log.Warnf("splitstage: %s: malformed line: %v", path, err)
			res.ErrorLines++
			continue
		}

		if !w.Dedup.Offer(dedup.Hash(rec.JSON)) {
			continue // duplicate: neither error nor success
		}

		symbol, ok := w.Decoder.ExtractSymbol(w.Exchange, w.MarketType, rec.JSON)
		if !ok {
			log.Warnf("splitstage: %s: no symbol extracted", path)
			res.ErrorLines++
			continue
		}
		sanitized := model.SanitizeSymbol(symbol)

		entry, err := w.Router.SinkFor(sanitized)
		if err != nil {
			if errors.Is(err, router.ErrAborted) {
				// The symbol itself couldn't be paired/normalized: this
				// line's sink creation is aborted, not the whole file.
				log.Warnf("splitstage: %s: %v", path, err)
				res.ErrorLines++
				continue
			}
			return res, fmt.Errorf("splitstage: sink for %s: %w", sanitized, err)
		}

		if model.FloorDayMillis(rec.ReceivedAt) == w.Day {
			if err := entry.Raw.WriteLine(line); err != nil {
				return res, fmt.Errorf("splitstage: raw write: %w", err)
			}
		}

		if err := w.emitParsed(entry, rec, symbol, &res); err != nil {
			return res, err
		}
	}
	if err := sc.Err(); err != nil {
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			return res, fmt.Errorf("splitstage: %s: read error: %w", path, err)
		}
		// Truncated gzip stream: a malformed file, not a run-fatal error.
		// It is logged and this file's processing stops. The partial last
		// line has already passed through the loop above and been counted
		// as a malformed line; lines past the break cannot be read.
		log.Errorf("splitstage: %s: truncated stream: %v", path, err)
	}

	return res, nil
}

func (w *Worker) emitParsed(entry *router.Entry, rec model.CaptureRecord, symbol string, res *Result) error {
	if w.isBlocked() {
		return nil
	}

	var parsed []model.ParsedRecord
	var err error
	switch rec.MsgType {
	case model.MsgTypeL2Event:
		parsed, err = w.Decoder.ParseL2(w.Exchange, w.MarketType, rec.JSON, rec.ReceivedAt)
	case model.MsgTypeTrade:
		parsed, err = w.Decoder.ParseTrade(w.Exchange, w.MarketType, rec.JSON)
	default:
		// Unexpected msg_type indicates a catalog mismatch: a stage
		// invariant violation, not a recoverable line error. rec.MsgType
		// only reaches MsgTypeUnknown here because ParseCaptureRecord
		// resolves msg_type leniently, so this branch is reachable.
		log.Panicf("splitstage: unexpected msg_type %q for %s", rec.MsgTypeRaw, symbol)
	}
	if err != nil {
		// Parser rejection is not a line error: parsers legitimately
		// reject non-trade/L2 noise. Still counted for observability.
		res.ParseErrors++
		return nil
	}

	for _, pr := range parsed {
		if model.FloorDayMillis(pr.Timestamp) != w.Day {
			continue
		}
		b, err := json.Marshal(pr)
		if err != nil {
			return fmt.Errorf("splitstage: marshal parsed record: %w", err)
		}
		if err := entry.Parsed.WriteLine(string(b)); err != nil {
			return fmt.Errorf("splitstage: parsed write: %w", err)
		}
	}
	return nil
}
