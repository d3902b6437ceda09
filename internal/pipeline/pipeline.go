// Package pipeline implements the Pipeline Driver: runs stage 1 to
// completion, then stage 2; owns the CPU-sized worker pool and collects
// per-file result tallies for both stages.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cryptoarchive/daily-processor/internal/admission"
	"github.com/cryptoarchive/daily-processor/internal/catalog"
	"github.com/cryptoarchive/daily-processor/internal/dedup"
	"github.com/cryptoarchive/daily-processor/internal/log"
	"github.com/cryptoarchive/daily-processor/internal/model"
	"github.com/cryptoarchive/daily-processor/internal/parserapi"
	"github.com/cryptoarchive/daily-processor/internal/router"
	"github.com/cryptoarchive/daily-processor/internal/sortstage"
	"github.com/cryptoarchive/daily-processor/internal/splitstage"
)

// ErrorRatioThreshold is stage 1's failure gate: exceeding it fails the
// whole run and stage 2 is never attempted.
const ErrorRatioThreshold = 0.01

// SizePercentileCutoff selects which fraction (by size rank) of stage-2
// buckets use Mode B (external parallel compressor) rather than Mode A.
const SizePercentileCutoff = 0.90

// Config wires every collaborator the driver needs for one run.
type Config struct {
	Exchange   string
	MarketType model.MarketType
	MsgType    model.MsgType
	Day        model.Day

	InputDir  string
	OutRawDir string
	OutParsed string

	Decoder         parserapi.Decoder
	IsBlockedMarket splitstage.IsBlockedMarket

	NumWorkers int // 0 defaults to runtime.NumCPU()

	PixzPath         string
	HostAvailableMem int64 // bytes, measured at stage-2 start by the caller

	// The following default to the package constants/admission defaults
	// when left zero, but let an operator override them via
	// internal/runconfig without touching code.
	ErrorRatioThreshold   float64
	SizePercentileCutoff  float64
	MemoryCoefficient     int64
	AdmissionBackoffMin   time.Duration
	AdmissionBackoffMax   time.Duration
}

// FileRecord is one processed file's tally, in a shape the caller can turn
// directly into a manifest.RunFile row without the pipeline package
// depending on internal/manifest.
type FileRecord struct {
	Stage      string // "split" or "sort"
	Path       string
	Bytes      int64
	TotalLines int64
	ErrorLines int64
	DurationMs int64
}

// Stage1Result aggregates Split Worker tallies across all input files.
type Stage1Result struct {
	TotalLines  int64
	ErrorLines  int64
	FileCount   int
	ParseErrors int64 // decoder-rejected payloads, labeled by Config.MsgType by the caller
	DedupDrops  int64
	Files       []FileRecord
}

func (r Stage1Result) ErrorRatio() float64 {
	if r.TotalLines == 0 {
		return 0
	}
	return float64(r.ErrorLines) / float64(r.TotalLines)
}

// Stage2Result aggregates Sort Worker tallies across all bucket files.
type Stage2Result struct {
	BucketCount    int
	AbortedCount   int
	ErrorBuckets   []string
	Files          []FileRecord
	AdmissionWaits []time.Duration // one entry per Reserve() call, for a wait-time histogram
}

// Driver runs both pipeline stages in strict sequence.
type Driver struct {
	cfg    Config
	Router *router.Router
	Dedup  *dedup.Index
}

func New(cfg Config) *Driver {
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = runtime.NumCPU()
	}
	if cfg.ErrorRatioThreshold == 0 {
		cfg.ErrorRatioThreshold = ErrorRatioThreshold
	}
	if cfg.SizePercentileCutoff == 0 {
		cfg.SizePercentileCutoff = SizePercentileCutoff
	}
	if cfg.MemoryCoefficient == 0 {
		cfg.MemoryCoefficient = admission.EstimationCoefficient
	}
	if cfg.AdmissionBackoffMin == 0 {
		cfg.AdmissionBackoffMin = admission.DefaultPollBackoffMin
	}
	if cfg.AdmissionBackoffMax == 0 {
		cfg.AdmissionBackoffMax = admission.DefaultPollBackoffMax
	}
	return &Driver{cfg: cfg}
}

func bucketDir(base string, cfg Config) string {
	return filepath.Join(base, cfg.MsgType.String(), cfg.Exchange, cfg.MarketType.String())
}

// RunStage1 enumerates input files, fans a Split Worker out over a
// CPU-sized pool, and flushes all router sinks before returning.
func (d *Driver) RunStage1(ctx context.Context) (Stage1Result, error) {
	rawDir := bucketDir(d.cfg.OutRawDir, d.cfg)
	parsedDir := bucketDir(d.cfg.OutParsed, d.cfg)
	for _, dir := range []string{rawDir, parsedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Stage1Result{}, fmt.Errorf("pipeline: mkdir %s: %w", dir, err)
		}
	}

	files, err := catalog.Enumerate(d.cfg.InputDir, d.cfg.Exchange, d.cfg.MarketType, d.cfg.MsgType, d.cfg.Day)
	if err != nil {
		return Stage1Result{}, err
	}
	if len(files) == 0 {
		log.Warnf("pipeline: no input files for %s.%s.%s.%s", d.cfg.Exchange, d.cfg.MarketType, d.cfg.MsgType, d.cfg.Day)
		return Stage1Result{}, fmt.Errorf("pipeline: no input")
	}

	d.Dedup = dedup.New(0)
	d.Router = router.New(func(symbol string) (string, string, bool) {
		pair, ok := pairFor(d.cfg.Decoder, symbol, d.cfg.Exchange)
		if !ok {
			return "", "", false
		}
		raw := filepath.Join(rawDir, fmt.Sprintf("%s.%s.%s.%s.%s.json.gz", d.cfg.Exchange, d.cfg.MarketType, d.cfg.MsgType, symbol, d.cfg.Day))
		parsed := filepath.Join(parsedDir, fmt.Sprintf("%s.%s.%s.%s.%s.%s.json.gz", d.cfg.Exchange, d.cfg.MarketType, d.cfg.MsgType, pair, symbol, d.cfg.Day))
		return raw, parsed, true
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.NumWorkers)

	type fileOutcome struct {
		file catalog.File
		res  splitstage.Result
		dur  time.Duration
	}
	results := make(chan fileOutcome, len(files))
	for _, file := range files {
		file := file
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			w := &splitstage.Worker{
				Exchange:   d.cfg.Exchange,
				MarketType: d.cfg.MarketType,
				MsgType:    d.cfg.MsgType,
				Day:        d.cfg.Day,
				Router:     d.Router,
				Dedup:      d.Dedup,
				Decoder:    d.cfg.Decoder,
				IsBlocked:  d.cfg.IsBlockedMarket,
			}
			start := time.Now()
			res, err := w.Process(file.Path)
			results <- fileOutcome{file: file, res: res, dur: time.Since(start)}
			if err != nil {
				log.Errorf("pipeline: split worker failed on %s: %v", file.Path, err)
				return err
			}
			return nil
		})
	}

	groupErr := g.Wait()
	close(results)

	var agg Stage1Result
	for fo := range results {
		agg.TotalLines += fo.res.TotalLines
		agg.ErrorLines += fo.res.ErrorLines
		agg.ParseErrors += fo.res.ParseErrors
		agg.FileCount++
		agg.Files = append(agg.Files, FileRecord{
			Stage:      "split",
			Path:       fo.file.Path,
			Bytes:      fo.file.Size,
			TotalLines: fo.res.TotalLines,
			ErrorLines: fo.res.ErrorLines,
			DurationMs: fo.dur.Milliseconds(),
		})
	}
	agg.DedupDrops = d.Dedup.Drops()

	if err := d.Router.CloseAll(); err != nil {
		return agg, fmt.Errorf("pipeline: closing sinks: %w", err)
	}
	if groupErr != nil {
		return agg, fmt.Errorf("pipeline: stage 1: %w", groupErr)
	}

	if agg.ErrorRatio() > d.cfg.ErrorRatioThreshold {
		return agg, fmt.Errorf("pipeline: stage 1 error ratio %.4f exceeds threshold %.4f", agg.ErrorRatio(), d.cfg.ErrorRatioThreshold)
	}
	return agg, nil
}

// pairFor derives the sanitized pair token used in a symbol's parsed
// BucketFile name. A NormalizePair failure aborts that symbol's sink
// creation entirely, per the Decoder contract: there is no "unpaired"
// fallback bucket.
func pairFor(dec parserapi.Decoder, symbol, exchange string) (string, bool) {
	pair, ok := dec.NormalizePair(symbol, exchange)
	if !ok {
		return "", false
	}
	return model.SanitizeSymbol(pair), true
}

// RunStage2 globs the stage-1 bucket files, deletes blocked-market parsed
// buckets, and fans Sort Workers out over a size-ascending schedule under
// the memory admission controller.
func (d *Driver) RunStage2(ctx context.Context) (Stage2Result, error) {
	rawDir := bucketDir(d.cfg.OutRawDir, d.cfg)
	parsedDir := bucketDir(d.cfg.OutParsed, d.cfg)

	if d.cfg.MarketType.IsBlocked() || (d.cfg.IsBlockedMarket != nil && d.cfg.IsBlockedMarket(d.cfg.MarketType)) {
		if err := deleteBuckets(parsedDir); err != nil {
			return Stage2Result{}, err
		}
	}

	rawBuckets, err := listJSONGZFiles(rawDir)
	if err != nil {
		return Stage2Result{}, err
	}
	if len(rawBuckets) == 0 {
		return Stage2Result{}, fmt.Errorf("pipeline: no raw bucket files for stage 2")
	}
	parsedBuckets, err := listJSONGZFiles(parsedDir)
	if err != nil {
		return Stage2Result{}, err
	}

	all := append(append([]catalog.File{}, rawBuckets...), parsedBuckets...)
	sort.Slice(all, func(i, j int) bool { return all[i].Size < all[j].Size })

	cutoffIdx := int(float64(len(all)) * d.cfg.SizePercentileCutoff)
	pixzReady := sortstage.PixzAvailable(pixzPathOr(d.cfg.PixzPath))

	ctrl := admission.NewWithBackoff(d.cfg.HostAvailableMem, d.cfg.AdmissionBackoffMin, d.cfg.AdmissionBackoffMax)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.NumWorkers)

	type outcome struct {
		path    string
		bytes   int64
		aborted bool
		dur     time.Duration
		res     sortstage.Result
	}
	outcomes := make(chan outcome, len(all))
	var admissionWaits []time.Duration

	for i, bucket := range all {
		i, bucket := i, bucket
		reservation := admission.EstimatePeakBytesWithCoefficient(bucket.Size, d.cfg.MemoryCoefficient)
		waitStart := time.Now()
		err := ctrl.Reserve(gctx, reservation)
		admissionWaits = append(admissionWaits, time.Since(waitStart))
		if err != nil {
			return Stage2Result{}, fmt.Errorf("pipeline: reserve for %s: %w", bucket.Path, err)
		}

		mode := sortstage.ModeA
		if pixzReady && i >= cutoffIdx {
			mode = sortstage.ModeB
		}

		g.Go(func() error {
			outPath := bucket.Path[:len(bucket.Path)-len(".json.gz")] + ".json.xz"
			w := &sortstage.Worker{
				InputPath:   bucket.Path,
				OutputPath:  outPath,
				Mode:        mode,
				PixzPath:    d.cfg.PixzPath,
				Admission:   ctrl,
				Reservation: reservation,
			}
			start := time.Now()
			res, err := w.Run(gctx)
			dur := time.Since(start)
			if err != nil {
				log.Errorf("pipeline: sort worker failed on %s: %v", bucket.Path, err)
				outcomes <- outcome{path: bucket.Path, bytes: bucket.Size, aborted: true, dur: dur, res: res}
				return err
			}
			outcomes <- outcome{path: bucket.Path, bytes: bucket.Size, aborted: res.Aborted, dur: dur, res: res}
			return nil
		})
	}

	groupErr := g.Wait()
	close(outcomes)

	var agg Stage2Result
	for o := range outcomes {
		agg.BucketCount++
		if o.aborted {
			agg.AbortedCount++
			agg.ErrorBuckets = append(agg.ErrorBuckets, o.path)
		}
		agg.Files = append(agg.Files, FileRecord{
			Stage:      "sort",
			Path:       o.path,
			Bytes:      o.bytes,
			TotalLines: o.res.TotalLines,
			ErrorLines: o.res.ErrorLines,
			DurationMs: o.dur.Milliseconds(),
		})
	}
	agg.AdmissionWaits = admissionWaits
	if groupErr != nil {
		return agg, fmt.Errorf("pipeline: stage 2: %w", groupErr)
	}
	if agg.AbortedCount > 0 {
		return agg, fmt.Errorf("pipeline: stage 2: %d bucket(s) aborted", agg.AbortedCount)
	}
	return agg, nil
}

func pixzPathOr(path string) string {
	if path == "" {
		return sortstage.DefaultPixzPath
	}
	return path
}

func listJSONGZFiles(dir string) ([]catalog.File, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: read dir %s: %w", dir, err)
	}
	var files []catalog.File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("pipeline: stat %s: %w", e.Name(), err)
		}
		files = append(files, catalog.File{Path: filepath.Join(dir, e.Name()), Size: info.Size()})
	}
	return files, nil
}

func deleteBuckets(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pipeline: read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("pipeline: delete blocked-market bucket %s: %w", e.Name(), err)
		}
	}
	return nil
}
