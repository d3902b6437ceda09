// Command archiver runs one daily batch pass over a market-data capture
// archive: split/dedup/parse, then sort/recompress, for one
// (exchange, market type, message type, day) selection.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/cryptoarchive/daily-processor/internal/log"
	"github.com/cryptoarchive/daily-processor/internal/manifest"
	"github.com/cryptoarchive/daily-processor/internal/metrics"
	"github.com/cryptoarchive/daily-processor/internal/model"
	"github.com/cryptoarchive/daily-processor/internal/parserapi"
	"github.com/cryptoarchive/daily-processor/internal/pipeline"
	"github.com/cryptoarchive/daily-processor/internal/runconfig"
	"github.com/cryptoarchive/daily-processor/internal/runtimeenv"
)

var dayRE = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func main() {
	os.Exit(run())
}

// run performs one batch invocation and returns the process exit code:
// 0 on success, 1 for bad arguments, missing input, a stage-1 error-ratio
// breach, or any stage-2 error.
func run() int {
	var flagConfigFile string
	var flagManifestExport string
	var flagMetricsTextfile string
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the built-in tunables with those in `config.json`")
	flag.StringVar(&flagManifestExport, "manifest-avro", "", "If set, also export this run's manifest row as an Avro file at `path`")
	flag.StringVar(&flagMetricsTextfile, "metrics-textfile", "", "If set, write Prometheus textfile-collector metrics to `path`")
	flag.Parse()

	args := flag.Args()
	if len(args) != 7 {
		fmt.Fprintln(os.Stderr, "usage: archiver [flags] <E> <T> <M> <D> <input_dir> <out_raw> <out_parsed>")
		return 1
	}
	exchange, msgTypeArg, marketTypeArg, dayArg, inputDir, outRaw, outParsed := args[0], args[1], args[2], args[3], args[4], args[5], args[6]

	log.SetLogLevelFromEnv()

	if err := runtimeenv.LoadDotEnv("./.env"); err != nil {
		log.Errorf("main: loading .env: %v", err)
		return 1
	}
	if err := runconfig.Init(flagConfigFile); err != nil {
		log.Errorf("main: loading config: %v", err)
		return 1
	}
	if err := runtimeenv.RaiseNoFile(runconfig.Keys.NOFILETarget); err != nil {
		log.Warnf("main: raising NOFILE limit: %v", err)
	}

	if !dayRE.MatchString(dayArg) {
		log.Errorf("main: invalid day %q, expected YYYY-MM-DD", dayArg)
		return 1
	}
	day, err := model.ParseDay(dayArg)
	if err != nil {
		log.Errorf("main: %v", err)
		return 1
	}
	msgType, err := model.ParseMsgType(msgTypeArg)
	if err != nil {
		log.Errorf("main: invalid message type %q: %v", msgTypeArg, err)
		return 1
	}
	marketType, err := model.ParseMarketType(marketTypeArg)
	if err != nil {
		log.Errorf("main: invalid market type %q: %v", marketTypeArg, err)
		return 1
	}
	if info, err := os.Stat(inputDir); err != nil || !info.IsDir() {
		log.Errorf("main: input_dir %q does not exist or is not a directory", inputDir)
		return 1
	}

	blockedPred, err := runconfig.Keys.BlockedMarketPredicate(exchange)
	if err != nil {
		log.Errorf("main: %v", err)
		return 1
	}

	availMem, err := runtimeenv.AvailableMemoryBytes()
	if err != nil {
		log.Warnf("main: querying available memory: %v; stage 2 will admit against 0 bytes and block until corrected", err)
	}

	cfg := pipeline.Config{
		Exchange:   exchange,
		MarketType: marketType,
		MsgType:    msgType,
		Day:        day,

		InputDir:  inputDir,
		OutRawDir: outRaw,
		OutParsed: outParsed,

		Decoder:         parserapi.RefDecoder{},
		IsBlockedMarket: blockedPred,

		PixzPath:         runconfig.Keys.PixzPath,
		HostAvailableMem: availMem,

		ErrorRatioThreshold:  runconfig.Keys.Stage1ErrorRatioThreshold,
		SizePercentileCutoff: runconfig.Keys.SizePercentileCutoff,
		MemoryCoefficient:    runconfig.Keys.MemoryCoefficient,
		AdmissionBackoffMin:  runconfig.Keys.AdmissionBackoffMin(),
		AdmissionBackoffMax:  runconfig.Keys.AdmissionBackoffMax(),
	}

	driver := pipeline.New(cfg)
	ctx := context.Background()
	startedAt := time.Now()

	stage1, err := driver.RunStage1(ctx)
	if err != nil {
		log.Errorf("main: stage 1 failed: %v", err)
		recordRun(cfg, stage1, pipeline.Stage2Result{}, startedAt, 1, flagManifestExport, flagMetricsTextfile)
		return 1
	}
	log.Infof("main: stage 1 complete: %d files, %d/%d error lines (%.4f ratio)", stage1.FileCount, stage1.ErrorLines, stage1.TotalLines, stage1.ErrorRatio())

	// Stage 2's admission budget is the host's available memory measured
	// here, after stage 1 has finished; the stage-2 driver is built with it.
	availMem, err = runtimeenv.AvailableMemoryBytes()
	if err != nil {
		log.Warnf("main: querying available memory: %v; stage 2 will admit against 0 bytes and block until corrected", err)
	}
	cfg.HostAvailableMem = availMem
	driver = pipeline.New(cfg)

	stage2, err := driver.RunStage2(ctx)
	if err != nil {
		log.Errorf("main: stage 2 failed: %v", err)
		recordRun(cfg, stage1, stage2, startedAt, 1, flagManifestExport, flagMetricsTextfile)
		return 1
	}
	log.Infof("main: stage 2 complete: %d buckets, %d aborted", stage2.BucketCount, stage2.AbortedCount)

	recordRun(cfg, stage1, stage2, startedAt, 0, flagManifestExport, flagMetricsTextfile)
	return 0
}

// recordRun persists the run manifest (SQLite, plus optional Avro export)
// and writes the optional metrics textfile. Failures here are logged but
// never change the process's exit code: the pipeline's own outcome
// already determined that.
func recordRun(cfg pipeline.Config, stage1 pipeline.Stage1Result, stage2 pipeline.Stage2Result, startedAt time.Time, exitCode int, avroPath, metricsPath string) {
	r := manifest.Run{
		Exchange:             cfg.Exchange,
		MarketType:           cfg.MarketType.String(),
		MsgType:              cfg.MsgType.String(),
		Day:                  cfg.Day.String(),
		StartedAtMs:          startedAt.UnixMilli(),
		FinishedAtMs:         time.Now().UnixMilli(),
		ExitCode:             exitCode,
		Stage1ErrorRatio:     stage1.ErrorRatio(),
		Stage2AbortedBuckets: stage2.AbortedCount,
	}

	dbPath := filepath.Join(cfg.OutRawDir, ".manifest.db")
	store, err := manifest.Open(dbPath)
	if err != nil {
		log.Errorf("main: opening run manifest %s: %v", dbPath, err)
	} else {
		defer store.Close()
		ctx := context.Background()
		runID, err := store.InsertRun(ctx, r)
		if err != nil {
			log.Errorf("main: recording run manifest: %v", err)
		} else if files := runFiles(runID, stage1, stage2); len(files) > 0 {
			if err := store.InsertRunFiles(ctx, files); err != nil {
				log.Errorf("main: recording run manifest files: %v", err)
			}
		}
		manifest.LogSummary(r)
	}

	if avroPath != "" {
		if err := manifest.ExportRunAvro(avroPath, r); err != nil {
			log.Errorf("main: exporting avro manifest: %v", err)
		}
	}

	if metricsPath != "" {
		reg := metrics.New("market_archiver")
		reg.LinesProcessed.WithLabelValues("total").Add(float64(stage1.TotalLines))
		reg.LinesProcessed.WithLabelValues("error").Add(float64(stage1.ErrorLines))
		reg.DedupDrops.Add(float64(stage1.DedupDrops))
		reg.ParseErrors.WithLabelValues(cfg.MsgType.String()).Add(float64(stage1.ParseErrors))
		for _, wait := range stage2.AdmissionWaits {
			reg.AdmissionWaitSec.Observe(wait.Seconds())
		}
		reg.BucketsWritten.WithLabelValues("total").Set(float64(stage2.BucketCount))
		reg.BucketsAborted.Set(float64(stage2.AbortedCount))
		if err := reg.WriteTextfile(metricsPath); err != nil {
			log.Errorf("main: writing metrics textfile: %v", err)
		}
	}
}

// runFiles flattens both stages' per-file tallies into manifest rows for
// runID, the "one row per processed file" audit trail.
func runFiles(runID int64, stage1 pipeline.Stage1Result, stage2 pipeline.Stage2Result) []manifest.RunFile {
	files := make([]manifest.RunFile, 0, len(stage1.Files)+len(stage2.Files))
	for _, f := range append(append([]pipeline.FileRecord{}, stage1.Files...), stage2.Files...) {
		files = append(files, manifest.RunFile{
			RunID:      runID,
			Stage:      f.Stage,
			Path:       f.Path,
			Bytes:      f.Bytes,
			TotalLines: f.TotalLines,
			ErrorLines: f.ErrorLines,
			DurationMs: f.DurationMs,
		})
	}
	return files
}
