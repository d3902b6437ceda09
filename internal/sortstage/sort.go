// Package sortstage implements the Sort Worker: per bucket file produced
// by stage 1, load all lines, sort by embedded timestamp, re-emit under a
// stronger archival codec, delete the input, and release the reservation.
package sortstage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/cryptoarchive/daily-processor/internal/admission"
	"github.com/cryptoarchive/daily-processor/internal/log"
)

// Mode selects the compression strategy for a bucket.
type Mode int

const (
	// ModeA compresses in-process with an LZMA/XZ encoder at level 9.
	ModeA Mode = iota
	// ModeB writes uncompressed, then shells out to the external pixz
	// binary to compress in parallel.
	ModeB
)

// DefaultPixzPath is where the governing spec expects to find pixz.
const DefaultPixzPath = "/usr/bin/pixz"

// PixzAvailable reports whether a pixz binary exists at path.
func PixzAvailable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Result is the per-bucket tally a Sort Worker returns to the driver.
type Result struct {
	ErrorLines int64
	TotalLines int64
	Aborted    bool
}

type timestampedLine struct {
	timestamp int64
	line      string
}

// timestampKeys, in preference order, are the fields a bucket line's
// timestamp may be carried under: raw buckets use "received_at", parsed
// buckets use "timestamp".
var timestampKeys = []string{"received_at", "timestamp"}

// Worker sorts and re-compresses one bucket file.
type Worker struct {
	InputPath  string // <bucket>.json.gz
	OutputPath string // <bucket>.json.xz
	Mode       Mode
	PixzPath   string

	Admission   *admission.Controller
	Reservation int64 // bytes already reserved by the driver before submission
}

// Run executes the full sort/recompress algorithm. The reservation is
// always released on return, regardless of outcome.
func (w *Worker) Run(ctx context.Context) (Result, error) {
	defer w.Admission.Release(w.Reservation)

	lines, res, err := w.readAndTimestamp()
	if err != nil {
		return res, err
	}
	if res.ErrorLines > 0 {
		// Any malformed line aborts this bucket only: leave input in
		// place, write no output.
		res.Aborted = true
		log.Warnf("sortstage: %s: %d malformed lines, aborting bucket", w.InputPath, res.ErrorLines)
		return res, nil
	}

	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].timestamp < lines[j].timestamp
	})

	if err := w.write(lines); err != nil {
		return res, err
	}

	if err := os.Remove(w.InputPath); err != nil {
		return res, fmt.Errorf("sortstage: remove %s: %w", w.InputPath, err)
	}
	return res, nil
}

func (w *Worker) readAndTimestamp() ([]timestampedLine, Result, error) {
	f, err := os.Open(w.InputPath)
	if err != nil {
		return nil, Result{}, fmt.Errorf("sortstage: open %s: %w", w.InputPath, err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, Result{}, fmt.Errorf("sortstage: gzip open %s: %w", w.InputPath, err)
	}
	defer gr.Close()

	var res Result
	var lines []timestampedLine
	sc := bufio.NewScanner(gr)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		res.TotalLines++
		line := sc.Text()

		var fields map[string]any
		ts, ok := int64(0), false
		if err := json.Unmarshal([]byte(line), &fields); err == nil {
			for _, key := range timestampKeys {
				if v, present := fields[key]; present {
					if n, isNum := toInt64(v); isNum {
						ts, ok = n, true
						break
					}
				}
			}
		}
		if !ok {
			log.Warnf("sortstage: %s: line missing a usable timestamp", w.InputPath)
			res.ErrorLines++
			continue
		}
		lines = append(lines, timestampedLine{timestamp: ts, line: line})
	}
	if err := sc.Err(); err != nil {
		return nil, res, fmt.Errorf("sortstage: %s: read error: %w", w.InputPath, err)
	}
	return lines, res, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func (w *Worker) write(lines []timestampedLine) error {
	switch w.Mode {
	case ModeA:
		return w.writeModeA(lines)
	case ModeB:
		return w.writeModeB(lines)
	default:
		return fmt.Errorf("sortstage: unknown mode %v", w.Mode)
	}
}

func (w *Worker) writeModeA(lines []timestampedLine) error {
	out, err := os.Create(w.OutputPath)
	if err != nil {
		return fmt.Errorf("sortstage: create %s: %w", w.OutputPath, err)
	}
	defer out.Close()

	// DictCap 64 MiB matches the dictionary size of xz -9, the level the
	// governing format spec requires for in-process compression.
	xzConfig := xz.WriterConfig{DictCap: 1 << 26}
	xzw, err := xzConfig.NewWriter(out)
	if err != nil {
		return fmt.Errorf("sortstage: xz writer for %s: %w", w.OutputPath, err)
	}
	bw := bufio.NewWriter(xzw)
	for _, l := range lines {
		if _, err := bw.WriteString(l.line); err != nil {
			return fmt.Errorf("sortstage: write %s: %w", w.OutputPath, err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("sortstage: write %s: %w", w.OutputPath, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("sortstage: flush %s: %w", w.OutputPath, err)
	}
	return xzw.Close()
}

func (w *Worker) writeModeB(lines []timestampedLine) error {
	uncompressedPath := strings.TrimSuffix(w.OutputPath, ".xz")
	f, err := os.Create(uncompressedPath)
	if err != nil {
		return fmt.Errorf("sortstage: create %s: %w", uncompressedPath, err)
	}
	bw := bufio.NewWriter(f)
	for _, l := range lines {
		if _, err := bw.WriteString(l.line); err != nil {
			f.Close()
			return fmt.Errorf("sortstage: write %s: %w", uncompressedPath, err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			f.Close()
			return fmt.Errorf("sortstage: write %s: %w", uncompressedPath, err)
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("sortstage: flush %s: %w", uncompressedPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("sortstage: close %s: %w", uncompressedPath, err)
	}

	pixzPath := w.PixzPath
	if pixzPath == "" {
		pixzPath = DefaultPixzPath
	}
	cmd := exec.Command(pixzPath, "-9", uncompressedPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		// External-process failure is fatal per the governing error
		// model: its non-zero exit propagates as a hard error.
		return fmt.Errorf("sortstage: pixz -9 %s: %w (output: %s)", uncompressedPath, err, out)
	}
	return nil
}
