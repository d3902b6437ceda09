package sortstage

import (
	"bufio"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ulikunitz/xz"

	"github.com/cryptoarchive/daily-processor/internal/admission"
)

func writeGzipBucket(t *testing.T, path string, lines []string) {
	t.Helper()
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

func readXZLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	xr, err := xz.NewReader(f)
	if err != nil {
		t.Fatalf("xz reader: %v", err)
	}
	var out []string
	sc := bufio.NewScanner(xr)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}

func TestSortWorkerSortsByTimestamp(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "bucket.json.gz")
	out := filepath.Join(dir, "bucket.json.xz")
	writeGzipBucket(t, in, []string{
		`{"received_at":300,"json":"c"}`,
		`{"received_at":100,"json":"a"}`,
		`{"received_at":200,"json":"b"}`,
	})

	w := &Worker{
		InputPath:   in,
		OutputPath:  out,
		Mode:        ModeA,
		Admission:   admission.New(1000),
		Reservation: 100,
	}
	res, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Aborted || res.ErrorLines != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	if _, err := os.Stat(in); !os.IsNotExist(err) {
		t.Fatal("input bucket should be deleted after a successful sort")
	}

	lines := readXZLines(t, out)
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %v", len(lines), lines)
	}
	if lines[0] != `{"received_at":100,"json":"a"}` || lines[2] != `{"received_at":300,"json":"c"}` {
		t.Fatalf("lines not sorted ascending: %v", lines)
	}
}

func TestSortWorkerAbortsOnMalformedLine(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "bucket.json.gz")
	out := filepath.Join(dir, "bucket.json.xz")
	writeGzipBucket(t, in, []string{
		`{"received_at":100,"json":"a"}`,
		`{"no_timestamp_field":true}`,
	})

	ctrl := admission.New(1000)
	if err := ctrl.Reserve(context.Background(), 100); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	w := &Worker{
		InputPath:   in,
		OutputPath:  out,
		Mode:        ModeA,
		Admission:   ctrl,
		Reservation: 100,
	}
	res, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Aborted {
		t.Fatal("expected bucket to abort on malformed line")
	}
	if _, err := os.Stat(in); err != nil {
		t.Fatal("aborted bucket's input must remain in place")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatal("aborted bucket must not produce an output file")
	}
	if ctrl.Available() != 1000 {
		t.Fatalf("reservation must be released even on abort, Available() = %d", ctrl.Available())
	}
}

func TestSortWorkerReleasesReservationOnSuccess(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "bucket.json.gz")
	out := filepath.Join(dir, "bucket.json.xz")
	writeGzipBucket(t, in, []string{`{"timestamp":1,"json":"a"}`})

	ctrl := admission.New(1000)
	if err := ctrl.Reserve(context.Background(), 250); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	w := &Worker{
		InputPath:   in,
		OutputPath:  out,
		Mode:        ModeA,
		Admission:   ctrl,
		Reservation: 250,
	}
	if _, err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctrl.Available() != 1000 {
		t.Fatalf("Available() = %d, want 1000 after release", ctrl.Available())
	}
}

func TestPixzAvailable(t *testing.T) {
	if PixzAvailable(filepath.Join(t.TempDir(), "does-not-exist")) {
		t.Fatal("expected PixzAvailable to be false for a missing path")
	}
}
