// Package metrics exposes local operational counters for one run: lines
// processed, dedup drops, parse errors, admission-wait time, and bucket
// counts. They are written to a textfile at run end for a node-exporter
// textfile collector to pick up; no socket is ever opened, keeping the
// batch process free of any network surface.
package metrics

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Registry holds every counter/gauge this run updates.
type Registry struct {
	reg *prometheus.Registry

	LinesProcessed   *prometheus.CounterVec
	DedupDrops       prometheus.Counter
	ParseErrors      *prometheus.CounterVec
	AdmissionWaitSec prometheus.Histogram
	BucketsWritten   *prometheus.GaugeVec
	BucketsAborted   prometheus.Gauge
}

// New builds a fresh registry with all metrics registered under the given
// namespace (normally "market_archiver").
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		LinesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_processed_total",
			Help:      "Capture lines processed by the split stage, by outcome.",
		}, []string{"outcome"}),
		DedupDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_drops_total",
			Help:      "Capture lines dropped as duplicates.",
		}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Parser-rejected payloads, by message type.",
		}, []string{"msg_type"}),
		AdmissionWaitSec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_wait_seconds",
			Help:      "Time sort workers spent blocked on the memory admission controller.",
			Buckets:   prometheus.DefBuckets,
		}),
		BucketsWritten: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buckets_written",
			Help:      "Final bucket files written, by kind (raw/parsed).",
		}, []string{"kind"}),
		BucketsAborted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buckets_aborted",
			Help:      "Bucket files whose sort stage aborted due to malformed lines.",
		}),
	}

	reg.MustRegister(r.LinesProcessed, r.DedupDrops, r.ParseErrors, r.AdmissionWaitSec, r.BucketsWritten, r.BucketsAborted)
	return r
}

// WriteTextfile renders every registered metric in the node-exporter
// textfile-collector format to path, overwriting any existing file.
func (r *Registry) WriteTextfile(path string) error {
	families, err := r.reg.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("metrics: create %s: %w", tmp, err)
	}

	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			f.Close()
			return fmt.Errorf("metrics: encode: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("metrics: close %s: %w", tmp, err)
	}

	// Textfile collectors scrape by mtime/rename; an atomic rename avoids
	// them observing a partially written file.
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("metrics: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}
