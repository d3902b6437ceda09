package manifest

import (
	"fmt"
	"os"

	"github.com/linkedin/goavro/v2"
)

// runAvroSchema mirrors the run table's columns; kept in lockstep with
// migrations/0001_init.up.sql by hand, since there is no schema-evolution
// requirement for this export.
const runAvroSchema = `{
	"type": "record",
	"name": "Run",
	"fields": [
		{"name": "exchange", "type": "string"},
		{"name": "market_type", "type": "string"},
		{"name": "msg_type", "type": "string"},
		{"name": "day", "type": "string"},
		{"name": "started_at_ms", "type": "long"},
		{"name": "finished_at_ms", "type": "long"},
		{"name": "exit_code", "type": "int"},
		{"name": "stage1_error_ratio", "type": "double"},
		{"name": "stage2_aborted_buckets", "type": "int"}
	]
}`

// ExportRunAvro writes r as a single-record Avro Object Container File at
// path, for downstream ingestion by systems that prefer Avro over
// querying the SQLite manifest directly.
func ExportRunAvro(path string, r Run) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("manifest: create avro file %s: %w", path, err)
	}
	defer f.Close()

	writer, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:      f,
		Schema: runAvroSchema,
	})
	if err != nil {
		return fmt.Errorf("manifest: new avro writer: %w", err)
	}

	record := map[string]any{
		"exchange":               r.Exchange,
		"market_type":            r.MarketType,
		"msg_type":               r.MsgType,
		"day":                    r.Day,
		"started_at_ms":          r.StartedAtMs,
		"finished_at_ms":         r.FinishedAtMs,
		"exit_code":              r.ExitCode,
		"stage1_error_ratio":     r.Stage1ErrorRatio,
		"stage2_aborted_buckets": r.Stage2AbortedBuckets,
	}
	if err := writer.Append([]any{record}); err != nil {
		return fmt.Errorf("manifest: write avro record: %w", err)
	}
	return nil
}
