// Package manifest persists a per-run, per-file audit trail of every
// batch invocation: one row per run (exit code, error ratio, wall-clock)
// and one row per processed file (stage, tallies, bytes, duration) in a
// file-local SQLite database. This is pure local file I/O; no network
// calls are made.
package manifest

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cryptoarchive/daily-processor/internal/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store wraps a SQLite database recording run and run-file rows. SQLite
// does not multiplex writers well, so the pool is capped at one open
// connection, matching the single-writer discipline of this batch job.
type Store struct {
	db *sqlx.DB
}

// Open connects to (creating if absent) the manifest database at path and
// applies any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateUp(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("manifest: migration driver: %w", err)
	}
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("manifest: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("manifest: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("manifest: migrate up: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Run is one batch invocation's summary row.
type Run struct {
	ID                   int64   `db:"id"`
	Exchange             string  `db:"exchange"`
	MarketType           string  `db:"market_type"`
	MsgType              string  `db:"msg_type"`
	Day                  string  `db:"day"`
	StartedAtMs          int64   `db:"started_at_ms"`
	FinishedAtMs         int64   `db:"finished_at_ms"`
	ExitCode             int     `db:"exit_code"`
	Stage1ErrorRatio     float64 `db:"stage1_error_ratio"`
	Stage2AbortedBuckets int     `db:"stage2_aborted_buckets"`
}

// RunFile is one processed input or bucket file's tally row.
type RunFile struct {
	RunID      int64
	Stage      string // "split" or "sort"
	Path       string
	Bytes      int64
	TotalLines int64
	ErrorLines int64
	DurationMs int64
}

// InsertRun records a completed run and returns its generated ID.
func (s *Store) InsertRun(ctx context.Context, r Run) (int64, error) {
	query, args, err := sq.Insert("run").
		Columns("exchange", "market_type", "msg_type", "day", "started_at_ms", "finished_at_ms",
			"exit_code", "stage1_error_ratio", "stage2_aborted_buckets").
		Values(r.Exchange, r.MarketType, r.MsgType, r.Day, r.StartedAtMs, r.FinishedAtMs,
			r.ExitCode, r.Stage1ErrorRatio, r.Stage2AbortedBuckets).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("manifest: build insert run: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("manifest: insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("manifest: run id: %w", err)
	}
	return id, nil
}

// InsertRunFiles bulk-inserts per-file tallies for one run, each in its own
// statement (SQLite's single-connection pool makes a transaction cheap
// enough that batching isn't worth the added complexity here).
func (s *Store) InsertRunFiles(ctx context.Context, files []RunFile) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("manifest: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, f := range files {
		query, args, err := sq.Insert("run_file").
			Columns("run_id", "stage", "path", "bytes", "total_lines", "error_lines", "duration_ms").
			Values(f.RunID, f.Stage, f.Path, f.Bytes, f.TotalLines, f.ErrorLines, f.DurationMs).
			ToSql()
		if err != nil {
			return fmt.Errorf("manifest: build insert run_file: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("manifest: insert run_file: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("manifest: commit: %w", err)
	}
	return nil
}

// RecentRuns returns the most recent n runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, n int) ([]Run, error) {
	query, args, err := sq.Select("id", "exchange", "market_type", "msg_type", "day", "started_at_ms",
		"finished_at_ms", "exit_code", "stage1_error_ratio", "stage2_aborted_buckets").
		From("run").
		OrderBy("id DESC").
		Limit(uint64(n)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("manifest: build select runs: %w", err)
	}
	var runs []Run
	if err := s.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, fmt.Errorf("manifest: select runs: %w", err)
	}
	return runs, nil
}

// LogSummary writes a one-line human-readable summary of r through the
// package logger, for operators tailing logs rather than querying SQLite.
func LogSummary(r Run) {
	log.Infof("manifest: run %s.%s.%s.%s exit=%d stage1_error_ratio=%.4f stage2_aborted=%d",
		r.Exchange, r.MarketType, r.MsgType, r.Day, r.ExitCode, r.Stage1ErrorRatio, r.Stage2AbortedBuckets)
}
