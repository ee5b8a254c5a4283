// Package history keeps a SQLite ledger of job runs and the distributions
// each run merged into the state file.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"cms-extractor/internal/state"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Discovered int
	Matched    int
	Updated    int
	Failed     int
	UpToDate   int
	Skipped    int
}

// Distribution is one record merged by a run.
type Distribution struct {
	RunID           string
	DistributionKey string
	Identifier      string
	LastModified    string
	ProcessedAt     string
	OutputFile      string
}

type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger at path and applies pending migrations.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// un solo escritor
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	if _, _, err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// runMigrations applies all pending migrations and returns version info.
func runMigrations(db *sql.DB) (uint, bool, error) {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return 0, false, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, false, fmt.Errorf("failed to create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, false, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// RecordRun stores a run and the records it merged, in one transaction.
// outputs maps distribution keys to output files; missing keys store "".
func (l *Ledger) RecordRun(ctx context.Context, run Run, records []state.Record, outputs map[string]string) (err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query, args, err := sq.Insert("runs").
		Columns("id", "started_at", "finished_at", "discovered", "matched", "updated", "failed", "up_to_date", "skipped").
		Values(run.ID, state.FormatTime(run.StartedAt), state.FormatTime(run.FinishedAt),
			run.Discovered, run.Matched, run.Updated, run.Failed, run.UpToDate, run.Skipped).
		ToSql()
	if err != nil {
		return fmt.Errorf("build run insert: %w", err)
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if len(records) > 0 {
		ins := sq.Insert("run_distributions").
			Columns("run_id", "distribution_key", "identifier", "last_modified", "processed_at", "output_file")
		for _, r := range records {
			ins = ins.Values(run.ID, r.DistributionID, r.Identifier, r.LastModified, r.LastProcessed, outputs[r.DistributionID])
		}
		query, args, err = ins.ToSql()
		if err != nil {
			return fmt.Errorf("build distribution insert: %w", err)
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert distributions: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (l *Ledger) RecentRuns(ctx context.Context, limit uint64) ([]Run, error) {
	query, args, err := sq.Select("id", "started_at", "finished_at", "discovered", "matched", "updated", "failed", "up_to_date", "skipped").
		From("runs").
		OrderBy("started_at DESC").
		Limit(limit).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r               Run
			started, finish string
		)
		if err := rows.Scan(&r.ID, &started, &finish, &r.Discovered, &r.Matched, &r.Updated, &r.Failed, &r.UpToDate, &r.Skipped); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(state.TimeLayout, started)
		r.FinishedAt, _ = time.Parse(state.TimeLayout, finish)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Distributions lists what a run merged, ordered by key.
func (l *Ledger) Distributions(ctx context.Context, runID string) ([]Distribution, error) {
	query, args, err := sq.Select("run_id", "distribution_key", "identifier", "last_modified", "processed_at", "output_file").
		From("run_distributions").
		Where(sq.Eq{"run_id": runID}).
		OrderBy("distribution_key").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query distributions: %w", err)
	}
	defer rows.Close()

	var out []Distribution
	for rows.Next() {
		var d Distribution
		if err := rows.Scan(&d.RunID, &d.DistributionKey, &d.Identifier, &d.LastModified, &d.ProcessedAt, &d.OutputFile); err != nil {
			return nil, fmt.Errorf("scan distribution: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
