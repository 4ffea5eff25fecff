// Package store persists observed deployment state, reconciliation
// runs, and CI reports in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/kfops/kfops/pkg/ci"
	"github.com/kfops/kfops/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore records reconciliation and CI outcomes. It implements
// engine.Recorder.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// NewSQLiteStore creates a store instance. Call Init before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Init opens the database in WAL mode and runs pending migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RecordRun persists a reconciliation report and its unit results.
func (s *SQLiteStore) RecordRun(ctx context.Context, report *engine.Report, results []engine.UnitResult) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reconcile_runs
			(id, bundle, status, mutations, converged, failed, blocked, report, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.RunID,
		report.Bundle,
		string(report.Status),
		report.Mutations,
		len(report.Converged),
		len(report.Failed),
		len(report.Blocked),
		string(reportJSON),
		report.StartedAt,
		report.CompletedAt,
		report.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reconcile run: %w", err)
	}

	for _, result := range results {
		var errMsg sql.NullString
		if result.Error != nil {
			errMsg = sql.NullString{String: result.Error.Error(), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO reconcile_units
				(run_id, unit_id, status, error, started_at, completed_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			report.RunID,
			result.UnitID,
			string(result.Status),
			errMsg,
			result.StartedAt,
			result.CompletedAt,
			result.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert unit result %s: %w", result.UnitID, err)
		}
	}

	return tx.Commit()
}

// RecordState persists a deployment state snapshot for the bundle.
func (s *SQLiteStore) RecordState(ctx context.Context, bundle string, state *engine.DeploymentState) error {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deployment_states (bundle, observed_at, snapshot, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(bundle) DO UPDATE SET
			observed_at = excluded.observed_at,
			snapshot    = excluded.snapshot,
			updated_at  = CURRENT_TIMESTAMP
	`, bundle, state.ObservedAt, string(snapshot))
	if err != nil {
		return fmt.Errorf("failed to record deployment state: %w", err)
	}
	return nil
}

// GetState loads the last recorded deployment state for the bundle.
func (s *SQLiteStore) GetState(ctx context.Context, bundle string) (*engine.DeploymentState, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM deployment_states WHERE bundle = ?`, bundle,
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no recorded state for bundle %s", bundle)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment state: %w", err)
	}

	var state engine.DeploymentState
	if err := json.Unmarshal([]byte(snapshot), &state); err != nil {
		return nil, fmt.Errorf("failed to decode state snapshot: %w", err)
	}
	return &state, nil
}

// RecordCIRun persists a CI run report and its jobs.
func (s *SQLiteStore) RecordCIRun(ctx context.Context, report *ci.RunReport) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ci_runs (id, workflow, passed, failed, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		report.RunID,
		report.Workflow,
		report.Passed,
		report.Failed,
		report.StartedAt,
		report.CompletedAt,
		report.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert CI run: %w", err)
	}

	for _, job := range report.Jobs {
		var artifacts sql.NullString
		if len(job.Artifacts) > 0 {
			data, err := json.Marshal(job.Artifacts)
			if err != nil {
				return fmt.Errorf("failed to encode artifacts for %s: %w", job.ID, err)
			}
			artifacts = sql.NullString{String: string(data), Valid: true}
		}
		var errMsg sql.NullString
		if job.Error != "" {
			errMsg = sql.NullString{String: job.Error, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ci_jobs
				(run_id, job_id, component, stage, status, error, artifacts, started_at, completed_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			report.RunID,
			job.ID,
			job.Component,
			string(job.Stage),
			string(job.Status),
			errMsg,
			artifacts,
			job.StartedAt,
			job.CompletedAt,
			job.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert CI job %s: %w", job.ID, err)
		}
	}

	return tx.Commit()
}

// LatestReconcileRun returns the most recent reconcile run for the
// bundle, or all bundles when bundle is empty.
func (s *SQLiteStore) LatestReconcileRun(ctx context.Context, bundle string) (*ReconcileRunRecord, error) {
	query := `
		SELECT id, bundle, status, mutations, converged, failed, blocked, report, started_at, completed_at, duration_ms
		FROM reconcile_runs
	`
	args := []any{}
	if bundle != "" {
		query += " WHERE bundle = ?"
		args = append(args, bundle)
	}
	query += " ORDER BY started_at DESC LIMIT 1"

	rec := &ReconcileRunRecord{}
	var durationMS int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.ID, &rec.Bundle, &rec.Status,
		&rec.Mutations, &rec.Converged, &rec.Failed, &rec.Blocked,
		&rec.Report, &rec.StartedAt, &rec.CompletedAt, &durationMS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no reconcile runs recorded")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reconcile run: %w", err)
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return rec, nil
}

// LatestCIRun returns the most recent CI run.
func (s *SQLiteStore) LatestCIRun(ctx context.Context) (*CIRunRecord, error) {
	rec := &CIRunRecord{}
	var durationMS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow, passed, failed, started_at, completed_at, duration_ms
		FROM ci_runs
		ORDER BY started_at DESC
		LIMIT 1
	`).Scan(&rec.ID, &rec.Workflow, &rec.Passed, &rec.Failed, &rec.StartedAt, &rec.CompletedAt, &durationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no CI runs recorded")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load CI run: %w", err)
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return rec, nil
}
