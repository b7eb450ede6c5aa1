package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/trackrecon/trackrecon/pkg/status"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, target, status, dry_run, started_at, options)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	options := run.Options
	if options == "" {
		options = "{}"
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Target,
		run.Status,
		run.DryRun,
		run.StartedAt,
		options,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// FinishRun stores the final status and counters of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *Run) error {
	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, error = ?,
		    total = ?, eligible = ?, processed = ?, alerts = ?,
		    skipped = ?, unavailable = ?, ranges_written = ?
		WHERE id = ?
	`

	completedAt := run.CompletedAt
	if completedAt == nil {
		now := time.Now()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query,
		run.Status,
		completedAt,
		run.Error,
		run.Total,
		run.Eligible,
		run.Processed,
		run.Alerts,
		run.Skipped,
		run.Unavailable,
		run.RangesWritten,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}

	run.CompletedAt = completedAt
	return nil
}

const runColumns = `id, target, status, dry_run, started_at, completed_at, error, options,
		total, eligible, processed, alerts, skipped, unavailable, ranges_written`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Target,
		&run.Status,
		&run.DryRun,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Options,
		&run.Total,
		&run.Eligible,
		&run.Processed,
		&run.Alerts,
		&run.Skipped,
		&run.Unavailable,
		&run.RangesWritten,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// AppendAudit inserts audit entries in a single transaction.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entries ...*AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_entries (
			run_id, timestamp, tracking_id, row_index, source_raw, source_norm,
			web_raw, web_norm, alert, alert_rule, via, matched, new_status,
			outcome, attempts, written
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		alertRule := e.AlertRule
		if alertRule == "" {
			alertRule = "none"
		}
		result, err := stmt.ExecContext(ctx,
			e.RunID,
			e.Timestamp,
			e.TrackingID,
			e.RowIndex,
			e.SourceRaw,
			e.SourceNorm,
			e.WebRaw,
			e.WebNorm,
			e.Alert,
			alertRule,
			e.Via,
			e.Matched,
			e.NewStatus,
			e.Outcome,
			e.Attempts,
			e.Written,
		)
		if err != nil {
			return fmt.Errorf("failed to create audit entry for %s: %w", e.TrackingID, err)
		}

		// Get the auto-generated ID
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get audit entry ID: %w", err)
		}
		e.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit entries: %w", err)
	}
	return nil
}

// ListAuditEntries lists audit entries with optional filters, oldest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.TrackingID != "" {
		where = append(where, "tracking_id = ?")
		args = append(args, filter.TrackingID)
	}
	if filter.AlertsOnly {
		where = append(where, "alert = 1")
	}

	query := `
		SELECT id, run_id, timestamp, tracking_id, row_index, source_raw, source_norm,
		       web_raw, web_norm, alert, alert_rule, via, matched, new_status,
		       outcome, attempts, written
		FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		e := &AuditEntry{}
		err := rows.Scan(
			&e.ID,
			&e.RunID,
			&e.Timestamp,
			&e.TrackingID,
			&e.RowIndex,
			&e.SourceRaw,
			&e.SourceNorm,
			&e.WebRaw,
			&e.WebNorm,
			&e.Alert,
			&e.AlertRule,
			&e.Via,
			&e.Matched,
			&e.NewStatus,
			&e.Outcome,
			&e.Attempts,
			&e.Written,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// RecordStatusSeen bumps the catalog counter for raw and stores how it was
// normalized this time.
func (s *SQLiteStore) RecordStatusSeen(ctx context.Context, raw string, st status.Status, via status.Via, seenAt time.Time) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	query := `
		INSERT INTO status_catalog (raw, status, via, count, first_seen, last_seen)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(raw) DO UPDATE SET
			status = excluded.status,
			via = excluded.via,
			count = status_catalog.count + 1,
			last_seen = excluded.last_seen
	`

	if _, err := s.db.ExecContext(ctx, query, raw, st, via, seenAt, seenAt); err != nil {
		return fmt.Errorf("failed to record status %q: %w", raw, err)
	}
	return nil
}

// ListCatalog lists catalog entries, most frequent first.
func (s *SQLiteStore) ListCatalog(ctx context.Context, filter CatalogFilter) ([]*CatalogEntry, error) {
	query := `SELECT raw, status, via, count, first_seen, last_seen FROM status_catalog`
	var args []any
	if filter.UncuratedOnly {
		query += ` WHERE via IN (?, ?)`
		args = append(args, status.ViaHeuristic, status.ViaFallback)
	}
	query += ` ORDER BY count DESC, raw ASC LIMIT ?`

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}
	defer rows.Close()

	entries := []*CatalogEntry{}
	for rows.Next() {
		e := &CatalogEntry{}
		if err := rows.Scan(&e.Raw, &e.Status, &e.Via, &e.Count, &e.FirstSeen, &e.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan catalog entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating catalog: %w", err)
	}

	return entries, nil
}

// SaveCheckpoint records the last flushed row for a target.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}

	query := `
		INSERT INTO checkpoints (target, run_id, last_row, last_tracking_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(target) DO UPDATE SET
			run_id = excluded.run_id,
			last_row = excluded.last_row,
			last_tracking_id = excluded.last_tracking_id,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, cp.Target, cp.RunID, cp.LastRow, cp.LastTrackingID, cp.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns the checkpoint for target, or ErrNotFound.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, target string) (*Checkpoint, error) {
	query := `
		SELECT target, run_id, last_row, last_tracking_id, updated_at
		FROM checkpoints
		WHERE target = ?
	`

	cp := &Checkpoint{}
	err := s.db.QueryRowContext(ctx, query, target).Scan(
		&cp.Target,
		&cp.RunID,
		&cp.LastRow,
		&cp.LastTrackingID,
		&cp.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", target, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
