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
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
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
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Every connection to :memory: opens a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func (s *SQLiteStore) dsn() string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
	}
	if s.cfg.Path != memoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)", "_txlock=immediate")
	}
	return s.cfg.Path + "?" + strings.Join(pragmas, "&")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
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

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// UpsertExecution writes the execution state of a (deployment, unit, command) pair.
// The write is a single statement, so readers see either the old or the new record.
func (s *SQLiteStore) UpsertExecution(ctx context.Context, rec *ExecutionRecord) error {
	query := `
		INSERT INTO execution_state (
			deployment, unit, command, status, package_version, succeeded_version, run_id, error, executed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(deployment, unit, command) DO UPDATE SET
			status = excluded.status,
			package_version = excluded.package_version,
			succeeded_version = CASE
				WHEN excluded.status = 'succeeded' THEN excluded.package_version
				ELSE execution_state.succeeded_version
			END,
			run_id = excluded.run_id,
			error = excluded.error,
			executed_at = excluded.executed_at,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = now
	}
	rec.UpdatedAt = now

	succeeded := ""
	if rec.Status == ExecutionStatusSucceeded {
		succeeded = rec.PackageVersion
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.Deployment,
		rec.Unit,
		rec.Command,
		rec.Status,
		rec.PackageVersion,
		succeeded,
		rec.RunID,
		rec.Error,
		toUnix(rec.ExecutedAt),
		toUnix(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert execution state: %w", err)
	}

	return nil
}

// GetExecution retrieves the execution state of a (deployment, unit, command) pair.
// It returns an error wrapping ErrNotFound when the command never ran.
func (s *SQLiteStore) GetExecution(ctx context.Context, deployment, unit, command string) (*ExecutionRecord, error) {
	query := `
		SELECT deployment, unit, command, status, package_version, succeeded_version, run_id, error, executed_at, updated_at
		FROM execution_state
		WHERE deployment = ? AND unit = ? AND command = ?
	`

	rec, err := scanExecution(s.db.QueryRowContext(ctx, query, deployment, unit, command))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution state %s/%s/%s: %w", deployment, unit, command, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution state: %w", err)
	}

	return rec, nil
}

// ListExecutions lists execution state for a deployment, optionally narrowed to one unit.
func (s *SQLiteStore) ListExecutions(ctx context.Context, deployment string, unit *string) ([]*ExecutionRecord, error) {
	query := `
		SELECT deployment, unit, command, status, package_version, succeeded_version, run_id, error, executed_at, updated_at
		FROM execution_state
		WHERE deployment = ?
	`
	args := []interface{}{deployment}
	if unit != nil {
		query += " AND unit = ?"
		args = append(args, *unit)
	}
	query += " ORDER BY unit, command"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution state: %w", err)
	}
	defer rows.Close()

	records := []*ExecutionRecord{}
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution state: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution state: %w", err)
	}

	return records, nil
}

// DeleteExecution removes the state of a single (deployment, unit, command) pair.
func (s *SQLiteStore) DeleteExecution(ctx context.Context, deployment, unit, command string) error {
	query := `DELETE FROM execution_state WHERE deployment = ? AND unit = ? AND command = ?`

	result, err := s.db.ExecContext(ctx, query, deployment, unit, command)
	if err != nil {
		return fmt.Errorf("failed to delete execution state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("execution state %s/%s/%s: %w", deployment, unit, command, ErrNotFound)
	}

	return nil
}

// DeleteUnitExecutions removes the state of every command of a unit and returns how many records went away.
func (s *SQLiteStore) DeleteUnitExecutions(ctx context.Context, deployment, unit string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM execution_state WHERE deployment = ? AND unit = ?`, deployment, unit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete unit execution state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{}
	var executedAt, updatedAt int64
	err := row.Scan(
		&rec.Deployment,
		&rec.Unit,
		&rec.Command,
		&rec.Status,
		&rec.PackageVersion,
		&rec.SucceededVersion,
		&rec.RunID,
		&rec.Error,
		&executedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ExecutedAt = fromUnix(executedAt)
	rec.UpdatedAt = fromUnix(updatedAt)
	return rec, nil
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, deployment, command, force, status, summary, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if run.Summary == "" {
		run.Summary = "{}"
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Deployment,
		run.Command,
		run.Force,
		run.Status,
		run.Summary,
		run.Error,
		toUnix(run.StartedAt),
		toUnixPtr(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, deployment, command, force, status, summary, error, started_at, completed_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// CompleteRun records the final status of a run
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, status RunStatus, summary string, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, summary = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	if summary == "" {
		summary = "{}"
	}

	result, err := s.db.ExecContext(ctx, query, status, summary, errMsg, toUnix(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListRuns lists runs, newest first, optionally for a single deployment
func (s *SQLiteStore) ListRuns(ctx context.Context, deployment *string, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, deployment, command, force, status, summary, error, started_at, completed_at
		FROM runs
	`
	args := []interface{}{}
	if deployment != nil {
		query += " WHERE deployment = ?"
		args = append(args, *deployment)
	}
	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var startedAt int64
	var completedAt sql.NullInt64
	err := row.Scan(
		&run.ID,
		&run.Deployment,
		&run.Command,
		&run.Force,
		&run.Status,
		&run.Summary,
		&run.Error,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	run.StartedAt = fromUnix(startedAt)
	run.CompletedAt = fromNullUnix(completedAt)
	return run, nil
}

// RecordUnitExecution appends the outcome of one unit in a run
func (s *SQLiteStore) RecordUnitExecution(ctx context.Context, exec *UnitExecution) error {
	query := `
		INSERT INTO unit_executions (run_id, unit, command, group_index, status, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		exec.RunID,
		exec.Unit,
		exec.Command,
		exec.Group,
		exec.Status,
		exec.Error,
		toUnixPtr(exec.StartedAt),
		toUnixPtr(exec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record unit execution: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	exec.ID = id

	return nil
}

// ListUnitExecutions lists the unit outcomes of a run in recording order
func (s *SQLiteStore) ListUnitExecutions(ctx context.Context, runID string) ([]*UnitExecution, error) {
	query := `
		SELECT id, run_id, unit, command, group_index, status, error, started_at, completed_at
		FROM unit_executions
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unit executions: %w", err)
	}
	defer rows.Close()

	execs := []*UnitExecution{}
	for rows.Next() {
		exec := &UnitExecution{}
		var startedAt, completedAt sql.NullInt64
		err := rows.Scan(
			&exec.ID,
			&exec.RunID,
			&exec.Unit,
			&exec.Command,
			&exec.Group,
			&exec.Status,
			&exec.Error,
			&startedAt,
			&completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unit execution: %w", err)
		}
		exec.StartedAt = fromNullUnix(startedAt)
		exec.CompletedAt = fromNullUnix(completedAt)
		execs = append(execs, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unit executions: %w", err)
	}

	return execs, nil
}

// AppendEvent appends a new event to the event log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (run_id, unit, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Unit,
		event.Level,
		event.Message,
		event.Details,
		toUnix(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	event.ID = id

	return nil
}

// GetEvents retrieves events with optional filtering, oldest first
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, run_id, unit, level, message, details, timestamp
		FROM events
		WHERE 1=1
	`
	args := []interface{}{}

	if runID != nil {
		query += " AND run_id = ?"
		args = append(args, *runID)
	}
	if level != nil {
		query += " AND level = ?"
		args = append(args, *level)
	}

	query += " ORDER BY id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		var ts int64
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Unit,
			&event.Level,
			&event.Message,
			&event.Details,
			&ts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Timestamp = fromUnix(ts)
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func toUnixPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return toUnix(*t)
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}
