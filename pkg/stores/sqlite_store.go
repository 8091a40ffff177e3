package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/orchardproj/orchard/pkg/job"
	"github.com/orchardproj/orchard/pkg/lock"
	"github.com/orchardproj/orchard/pkg/orchestrator"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists environments, node membership, lock records and job
// history in a single SQLite database. It implements lock.RecordStore,
// orchestrator.EnvironmentRepository and orchestrator.HistorySink.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool. An in-memory database only exists on
	// the connection that created it, so it gets a pool of one.
	if s.path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

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

// --- lock.RecordStore ---

// FindRecord returns the lock record for a resource, or nil when absent.
func (s *SQLiteStore) FindRecord(ctx context.Context, resource string) (*lock.Record, error) {
	query := `SELECT resource, owner, acquired_at FROM lock_records WHERE resource = ?`

	rec := &lock.Record{}
	err := s.db.QueryRowContext(ctx, query, resource).Scan(
		&rec.Resource,
		&rec.Owner,
		&rec.AcquiredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find lock record: %w", err)
	}

	return rec, nil
}

// CreateRecord inserts a lock record. The primary key on resource makes the
// insert an atomic create-if-absent; a collision maps to lock.ErrRecordExists.
func (s *SQLiteStore) CreateRecord(ctx context.Context, record *lock.Record) error {
	query := `INSERT INTO lock_records (resource, owner, acquired_at) VALUES (?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, record.Resource, record.Owner, record.AcquiredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return lock.ErrRecordExists
		}
		return fmt.Errorf("failed to create lock record: %w", err)
	}

	return nil
}

// DeleteRecord removes the lock record for a resource. It reports whether a
// record was deleted.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, resource string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM lock_records WHERE resource = ?`, resource)
	if err != nil {
		return false, fmt.Errorf("failed to delete lock record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// ListLockRecords returns all currently held lock records.
func (s *SQLiteStore) ListLockRecords(ctx context.Context) ([]lock.Record, error) {
	query := `SELECT resource, owner, acquired_at FROM lock_records ORDER BY acquired_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list lock records: %w", err)
	}
	defer rows.Close()

	records := []lock.Record{}
	for rows.Next() {
		var rec lock.Record
		if err := rows.Scan(&rec.Resource, &rec.Owner, &rec.AcquiredAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lock records: %w", err)
	}

	return records, nil
}

// --- orchestrator.EnvironmentRepository ---

// CreateEnvironment registers a new environment with its member nodes.
func (s *SQLiteStore) CreateEnvironment(ctx context.Context, env *orchestrator.Environment, members []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	attrs, err := json.Marshal(env.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO environments (name, attributes, updated_at) VALUES (?, ?, ?)`,
		env.Name, string(attrs), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("environment %q already exists", env.Name)
		}
		return fmt.Errorf("failed to create environment: %w", err)
	}

	for _, node := range members {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO nodes (environment, node_id, added_at) VALUES (?, ?, ?)`,
			env.Name, node, now,
		)
		if err != nil {
			return fmt.Errorf("failed to add node %q: %w", node, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// FindEnvironment retrieves an environment by name.
func (s *SQLiteStore) FindEnvironment(ctx context.Context, name string) (*orchestrator.Environment, error) {
	query := `SELECT name, attributes, updated_at FROM environments WHERE name = ?`

	var (
		env   orchestrator.Environment
		attrs string
	)
	err := s.db.QueryRowContext(ctx, query, name).Scan(&env.Name, &attrs, &env.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("environment %q: %w", name, orchestrator.ErrEnvironmentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}

	if err := json.Unmarshal([]byte(attrs), &env.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	if env.Attributes == nil {
		env.Attributes = make(map[string]string)
	}

	return &env, nil
}

// PersistEnvironment upserts the environment's attributes.
func (s *SQLiteStore) PersistEnvironment(ctx context.Context, env *orchestrator.Environment) error {
	attrs, err := json.Marshal(env.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	query := `
		INSERT INTO environments (name, attributes, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET attributes = excluded.attributes, updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query, env.Name, string(attrs), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to persist environment: %w", err)
	}

	return nil
}

// ListEnvironments returns all environment names.
func (s *SQLiteStore) ListEnvironments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM environments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating environments: %w", err)
	}

	return names, nil
}

// ListMembers returns the node IDs belonging to an environment.
func (s *SQLiteStore) ListMembers(ctx context.Context, name string) ([]string, error) {
	query := `SELECT node_id FROM nodes WHERE environment = ? ORDER BY node_id`

	rows, err := s.db.QueryContext(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		members = append(members, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}

	return members, nil
}

// AddNode adds a node to an environment's membership.
func (s *SQLiteStore) AddNode(ctx context.Context, environment, nodeID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (environment, node_id, added_at) VALUES (?, ?, ?)`,
		environment, nodeID, time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to add node: %w", err)
	}
	return nil
}

// RemoveNode removes a node from an environment's membership. It reports
// whether the node was a member.
func (s *SQLiteStore) RemoveNode(ctx context.Context, environment, nodeID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM nodes WHERE environment = ? AND node_id = ?`,
		environment, nodeID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to remove node: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// DeleteEnvironment removes the environment record and, via the foreign key
// cascade, its node membership. It reports whether a record was deleted.
func (s *SQLiteStore) DeleteEnvironment(ctx context.Context, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete environment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// --- orchestrator.HistorySink ---

// AppendJobHistory archives a terminal job snapshot.
func (s *SQLiteStore) AppendJobHistory(ctx context.Context, environment string, status job.FinalStatus) error {
	failed, err := json.Marshal(status.Result.FailedUnits)
	if err != nil {
		return fmt.Errorf("failed to encode failed units: %w", err)
	}

	query := `
		INSERT INTO job_history (job_id, environment, kind, state, message, success_count, failure_count, failed_units, created_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		status.JobID,
		environment,
		string(status.Kind),
		string(status.State),
		status.Message,
		status.Result.SuccessCount,
		status.Result.FailureCount,
		string(failed),
		status.CreatedAt,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append job history: %w", err)
	}

	return nil
}

// ListJobHistory returns the most recent archived outcomes for an
// environment, newest first.
func (s *SQLiteStore) ListJobHistory(ctx context.Context, environment string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, job_id, environment, kind, state, message, success_count, failure_count, failed_units, created_at, recorded_at
		FROM job_history
		WHERE environment = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, environment, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list job history: %w", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		var (
			e      HistoryEntry
			failed string
		)
		err := rows.Scan(
			&e.ID,
			&e.JobID,
			&e.Environment,
			&e.Kind,
			&e.State,
			&e.Message,
			&e.SuccessCount,
			&e.FailureCount,
			&failed,
			&e.CreatedAt,
			&e.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		if err := json.Unmarshal([]byte(failed), &e.FailedUnits); err != nil {
			return nil, fmt.Errorf("failed to decode failed units: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job history: %w", err)
	}

	return entries, nil
}

// FindJobHistory returns the archived outcome for a job ID, or nil when the
// job was never recorded.
func (s *SQLiteStore) FindJobHistory(ctx context.Context, jobID string) (*HistoryEntry, error) {
	query := `
		SELECT id, job_id, environment, kind, state, message, success_count, failure_count, failed_units, created_at, recorded_at
		FROM job_history
		WHERE job_id = ?
		ORDER BY recorded_at DESC
		LIMIT 1
	`

	var (
		e      HistoryEntry
		failed string
	)
	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
		&e.ID,
		&e.JobID,
		&e.Environment,
		&e.Kind,
		&e.State,
		&e.Message,
		&e.SuccessCount,
		&e.FailureCount,
		&failed,
		&e.CreatedAt,
		&e.RecordedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job history: %w", err)
	}
	if err := json.Unmarshal([]byte(failed), &e.FailedUnits); err != nil {
		return nil, fmt.Errorf("failed to decode failed units: %w", err)
	}

	return &e, nil
}

// isUniqueViolation reports whether err is a SQLite unique or primary key
// constraint failure. modernc.org/sqlite exposes these only through the
// error string.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
