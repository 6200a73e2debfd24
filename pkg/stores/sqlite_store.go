package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/keg/pkg/conflict"
	"github.com/openfroyo/keg/pkg/formula"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a package or run does not exist.
var ErrNotFound = errors.New("not found")

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
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

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

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"

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

// RecordInstall inserts or replaces an installed package together with its
// declared conflicts and claimed files.
func (s *SQLiteStore) RecordInstall(ctx context.Context, pkg *InstalledPackage) error {
	now := time.Now().UTC()
	if pkg.InstalledAt.IsZero() {
		pkg.InstalledAt = now
	}
	pkg.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The cascade clears the conflict and file rows of a previous install.
	if _, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE name = ? AND version = ?`, pkg.Name, pkg.Version); err != nil {
		return fmt.Errorf("failed to clear previous install: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO packages (name, version, prefix, state, reason, run_id, installed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, pkg.Name, pkg.Version, pkg.Prefix, pkg.State, pkg.Reason, pkg.RunID, pkg.InstalledAt, pkg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to record package: %w", err)
	}

	for _, c := range pkg.Conflicts {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO package_conflicts (package, version, with_name, reason)
			VALUES (?, ?, ?, ?)
		`, pkg.Name, pkg.Version, c.Package, c.Reason)
		if err != nil {
			return fmt.Errorf("failed to record conflict %s: %w", c.Package, err)
		}
	}

	for _, f := range pkg.Files {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO package_files (package, version, path) VALUES (?, ?, ?)
		`, pkg.Name, pkg.Version, f)
		if err != nil {
			return fmt.Errorf("failed to record file %s: %w", f, err)
		}
	}

	return tx.Commit()
}

// GetPackage retrieves one installed package with its conflicts and files.
func (s *SQLiteStore) GetPackage(ctx context.Context, name, version string) (*InstalledPackage, error) {
	query := `
		SELECT name, version, prefix, state, reason, run_id, installed_at, updated_at
		FROM packages
		WHERE name = ? AND version = ?
	`

	pkg := &InstalledPackage{}
	err := s.db.QueryRowContext(ctx, query, name, version).Scan(
		&pkg.Name,
		&pkg.Version,
		&pkg.Prefix,
		&pkg.State,
		&pkg.Reason,
		&pkg.RunID,
		&pkg.InstalledAt,
		&pkg.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("package %s@%s: %w", name, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}

	if err := s.loadDetails(ctx, []*InstalledPackage{pkg}); err != nil {
		return nil, err
	}
	return pkg, nil
}

// ListPackages lists installed packages ordered by name and version.
func (s *SQLiteStore) ListPackages(ctx context.Context) ([]*InstalledPackage, error) {
	query := `
		SELECT name, version, prefix, state, reason, run_id, installed_at, updated_at
		FROM packages
		ORDER BY name, version
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	defer rows.Close()

	pkgs := []*InstalledPackage{}
	for rows.Next() {
		pkg := &InstalledPackage{}
		err := rows.Scan(
			&pkg.Name,
			&pkg.Version,
			&pkg.Prefix,
			&pkg.State,
			&pkg.Reason,
			&pkg.RunID,
			&pkg.InstalledAt,
			&pkg.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		pkgs = append(pkgs, pkg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating packages: %w", err)
	}
	rows.Close()

	if err := s.loadDetails(ctx, pkgs); err != nil {
		return nil, err
	}
	return pkgs, nil
}

// loadDetails fills Conflicts and Files of pkgs.
func (s *SQLiteStore) loadDetails(ctx context.Context, pkgs []*InstalledPackage) error {
	if len(pkgs) == 0 {
		return nil
	}
	byID := make(map[string]*InstalledPackage, len(pkgs))
	for _, p := range pkgs {
		byID[p.ID()] = p
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT package, version, with_name, reason FROM package_conflicts ORDER BY package, version, with_name
	`)
	if err != nil {
		return fmt.Errorf("failed to load conflicts: %w", err)
	}
	for rows.Next() {
		var name, version string
		var c formula.Conflict
		if err := rows.Scan(&name, &version, &c.Package, &c.Reason); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan conflict: %w", err)
		}
		if p, ok := byID[name+"@"+version]; ok {
			p.Conflicts = append(p.Conflicts, c)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating conflicts: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT package, version, path FROM package_files ORDER BY package, version, path
	`)
	if err != nil {
		return fmt.Errorf("failed to load files: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, version, path string
		if err := rows.Scan(&name, &version, &path); err != nil {
			return fmt.Errorf("failed to scan file: %w", err)
		}
		if p, ok := byID[name+"@"+version]; ok {
			p.Files = append(p.Files, path)
		}
	}
	return rows.Err()
}

// DeletePackage removes an installed package record. The install tree is
// left alone.
func (s *SQLiteStore) DeletePackage(ctx context.Context, name, version string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM packages WHERE name = ? AND version = ?`, name, version)
	if err != nil {
		return fmt.Errorf("failed to delete package: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("package %s@%s: %w", name, version, ErrNotFound)
	}
	return nil
}

// InstalledRecords returns the conflict snapshot of every installed package.
func (s *SQLiteStore) InstalledRecords(ctx context.Context) ([]conflict.Record, error) {
	pkgs, err := s.ListPackages(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]conflict.Record, 0, len(pkgs))
	for _, p := range pkgs {
		records = append(records, conflict.Record{
			Package:  p.Name,
			Version:  p.Version,
			Reason:   p.Reason,
			Files:    p.Files,
			Declares: p.Conflicts,
		})
	}
	return records, nil
}

// IsInstalled reports whether any version of name is installed.
func (s *SQLiteStore) IsInstalled(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM packages WHERE name = ?`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check package %s: %w", name, err)
	}
	return n > 0, nil
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, package, version, root, state, failed_phase, error_class, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Package,
		run.Version,
		run.Root,
		run.State,
		run.FailedPhase,
		run.ErrorClass,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, package, version, root, state, failed_phase, error_class, error, started_at, completed_at
		FROM runs
		WHERE id = ?
	`

	run := &Run{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.Package,
		&run.Version,
		&run.Root,
		&run.State,
		&run.FailedPhase,
		&run.ErrorClass,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// FinishRun records the final state of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, id, state, failedPhase, errorClass string, errMsg *string) error {
	query := `
		UPDATE runs
		SET state = ?, failed_phase = ?, error_class = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, state, failedPhase, errorClass, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
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

// ListRuns lists runs newest first, optionally for one package.
func (s *SQLiteStore) ListRuns(ctx context.Context, pkg *string, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, package, version, root, state, failed_phase, error_class, error, started_at, completed_at
		FROM runs
		WHERE (? IS NULL OR package = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, pkg, pkg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		err := rows.Scan(
			&run.ID,
			&run.Package,
			&run.Version,
			&run.Root,
			&run.State,
			&run.FailedPhase,
			&run.ErrorClass,
			&run.Error,
			&run.StartedAt,
			&run.CompletedAt,
		)
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

// AppendEvent appends a new event to the run log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO run_events (run_id, phase, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Phase,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// GetEvents returns the events of a run in insertion order.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string) ([]*Event, error) {
	query := `
		SELECT id, run_id, phase, level, message, details, timestamp
		FROM run_events
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Phase,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries newest first with an optional action filter.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

