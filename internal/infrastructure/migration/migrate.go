// Package migration applies the SQL schema of the document number tables
// with golang-migrate and creates new migration files.
package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// Source selects where migration files are read from
type Source struct {
	fsys fs.FS
	dir  string
}

// FromDir reads migrations from a directory on disk
func FromDir(path string) Source {
	return Source{dir: path}
}

// FromFS reads migrations from dir of fsys, e.g. an embedded file system
func FromFS(fsys fs.FS, dir string) Source {
	return Source{fsys: fsys, dir: dir}
}

// String describes the source for logs
func (s Source) String() string {
	if s.fsys != nil {
		return "embedded:" + s.dir
	}
	return "file://" + s.dir
}

// List returns the migrations available in the source, oldest first
func (s Source) List() ([]MigrationInfo, error) {
	if s.fsys != nil {
		return ListMigrationsFS(s.fsys, s.dir)
	}
	return ListMigrations(s.dir)
}

func (s Source) driver() (string, source.Driver, error) {
	if s.fsys == nil {
		return "", nil, nil
	}
	d, err := iofs.New(s.fsys, s.dir)
	if err != nil {
		return "", nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	return "iofs", d, nil
}

// Migrator handles database migrations using golang-migrate
type Migrator struct {
	migrate *migrate.Migrate
	source  Source
	logger  *zap.Logger
}

// Status is the migration state of a database
type Status struct {
	Version uint
	Dirty   bool
	Applied []MigrationInfo
	Pending []MigrationInfo
}

// New creates a Migrator for a PostgreSQL database
func New(db *sql.DB, src Source, logger *zap.Logger) (*Migrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	var m *migrate.Migrate
	name, srcDriver, err := src.driver()
	if err != nil {
		return nil, err
	}
	if srcDriver != nil {
		m, err = migrate.NewWithInstance(name, srcDriver, "postgres", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(src.String(), "postgres", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: logger.Named("migrate")}

	return &Migrator{
		migrate: m,
		source:  src,
		logger:  logger,
	}, nil
}

// Up runs all pending migrations
func (m *Migrator) Up() error {
	m.logger.Info("Running migrations up", zap.Stringer("source", m.source))

	if err := m.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("No migrations to apply")
			return nil
		}
		return fmt.Errorf("migration up failed: %w", err)
	}
	return m.logVersion("Migrations completed")
}

// Down rolls back all migrations
func (m *Migrator) Down() error {
	m.logger.Info("Running migrations down", zap.Stringer("source", m.source))

	if err := m.migrate.Down(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("No migrations to roll back")
			return nil
		}
		return fmt.Errorf("migration down failed: %w", err)
	}
	m.logger.Info("All migrations rolled back")
	return nil
}

// Steps applies n migrations (positive = up, negative = down)
func (m *Migrator) Steps(n int) error {
	m.logger.Info("Running migration steps", zap.Int("steps", n))

	if err := m.migrate.Steps(n); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("No migrations to apply")
			return nil
		}
		return fmt.Errorf("migration steps failed: %w", err)
	}
	return m.logVersion("Migration steps completed")
}

// GoTo migrates to a specific version
func (m *Migrator) GoTo(version uint) error {
	m.logger.Info("Migrating to version", zap.Uint("target_version", version))

	if err := m.migrate.Migrate(version); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("Already at target version")
			return nil
		}
		return fmt.Errorf("migration to version %d failed: %w", version, err)
	}
	return m.logVersion("Migration to version completed")
}

// Version returns the current migration version; zero when nothing is applied
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// Status compares the database version against the source
func (m *Migrator) Status() (*Status, error) {
	version, dirty, err := m.Version()
	if err != nil {
		return nil, err
	}
	all, err := m.source.List()
	if err != nil {
		return nil, err
	}
	status := splitByVersion(all, version)
	status.Dirty = dirty
	return status, nil
}

// splitByVersion partitions migrations into applied and pending at version
func splitByVersion(all []MigrationInfo, version uint) *Status {
	status := &Status{Version: version}
	for _, mi := range all {
		if version > 0 && mi.Version <= version {
			status.Applied = append(status.Applied, mi)
		} else {
			status.Pending = append(status.Pending, mi)
		}
	}
	return status
}

// Force sets the migration version without running migrations.
// Used to clear a dirty state after a failed migration was fixed by hand.
func (m *Migrator) Force(version int) error {
	m.logger.Warn("Forcing migration version", zap.Int("version", version))

	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	m.logger.Info("Migration version forced", zap.Int("version", version))
	return nil
}

// Close closes the migrator and releases resources
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("failed to close source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("failed to close database: %w", dbErr)
	}
	return nil
}

func (m *Migrator) logVersion(msg string) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	m.logger.Info(msg,
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}

// migrateLogger adapts zap to the golang-migrate logger
type migrateLogger struct {
	logger *zap.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrateLogger) Verbose() bool {
	return l.logger.Core().Enabled(zap.DebugLevel)
}
