package db

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDirtySchema means a previous migration failed part way. The database
// needs manual repair before the daemon will use it.
var ErrDirtySchema = errors.New("schema is dirty")

// Migrations returns the embedded migration files.
func Migrations() fs.FS { return migrationsFS }

// MigrateUp applies every pending migration in fsys.
func (db *DB) MigrateUp(fsys fs.FS) error {
	return db.migrate(fsys, "up", func(m *migrate.Migrate) error { return m.Up() })
}

// MigrateDown reverts the newest applied migration.
func (db *DB) MigrateDown(fsys fs.FS) error {
	return db.migrate(fsys, "down", func(m *migrate.Migrate) error { return m.Steps(-1) })
}

// MigrateTo moves the schema up or down to version.
func (db *DB) MigrateTo(fsys fs.FS, version uint) error {
	return db.migrate(fsys, fmt.Sprintf("to %d", version), func(m *migrate.Migrate) error { return m.Migrate(version) })
}

// MigrateVersion reports the applied version, 0 for a fresh database.
func (db *DB) MigrateVersion(fsys fs.FS) (version uint, dirty bool, err error) {
	m, err := db.migrator(fsys)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) migrate(fsys fs.FS, what string, step func(*migrate.Migrate) error) error {
	m, err := db.migrator(fsys)
	if err != nil {
		return err
	}
	if _, dirty, err := m.Version(); err == nil && dirty {
		return fmt.Errorf("migrate %s: %w", what, ErrDirtySchema)
	}
	// m is never closed; closing it would close db.DB.
	if err := step(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", what, err)
	}
	return nil
}

func (db *DB) migrator(fsys fs.FS) (*migrate.Migrate, error) {
	src, err := iofs.New(fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	m.Log = migrateLog{}
	return m, nil
}

type migrateLog struct{}

func (migrateLog) Printf(format string, v ...any) { logger.Infof("migrate: "+format, v...) }
func (migrateLog) Verbose() bool                  { return false }
