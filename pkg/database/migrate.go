package database

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationManager runs schema migrations from an embedded filesystem.
type MigrationManager struct {
	migrate *migrate.Migrate
}

// NewMigrationManager builds a manager reading migrations from the given
// embedded filesystem subdirectory.
func NewMigrationManager(db *Database, migrations embed.FS, migrationsPath string) (*MigrationManager, error) {
	sourceDriver, err := iofs.New(migrations, migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db.DB, &postgres.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return &MigrationManager{migrate: m}, nil
}

// Up applies all pending migrations. A database already at the latest
// version is not an error.
func (mm *MigrationManager) Up() error {
	if err := mm.migrate.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Down rolls back the most recent migration.
func (mm *MigrationManager) Down() error {
	if err := mm.migrate.Down(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("rollback migration: %w", err)
	}
	return nil
}

// Version reports the current schema version and whether it is dirty.
func (mm *MigrationManager) Version() (uint, bool, error) {
	version, dirty, err := mm.migrate.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return version, dirty, nil
}

// Close releases the source and database handles held by the migrator.
func (mm *MigrationManager) Close() error {
	sourceErr, dbErr := mm.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("close migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("close migration database: %w", dbErr)
	}
	return nil
}

// AutoMigrate applies all pending migrations and refuses to start on a dirty
// schema. The postgres driver holds an advisory lock for the duration, so
// concurrent replicas do not race each other.
func AutoMigrate(db *Database, migrations embed.FS, migrationsPath string) error {
	mm, err := NewMigrationManager(db, migrations, migrationsPath)
	if err != nil {
		return err
	}
	defer mm.Close()

	if _, dirty, err := mm.Version(); err != nil {
		return err
	} else if dirty {
		return fmt.Errorf("schema is dirty, manual intervention required")
	}

	return mm.Up()
}
