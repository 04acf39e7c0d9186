package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/archessay/wildduck/logger"
	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Migrator applies the embedded schema migrations. The pgx driver holds a
// Postgres advisory lock while a migration runs.
type Migrator struct {
	m *migrate.Migrate
}

// OpenMigrator connects a migration instance to the database at connString.
func OpenMigrator(ctx context.Context, connString string) (*Migrator, error) {
	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}
	return &Migrator{m: m}, nil
}

// Up applies all pending migrations. An up-to-date schema is not an error.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Steps applies n migrations, reverting when n is negative.
func (mg *Migrator) Steps(n int) error {
	return mg.m.Steps(n)
}

// Version returns the current version. A database without migrations
// reports version 0.
func (mg *Migrator) Version() (uint, bool, error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Force sets the version without running migrations.
func (mg *Migrator) Force(version int) error {
	return mg.m.Force(version)
}

// Close releases the migration source and the database handle.
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

// MigrateUp opens a migrator, applies pending migrations and closes it.
func MigrateUp(ctx context.Context, connString string) error {
	mg, err := OpenMigrator(ctx, connString)
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Up(); err != nil {
		return err
	}
	v, dirty, err := mg.Version()
	if err == nil {
		logger.Info("DB: Schema migrated", "version", v, "dirty", dirty)
	}
	return nil
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...any) {
	logger.Info(fmt.Sprintf("Migrate: "+format, v...))
}

func (l *migrationLogger) Verbose() bool {
	return false
}
