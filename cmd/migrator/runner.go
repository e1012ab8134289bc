package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/furrow-io/furrow/migrations"
)

const connectTimeout = 10 * time.Second

// Runner drives golang-migrate over the embedded audit schema.
type Runner struct {
	cfg     *Config
	migrate *migrate.Migrate
	db      *sql.DB
}

var _ migrationRunner = (*Runner)(nil)

// NewRunner validates the embedded migration set, connects to the audit
// database, and prepares a migrate instance backed by the embedded files.
func NewRunner(cfg *Config) (*Runner, error) {
	if err := migrations.Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping audit database: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{
		MigrationsTable: cfg.MigrationTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create postgres migrate driver: %w", err)
	}

	source, err := iofs.New(migrations.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("open embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	m.Log = migrateLogger{}

	log.Printf("Migration runner ready: %s", cfg)

	return &Runner{cfg: cfg, migrate: m, db: db}, nil
}

// Up applies every pending migration.
func (r *Runner) Up() error {
	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("Audit schema already up to date")

		return nil
	}

	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	log.Printf("Audit schema migrated to v%03d", migrations.MaxVersion())

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	err := r.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No migrations to roll back")

		return nil
	}

	if err != nil {
		return fmt.Errorf("roll back migration: %w", err)
	}

	log.Println("Rolled back one migration")

	return nil
}

// Status reports the schema version and how it compares to the embedded set.
func (r *Runner) Status() error {
	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		log.Printf("Audit schema: empty, migrator carries v%03d", migrations.MaxVersion())

		return nil
	}

	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	state := "clean"
	if dirty {
		state = "dirty, manual intervention required"
	}

	embedded := migrations.MaxVersion()
	log.Printf("Audit schema: v%03d (%s), migrator carries v%03d", version, state, embedded)

	switch {
	case int(version) == embedded:
		log.Println("Schema is up to date")
	case int(version) < embedded:
		log.Printf("%d migration(s) pending, run 'up' to apply", embedded-int(version))
	default:
		log.Println("Database schema is newer than this migrator, update the tool")
	}

	return nil
}

// Version prints the current schema version.
func (r *Runner) Version() error {
	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		log.Println("No migrations applied")

		return nil
	}

	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}

	log.Printf("Current version: %d%s", version, suffix)

	return nil
}

// Drop destroys the entire schema. Confirmation happens in the dispatcher.
func (r *Runner) Drop() error {
	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop audit schema: %w", err)
	}

	log.Println("Audit schema dropped")

	return nil
}

// Close releases the migrate instance and the database pool.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		srcErr, dbErr := r.migrate.Close()
		if srcErr != nil {
			errs = append(errs, fmt.Errorf("close migration source: %w", srcErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("close migrate connection: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit database: %w", err))
		}
	}

	return errors.Join(errs...)
}

// migrateLogger routes migrate's progress output through the standard
// logger.
type migrateLogger struct{}

var _ migrate.Logger = migrateLogger{}

func (migrateLogger) Printf(format string, v ...any) {
	log.Printf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }
