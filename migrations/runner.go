package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// migrationsTable is where golang-migrate tracks the applied version.
const migrationsTable = "schema_migrations"

// Runner applies the embedded schema migrations with golang-migrate.
type Runner struct {
	migrate *migrate.Migrate
	db      *sql.DB
}

// migrateLogger adapts the standard logger to the migrate.Logger interface.
type migrateLogger struct{}

var _ migrate.Logger = (*migrateLogger)(nil)

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[MIGRATE] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return true
}

// NewRunner validates the embedded migrations and opens a migrate instance
// against the given database.
func NewRunner(databaseURL string) (*Runner, error) {
	if err := Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	m, err := newMigrateInstance(db)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	m.Log = &migrateLogger{}

	return &Runner{migrate: m, db: db}, nil
}

func newMigrateInstance(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(FS(), ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, nil
}

// Apply brings an existing *sql.DB to the latest schema version. Used by
// tests and by init-db, which manage the connection themselves.
func Apply(db *sql.DB) error {
	if err := Validate(); err != nil {
		return fmt.Errorf("embedded migration validation failed: %w", err)
	}

	m, err := newMigrateInstance(db)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	err := r.migrate.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No new migrations to apply")
	} else {
		log.Println("All migrations applied successfully")
	}

	return nil
}

// Down rolls back the last migration.
func (r *Runner) Down() error {
	err := r.migrate.Steps(-1)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No migrations to rollback")
	} else {
		log.Println("Last migration rolled back successfully")
	}

	return nil
}

// Drop drops every object in the schema (destructive operation).
func (r *Runner) Drop() error {
	log.Println("WARNING: Dropping all tables...")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	log.Println("All tables dropped successfully")

	return nil
}

// Status prints the current schema version against what this binary embeds.
func (r *Runner) Status() error {
	ver, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Printf("Migration Status: No migrations applied (binary embeds v%03d)", MaxVersion())

			return nil
		}

		return fmt.Errorf("failed to get migration version: %w", err)
	}

	state := "clean"
	if dirty {
		state = "dirty (needs manual intervention)"
	}

	log.Printf("Migration Status: Version %d (%s), binary embeds v%03d", ver, state, MaxVersion())

	return nil
}

// Close closes the migrate instance and the database connection.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
		}
	}

	// migrate.Close closes the underlying connection via the driver; a
	// second Close on the pool is harmless.
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database connection close error: %w", err))
		}
	}

	return errors.Join(errs...)
}
