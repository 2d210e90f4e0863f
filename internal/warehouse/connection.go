package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	pingTimeout        = 5 * time.Second
	healthCheckTimeout = 3 * time.Second
)

// ErrNoDatabaseConnection is returned when an operation requires a database
// connection that is nil or closed.
var ErrNoDatabaseConnection = errors.New("no database connection")

// Connection wraps the pooled *sql.DB with lifecycle and health checking.
// One Connection serves one ETL run; the run transaction and the
// auxiliary autocommit statements (DLQ, FAILURE history) share its pool.
type Connection struct {
	db     *sql.DB
	config *Config
}

// NewConnection opens a PostgreSQL connection pool and verifies connectivity.
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Connection{db: db, config: cfg}, nil
}

// NewConnectionFromDB wraps an existing *sql.DB (used by tests that manage
// their own container lifecycle).
func NewConnectionFromDB(db *sql.DB) *Connection {
	return &Connection{db: db, config: NewConfig("test://injected")}
}

// DB exposes the underlying pool.
func (c *Connection) DB() *sql.DB {
	return c.db
}

// HealthCheck verifies the database is reachable.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.db == nil {
		return ErrNoDatabaseConnection
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// Close closes the connection pool. Safe to call multiple times.
func (c *Connection) Close() error {
	if c == nil || c.db == nil {
		return nil
	}

	return c.db.Close()
}
