package warehouse

import (
	"errors"
	"strings"
	"time"

	"github.com/ctgov-io/ctloader/internal/config"
)

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

var (
	// ErrDSNEmpty is returned when the database DSN is an empty string.
	ErrDSNEmpty = errors.New("database DSN cannot be empty")
)

// Config holds PostgreSQL connection configuration with production-ready defaults.
type Config struct {
	dsn             string
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime time.Duration // Maximum idle time for connections
}

// LoadConfig loads PostgreSQL configuration from environment variables,
// layered over the optional config file, with fallback to defaults.
func LoadConfig(file *config.File) *Config {
	if file == nil {
		file = &config.File{}
	}

	return &Config{
		dsn:             config.Str("DATABASE_URL", file.DB.DSN, ""), // dsn is private for obvious reasons.
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// NewConfig creates a Config with the given DSN and default pool settings.
// Used by tests and by callers that already resolved the DSN themselves.
func NewConfig(dsn string) *Config {
	return &Config{
		dsn:             dsn,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.dsn) == "" {
		return ErrDSNEmpty
	}

	return nil
}

// DSN returns the raw connection string. Never log this; use MaskDSN.
func (c *Config) DSN() string {
	return c.dsn
}

// MaskDSN returns a masked connection string safe for logging.
func (c *Config) MaskDSN() string {
	if c.dsn == "" {
		return ""
	}

	schemeEnd := strings.Index(c.dsn, "://")
	if schemeEnd == -1 {
		return c.dsn
	}

	afterScheme := c.dsn[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		// No userinfo present
		return c.dsn
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		// No password
		return c.dsn
	}

	username := userInfo[:colonIndex]
	password := userInfo[colonIndex+1:]

	if password == "" {
		return c.dsn
	}

	scheme := c.dsn[:schemeEnd]
	hostAndRest := afterScheme[lastAtIndex:]

	return scheme + "://" + username + ":***" + hostAndRest
}
