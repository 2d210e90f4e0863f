// Package etl orchestrates one load run: extract, validate, transform,
// bulk-load, merge, and bookkeeping, inside a single warehouse transaction.
package etl

import (
	"errors"

	"github.com/ctgov-io/ctloader/internal/config"
)

const (
	defaultBatchSizeRows = 5000

	// maxBatchBytes flushes a batch early when the accumulated raw
	// payloads grow large; studies vary wildly in size.
	maxBatchBytes = 8 << 20
)

// ErrBatchSizeInvalid is returned when the configured batch size is not positive.
var ErrBatchSizeInvalid = errors.New("batch size must be positive")

// Config holds orchestration settings.
type Config struct {
	BatchSizeRows int // Studies per staged flush
}

// LoadConfig loads orchestration configuration from environment variables,
// layered over the optional config file, with fallback to defaults.
func LoadConfig(file *config.File) *Config {
	if file == nil {
		file = &config.File{}
	}

	return &Config{
		BatchSizeRows: config.Int("CTLOADER_BATCH_SIZE_ROWS", file.Load.BatchSizeRows, defaultBatchSizeRows),
	}
}

// Validate checks if the orchestration configuration is valid.
func (c *Config) Validate() error {
	if c.BatchSizeRows <= 0 {
		return ErrBatchSizeInvalid
	}

	return nil
}
