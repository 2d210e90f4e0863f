package extractor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ctgov-io/ctloader/internal/config"
)

// DefaultBaseURL is the ClinicalTrials.gov V2 studies endpoint.
const DefaultBaseURL = "https://clinicaltrials.gov/api/v2/studies"

const (
	defaultPageSize   = 100
	maxPageSize       = 1000 // remote cap documented by the API
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 5
	defaultBackoffMin = 1 * time.Second
	defaultBackoffMax = 10 * time.Second
	defaultRPS        = 3 // politeness cap against the public API
)

var (
	// ErrBaseURLEmpty is returned when the API base URL is an empty string.
	ErrBaseURLEmpty = errors.New("API base URL cannot be empty")

	// ErrPageSizeOutOfRange is returned when the configured page size is outside 1..1000.
	ErrPageSizeOutOfRange = errors.New("API page size must be between 1 and 1000")

	// ErrMaxRetriesInvalid is returned when the retry budget is not positive.
	ErrMaxRetriesInvalid = errors.New("API max retries must be at least 1")
)

// Config holds ClinicalTrials.gov API client configuration with production-ready defaults.
type Config struct {
	BaseURL    string
	PageSize   int
	Timeout    time.Duration // per-request timeout
	MaxRetries int           // total attempts per page, including the first
	BackoffMin time.Duration
	BackoffMax time.Duration
	RPS        int // client-side requests-per-second cap
}

// LoadConfig loads API client configuration from environment variables,
// layered over the optional config file, with fallback to defaults.
func LoadConfig(file *config.File) *Config {
	if file == nil {
		file = &config.File{}
	}

	timeoutSeconds := config.Int("CTGOV_API_TIMEOUT_SECONDS", file.API.TimeoutSeconds, int(defaultTimeout/time.Second))

	return &Config{
		BaseURL:    config.Str("CTGOV_API_BASE_URL", file.API.BaseURL, DefaultBaseURL),
		PageSize:   config.Int("CTGOV_API_PAGE_SIZE", file.API.PageSize, defaultPageSize),
		Timeout:    time.Duration(timeoutSeconds) * time.Second,
		MaxRetries: config.Int("CTGOV_API_MAX_RETRIES", file.API.MaxRetries, defaultMaxRetries),
		BackoffMin: config.GetEnvDuration("CTGOV_API_BACKOFF_MIN", defaultBackoffMin),
		BackoffMax: config.GetEnvDuration("CTGOV_API_BACKOFF_MAX", defaultBackoffMax),
		RPS:        config.GetEnvInt("CTGOV_API_RPS", defaultRPS),
	}
}

// Validate checks if the API client configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return ErrBaseURLEmpty
	}

	if c.PageSize < 1 || c.PageSize > maxPageSize {
		return fmt.Errorf("%w: got %d", ErrPageSizeOutOfRange, c.PageSize)
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("%w: got %d", ErrMaxRetriesInvalid, c.MaxRetries)
	}

	return nil
}
