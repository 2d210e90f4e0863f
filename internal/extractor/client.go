// Package extractor provides the paginated ClinicalTrials.gov V2 API client.
//
// The client walks the studies endpoint page by page, retrying transient
// failures per page with exponential backoff. Progress commits on each
// successful page: the next-page token is always taken from the last page
// that succeeded, never re-derived.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ctgov-io/ctloader/internal/config"
)

// Sentinel errors for extraction failures.
var (
	// ErrExtractionFailed is returned when a page request exhausts its retry budget.
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrStatusNotRetryable is returned for HTTP 4xx responses other than 429.
	ErrStatusNotRetryable = errors.New("non-retryable HTTP status")
)

type (
	// Client fetches study records from the ClinicalTrials.gov V2 API.
	//
	// One Client owns one HTTP connection pool; its lifetime is one ETL run.
	// All requests pass through a token-bucket limiter so a full walk of the
	// corpus stays polite regardless of backoff state.
	Client struct {
		config     *Config
		httpClient *http.Client
		limiter    *rate.Limiter
		logger     *slog.Logger
		retryCount atomic.Int64
	}

	// Stream is a lazy, finite sequence of raw study payloads produced by a
	// background page walker. Capacity of the internal channel is one page,
	// so extraction overlaps transformation without unbounded buffering.
	Stream struct {
		studies <-chan json.RawMessage
		err     *error
		done    <-chan struct{}
	}

	// page mirrors the V2 API response envelope.
	page struct {
		Studies       []json.RawMessage `json:"studies"`
		NextPageToken string            `json:"nextPageToken"`
	}

	// PageError carries the HTTP status and page token of a failed page request
	// so an operator can see exactly where the walk stopped.
	PageError struct {
		StatusCode int
		PageToken  string
		Err        error
	}
)

// Error implements the error interface.
func (e *PageError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("page request failed with status %d (pageToken=%q)", e.StatusCode, e.PageToken)
	}

	return fmt.Sprintf("page request failed (pageToken=%q): %v", e.PageToken, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *PageError) Unwrap() error {
	return e.Err
}

// NewClient creates an API client with a long-lived connection pool.
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.RPS),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// RetryCount returns the number of retried page requests so far.
// Exposed for run metrics.
func (c *Client) RetryCount() int64 {
	return c.retryCount.Load()
}

// AdvancedFilter translates a high-water mark into the V2 advanced-filter
// syntax, using the UTC calendar date of the timestamp.
//
// Example:
//
//	AdvancedFilter(t) // "AREA[LastUpdatePostDate]RANGE[2024-06-01,MAX]"
func AdvancedFilter(updatedSince time.Time) string {
	return fmt.Sprintf("AREA[LastUpdatePostDate]RANGE[%s,MAX]", updatedSince.UTC().Format("2006-01-02"))
}

// Studies returns a stream of raw study payloads, optionally filtered to
// those updated since the given high-water mark (nil means full load).
//
// The stream terminates when the API returns a response without a
// nextPageToken, when the context is cancelled, or when a page request
// fails fatally. Callers must check Stream.Err after draining.
func (c *Client) Studies(ctx context.Context, updatedSince *time.Time) *Stream {
	studies := make(chan json.RawMessage, c.config.PageSize)
	done := make(chan struct{})

	var streamErr error

	go func() {
		defer close(studies)
		defer close(done)

		streamErr = c.walkPages(ctx, updatedSince, studies)
	}()

	return &Stream{
		studies: studies,
		err:     &streamErr,
		done:    done,
	}
}

// Next returns the next raw study, blocking until one is available, the
// stream ends, or the context is cancelled. The second return value is
// false when the stream is exhausted (check Err to distinguish completion
// from failure).
func (s *Stream) Next(ctx context.Context) (json.RawMessage, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case raw, ok := <-s.studies:
		return raw, ok
	}
}

// Err returns the terminal error of the stream, or nil if it completed.
// Only valid after Next has returned false.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return *s.err
	default:
		// Producer still running; the consumer bailed early (cancellation).
		return nil
	}
}

// walkPages drives pagination: first request carries no token, subsequent
// requests carry the token from the prior successful page.
func (c *Client) walkPages(ctx context.Context, updatedSince *time.Time, out chan<- json.RawMessage) error {
	params := url.Values{}
	params.Set("pageSize", fmt.Sprintf("%d", c.config.PageSize))

	if updatedSince != nil {
		params.Set("filter.advanced", AdvancedFilter(*updatedSince))
	}

	pageToken := ""
	pageNum := 0

	for {
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		p, err := c.fetchPageWithRetry(ctx, params, pageToken)
		if err != nil {
			return err
		}

		pageNum++

		c.logger.Debug("Fetched study page",
			slog.Int("page", pageNum),
			slog.Int("studies", len(p.Studies)),
			slog.Bool("has_next", p.NextPageToken != ""),
		)

		for _, raw := range p.Studies {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- raw:
			}
		}

		if p.NextPageToken == "" {
			return nil
		}

		pageToken = p.NextPageToken
	}
}

// fetchPageWithRetry requests one page, retrying transient failures
// (network timeout, 429, 5xx) with exponential backoff. Non-429 4xx
// responses fail immediately. Exhausting the budget returns a PageError
// wrapped in ErrExtractionFailed.
func (c *Client) fetchPageWithRetry(ctx context.Context, params url.Values, pageToken string) (*page, error) {
	var lastErr error

	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.retryCount.Add(1)

			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		p, err := c.fetchPage(ctx, params)
		if err == nil {
			return p, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var pageErr *PageError
		if errors.As(err, &pageErr) && !retryableStatus(pageErr.StatusCode) {
			return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, err)
		}

		lastErr = err

		c.logger.Warn("Page request failed, will retry",
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", c.config.MaxRetries),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrExtractionFailed, c.config.MaxRetries, lastErr)
}

// fetchPage performs a single GET and decodes the response envelope.
func (c *Client) fetchPage(ctx context.Context, params url.Values) (*page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqURL := c.config.BaseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build page request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection errors; token included for diagnostics.
		return nil, &PageError{PageToken: params.Get("pageToken"), Err: err}
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		pageErr := &PageError{StatusCode: resp.StatusCode, PageToken: params.Get("pageToken")}
		if !retryableStatus(resp.StatusCode) {
			pageErr.Err = ErrStatusNotRetryable
		}

		return nil, pageErr
	}

	var p page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, &PageError{PageToken: params.Get("pageToken"), Err: fmt.Errorf("failed to decode page: %w", err)}
	}

	return &p, nil
}

// retryableStatus reports whether an HTTP status warrants a retry.
// Zero means the request never produced a response (network failure) and is retryable.
func retryableStatus(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

// sleepBackoff waits base * 2^(attempt-1), capped, honoring cancellation.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	wait := c.config.BackoffMin << (attempt - 1)
	if wait > c.config.BackoffMax || wait <= 0 {
		wait = c.config.BackoffMax
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
