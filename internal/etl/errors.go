package etl

import (
	"context"
	"errors"

	"github.com/ctgov-io/ctloader/internal/extractor"
)

// Process exit codes. Transient failures (rate limiting, server errors,
// timeouts) signal that a retry of the whole run may succeed; fatal
// failures (client errors, misconfiguration) will not heal on their own.
const (
	ExitSuccess   = 0
	ExitTransient = 1
	ExitFatal     = 2
)

// ExitCode classifies a run error into a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	if errors.Is(err, extractor.ErrStatusNotRetryable) {
		return ExitFatal
	}

	if errors.Is(err, extractor.ErrExtractionFailed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return ExitTransient
	}

	// Load, merge, and transaction errors: the warehouse may recover.
	return ExitTransient
}
