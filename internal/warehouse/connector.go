package warehouse

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ctgov-io/ctloader/internal/study"
)

// LoadStatus is the terminal outcome of one ETL run as recorded in
// load_history.
type LoadStatus string

const (
	// LoadStatusSuccess marks a run whose transaction committed.
	LoadStatusSuccess LoadStatus = "SUCCESS"

	// LoadStatusFailure marks a run whose transaction rolled back.
	LoadStatusFailure LoadStatus = "FAILURE"
)

// LoadHistoryEntry is one row of the load_history bookkeeping table.
type LoadHistoryEntry struct {
	ID            int64
	RunID         string
	LoadTimestamp time.Time
	Status        LoadStatus
	Metrics       json.RawMessage
}

// Connector is the warehouse boundary the orchestrator drives. One
// Connector instance serves one run: Begin opens the run transaction,
// BulkLoadStaging and ExecuteMerge operate inside it, Commit or Rollback
// ends it. RecordFailedStudy and the FAILURE form of RecordLoadHistory
// deliberately bypass the transaction so their rows survive a rollback.
type Connector interface {
	// Begin opens the run-scoped transaction.
	Begin(ctx context.Context) error

	// Commit commits the run transaction. Idempotent: committing with no
	// open transaction is a no-op.
	Commit() error

	// Rollback aborts the run transaction. Idempotent like Commit.
	Rollback() error

	// BulkLoadStaging truncates one staging table and bulk-copies the
	// batch rows into it, inside the run transaction.
	BulkLoadStaging(ctx context.Context, table study.TableRows) (int64, error)

	// ExecuteMerge upserts one staging table into its target, inside the
	// run transaction. Returns the number of rows merged.
	ExecuteMerge(ctx context.Context, table study.TableRows) (int64, error)

	// RecordFailedStudy writes one dead-letter row. Runs on the pooled
	// connection, never inside the run transaction.
	RecordFailedStudy(ctx context.Context, runID, nctID string, payload json.RawMessage, reason string) error

	// RecordLoadHistory writes one load_history row. SUCCESS rows are
	// written inside the run transaction so they commit atomically with
	// the data; FAILURE rows run on the pooled connection.
	RecordLoadHistory(ctx context.Context, runID string, status LoadStatus, metrics json.RawMessage) error

	// LastSuccessfulLoad returns the timestamp of the most recent SUCCESS
	// run, or nil when no successful run exists (delta falls back to full).
	LastSuccessfulLoad(ctx context.Context) (*time.Time, error)

	// LastLoadHistory returns the most recent load_history entry of any
	// status, or nil when the table is empty.
	LastLoadHistory(ctx context.Context) (*LoadHistoryEntry, error)

	// LastSuccessfulLoadHistory returns the most recent SUCCESS entry, or
	// nil when none exists.
	LastSuccessfulLoadHistory(ctx context.Context) (*LoadHistoryEntry, error)

	// Close releases the underlying connection pool.
	Close() error
}
