package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ctgov-io/ctloader/internal/config"
	"github.com/ctgov-io/ctloader/internal/study"
)

const (
	// stagingPrefix maps a target table to its UNLOGGED staging twin.
	stagingPrefix = "staging_"

	// stagingOrderColumn is the insertion-order column every staging table
	// carries. COPY never writes it; the sequence default fills it.
	stagingOrderColumn = "staging_pos"
)

var (
	// ErrNoActiveTransaction is returned when a transactional operation is
	// attempted before Begin or after Commit/Rollback.
	ErrNoActiveTransaction = errors.New("no active transaction")

	// ErrTransactionOpen is returned when Begin is called with a
	// transaction already open.
	ErrTransactionOpen = errors.New("transaction already open")
)

// PostgresConnector implements Connector against a PostgreSQL warehouse.
// Not safe for concurrent use: one connector drives one run at a time.
type PostgresConnector struct {
	conn   *Connection
	logger *slog.Logger
	tx     *sql.Tx
}

// Compile-time check that PostgresConnector implements Connector.
var _ Connector = (*PostgresConnector)(nil)

// NewPostgresConnector creates a connector over an established connection.
func NewPostgresConnector(conn *Connection) *PostgresConnector {
	return &PostgresConnector{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Begin opens the run-scoped transaction.
func (c *PostgresConnector) Begin(ctx context.Context) error {
	if c.conn == nil || c.conn.DB() == nil {
		return ErrNoDatabaseConnection
	}

	if c.tx != nil {
		return ErrTransactionOpen
	}

	tx, err := c.conn.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	c.tx = tx

	return nil
}

// Commit commits the run transaction. No-op when no transaction is open.
func (c *PostgresConnector) Commit() error {
	if c.tx == nil {
		return nil
	}

	err := c.tx.Commit()
	c.tx = nil

	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Rollback aborts the run transaction. No-op when no transaction is open.
func (c *PostgresConnector) Rollback() error {
	if c.tx == nil {
		return nil
	}

	err := c.tx.Rollback()
	c.tx = nil

	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}

	return nil
}

// BulkLoadStaging truncates the staging twin of table.Table and COPYs the
// batch rows into it. Runs inside the run transaction.
func (c *PostgresConnector) BulkLoadStaging(ctx context.Context, table study.TableRows) (int64, error) {
	if c.tx == nil {
		return 0, ErrNoActiveTransaction
	}

	stagingTable := stagingPrefix + table.Table

	if _, err := c.tx.ExecContext(ctx, "TRUNCATE TABLE "+pq.QuoteIdentifier(stagingTable)); err != nil {
		return 0, fmt.Errorf("failed to truncate %s: %w", stagingTable, err)
	}

	stmt, err := c.tx.PrepareContext(ctx, pq.CopyIn(stagingTable, table.Columns...))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare COPY for %s: %w", stagingTable, err)
	}

	for _, row := range table.Rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = stmt.Close()

			return 0, fmt.Errorf("failed to COPY row into %s: %w", stagingTable, err)
		}
	}

	// The empty Exec flushes the COPY buffer to the server.
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()

		return 0, fmt.Errorf("failed to flush COPY into %s: %w", stagingTable, err)
	}

	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("failed to close COPY statement for %s: %w", stagingTable, err)
	}

	loaded := int64(len(table.Rows))

	c.logger.Debug("Staged batch rows",
		slog.String("table", stagingTable),
		slog.Int64("rows", loaded))

	return loaded, nil
}

// ExecuteMerge upserts the staging rows into the target table. The staging
// rows are deduplicated on the natural key with DISTINCT ON, keeping the
// last staged row per key, so ON CONFLICT never sees the same key twice in
// one command and a repeated study resolves to its freshest rows.
func (c *PostgresConnector) ExecuteMerge(ctx context.Context, table study.TableRows) (int64, error) {
	if c.tx == nil {
		return 0, ErrNoActiveTransaction
	}

	query := buildMergeSQL(table)

	result, err := c.tx.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to merge into %s: %w", table.Table, err)
	}

	merged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read merge row count for %s: %w", table.Table, err)
	}

	c.logger.Debug("Merged staging rows",
		slog.String("table", table.Table),
		slog.Int64("rows", merged))

	return merged, nil
}

// buildMergeSQL renders the staged-upsert statement for one table.
func buildMergeSQL(table study.TableRows) string {
	target := pq.QuoteIdentifier(table.Table)
	staging := pq.QuoteIdentifier(stagingPrefix + table.Table)

	quotedCols := make([]string, len(table.Columns))
	for i, col := range table.Columns {
		quotedCols[i] = pq.QuoteIdentifier(col)
	}

	quotedKeys := make([]string, len(table.KeyColumns))
	for i, key := range table.KeyColumns {
		quotedKeys[i] = pq.QuoteIdentifier(key)
	}

	keySet := make(map[string]struct{}, len(table.KeyColumns))
	for _, key := range table.KeyColumns {
		keySet[key] = struct{}{}
	}

	var updates []string

	for i, col := range table.Columns {
		if _, isKey := keySet[col]; isKey {
			continue
		}

		updates = append(updates, quotedCols[i]+" = EXCLUDED."+quotedCols[i])
	}

	colList := strings.Join(quotedCols, ", ")
	keyList := strings.Join(quotedKeys, ", ")

	var sb strings.Builder

	sb.WriteString("INSERT INTO " + target + " (" + colList + ")\n")
	sb.WriteString("SELECT DISTINCT ON (" + keyList + ") " + colList + "\n")
	sb.WriteString("FROM " + staging + "\n")
	sb.WriteString("ORDER BY " + keyList + ", " + pq.QuoteIdentifier(stagingOrderColumn) + " DESC\n")
	sb.WriteString("ON CONFLICT (" + keyList + ")")

	if len(updates) == 0 {
		sb.WriteString(" DO NOTHING")
	} else {
		sb.WriteString(" DO UPDATE SET " + strings.Join(updates, ", "))
	}

	return sb.String()
}

// RecordFailedStudy writes one dead-letter row on the pooled connection so
// it survives a rollback of the run transaction.
func (c *PostgresConnector) RecordFailedStudy(ctx context.Context, runID, nctID string, payload json.RawMessage, reason string) error {
	if c.conn == nil || c.conn.DB() == nil {
		return ErrNoDatabaseConnection
	}

	var nctIDArg any
	if nctID != "" {
		nctIDArg = nctID
	}

	_, err := c.conn.DB().ExecContext(ctx, `
		INSERT INTO dead_letter_queue (run_id, nct_id, payload, failure_reason, failed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		runID, nctIDArg, string(payload), reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record dead-letter row: %w", err)
	}

	return nil
}

// RecordLoadHistory writes one load_history row. SUCCESS rows go through
// the run transaction; FAILURE rows go through the pool so they outlive
// the rollback.
func (c *PostgresConnector) RecordLoadHistory(ctx context.Context, runID string, status LoadStatus, metrics json.RawMessage) error {
	const query = `
		INSERT INTO load_history (run_id, load_timestamp, status, metrics)
		VALUES ($1, $2, $3, $4)`

	args := []any{runID, time.Now().UTC(), string(status), string(metrics)}

	if status == LoadStatusSuccess {
		if c.tx == nil {
			return ErrNoActiveTransaction
		}

		if _, err := c.tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to record load history: %w", err)
		}

		return nil
	}

	if c.conn == nil || c.conn.DB() == nil {
		return ErrNoDatabaseConnection
	}

	if _, err := c.conn.DB().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record load history: %w", err)
	}

	return nil
}

// LastSuccessfulLoad returns the high-water mark for delta loads.
func (c *PostgresConnector) LastSuccessfulLoad(ctx context.Context) (*time.Time, error) {
	if c.conn == nil || c.conn.DB() == nil {
		return nil, ErrNoDatabaseConnection
	}

	var ts sql.NullTime

	err := c.conn.DB().QueryRowContext(ctx, `
		SELECT MAX(load_timestamp) FROM load_history WHERE status = 'SUCCESS'`).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("failed to query last successful load: %w", err)
	}

	if !ts.Valid {
		return nil, nil
	}

	t := ts.Time.UTC()

	return &t, nil
}

// LastLoadHistory returns the most recent run of any status.
func (c *PostgresConnector) LastLoadHistory(ctx context.Context) (*LoadHistoryEntry, error) {
	return c.queryLoadHistory(ctx, `
		SELECT id, run_id, load_timestamp, status, metrics
		FROM load_history
		ORDER BY load_timestamp DESC, id DESC
		LIMIT 1`)
}

// LastSuccessfulLoadHistory returns the most recent SUCCESS run.
func (c *PostgresConnector) LastSuccessfulLoadHistory(ctx context.Context) (*LoadHistoryEntry, error) {
	return c.queryLoadHistory(ctx, `
		SELECT id, run_id, load_timestamp, status, metrics
		FROM load_history
		WHERE status = 'SUCCESS'
		ORDER BY load_timestamp DESC, id DESC
		LIMIT 1`)
}

func (c *PostgresConnector) queryLoadHistory(ctx context.Context, query string) (*LoadHistoryEntry, error) {
	if c.conn == nil || c.conn.DB() == nil {
		return nil, ErrNoDatabaseConnection
	}

	var (
		entry   LoadHistoryEntry
		status  string
		metrics sql.NullString
	)

	err := c.conn.DB().QueryRowContext(ctx, query).Scan(
		&entry.ID, &entry.RunID, &entry.LoadTimestamp, &status, &metrics)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query load history: %w", err)
	}

	entry.Status = LoadStatus(status)
	if metrics.Valid {
		entry.Metrics = json.RawMessage(metrics.String)
	}

	return &entry, nil
}

// Close rolls back any open transaction and closes the pool.
func (c *PostgresConnector) Close() error {
	if err := c.Rollback(); err != nil {
		c.logger.Warn("Rollback during close failed", slog.String("error", err.Error()))
	}

	if c.conn == nil {
		return nil
	}

	return c.conn.Close()
}
