package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/ctgov-io/ctloader/internal/study"
)

func newMockConnector(t *testing.T) (*PostgresConnector, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	return NewPostgresConnector(NewConnectionFromDB(db)), mock
}

func conditionsBatch() study.TableRows {
	return study.TableRows{
		Table:      study.TableConditions,
		Columns:    []string{"nct_id", "name"},
		KeyColumns: []string{"nct_id", "name"},
		Rows: [][]any{
			{"NCT00000001", "Asthma"},
			{"NCT00000002", "COPD"},
		},
	}
}

// ==============================================================================
// Unit Tests: Merge SQL Generation
// ==============================================================================

func TestBuildMergeSQL_Upsert(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	table := study.TableRows{
		Table:      study.TableSponsors,
		Columns:    []string{"nct_id", "name", "agency_class", "is_lead"},
		KeyColumns: []string{"nct_id", "name", "agency_class"},
	}

	got := buildMergeSQL(table)

	wantFragments := []string{
		`INSERT INTO "sponsors" ("nct_id", "name", "agency_class", "is_lead")`,
		`SELECT DISTINCT ON ("nct_id", "name", "agency_class")`,
		`FROM "staging_sponsors"`,
		`ORDER BY "nct_id", "name", "agency_class", "staging_pos" DESC`,
		`ON CONFLICT ("nct_id", "name", "agency_class") DO UPDATE SET "is_lead" = EXCLUDED."is_lead"`,
	}

	for _, fragment := range wantFragments {
		if !strings.Contains(got, fragment) {
			t.Errorf("merge SQL missing %q\ngot:\n%s", fragment, got)
		}
	}
}

func TestBuildMergeSQL_AllKeyColumnsDoNothing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	got := buildMergeSQL(conditionsBatch())

	if !strings.Contains(got, "DO NOTHING") {
		t.Errorf("merge SQL for key-only table should use DO NOTHING, got:\n%s", got)
	}

	if strings.Contains(got, "DO UPDATE") {
		t.Errorf("merge SQL for key-only table must not use DO UPDATE, got:\n%s", got)
	}
}

// ==============================================================================
// Unit Tests: Transaction Lifecycle
// ==============================================================================

func TestTransactionLifecycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	connector, mock := newMockConnector(t)
	ctx := context.Background()

	// Commit and Rollback with no open transaction are no-ops.
	if err := connector.Commit(); err != nil {
		t.Errorf("Commit() without transaction = %v, want nil", err)
	}

	if err := connector.Rollback(); err != nil {
		t.Errorf("Rollback() without transaction = %v, want nil", err)
	}

	mock.ExpectBegin()
	mock.ExpectCommit()

	if err := connector.Begin(ctx); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	// Double Begin is rejected.
	if err := connector.Begin(ctx); !errors.Is(err, ErrTransactionOpen) {
		t.Errorf("second Begin() = %v, want ErrTransactionOpen", err)
	}

	if err := connector.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// Commit after commit is a no-op.
	if err := connector.Commit(); err != nil {
		t.Errorf("Commit() after commit = %v, want nil", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBulkLoadStaging_RequiresTransaction(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	connector, _ := newMockConnector(t)

	if _, err := connector.BulkLoadStaging(context.Background(), conditionsBatch()); !errors.Is(err, ErrNoActiveTransaction) {
		t.Errorf("BulkLoadStaging() without transaction = %v, want ErrNoActiveTransaction", err)
	}

	if _, err := connector.ExecuteMerge(context.Background(), conditionsBatch()); !errors.Is(err, ErrNoActiveTransaction) {
		t.Errorf("ExecuteMerge() without transaction = %v, want ErrNoActiveTransaction", err)
	}
}

func TestBulkLoadStaging_TruncatesAndCopies(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	connector, mock := newMockConnector(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`TRUNCATE TABLE "staging_conditions"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	prep := mock.ExpectPrepare(`COPY "staging_conditions" \("nct_id", "name"\) FROM STDIN`)
	prep.ExpectExec().WithArgs("NCT00000001", "Asthma").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("NCT00000002", "COPD").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	prep.WillBeClosed()

	if err := connector.Begin(ctx); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	loaded, err := connector.BulkLoadStaging(ctx, conditionsBatch())
	if err != nil {
		t.Fatalf("BulkLoadStaging() error = %v", err)
	}

	if loaded != 2 {
		t.Errorf("BulkLoadStaging() = %d rows, want 2", loaded)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// ==============================================================================
// Unit Tests: Bookkeeping Routing
// ==============================================================================

func TestRecordFailedStudy_BypassesTransaction(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	connector, mock := newMockConnector(t)
	ctx := context.Background()

	mock.ExpectBegin()
	// The dead-letter insert runs on the pool, outside the transaction, so
	// sqlmock sees it after Begin without requiring the tx to commit.
	mock.ExpectExec(`INSERT INTO dead_letter_queue`).
		WithArgs(sqlmock.AnyArg(), "NCT00000009", `{"broken`, "malformed JSON payload", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	if err := connector.Begin(ctx); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	err := connector.RecordFailedStudy(ctx, "run-1", "NCT00000009", json.RawMessage(`{"broken`), "malformed JSON payload")
	if err != nil {
		t.Fatalf("RecordFailedStudy() error = %v", err)
	}

	if err := connector.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordLoadHistory_SuccessRequiresTransaction(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	connector, _ := newMockConnector(t)

	err := connector.RecordLoadHistory(context.Background(), "run-1", LoadStatusSuccess, json.RawMessage(`{}`))
	if !errors.Is(err, ErrNoActiveTransaction) {
		t.Errorf("RecordLoadHistory(SUCCESS) without transaction = %v, want ErrNoActiveTransaction", err)
	}
}

func TestRecordLoadHistory_FailureOnPool(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	connector, mock := newMockConnector(t)

	mock.ExpectExec(`INSERT INTO load_history`).
		WithArgs("run-1", sqlmock.AnyArg(), "FAILURE", `{"error":"boom"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := connector.RecordLoadHistory(context.Background(), "run-1", LoadStatusFailure, json.RawMessage(`{"error":"boom"}`))
	if err != nil {
		t.Fatalf("RecordLoadHistory(FAILURE) error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLastSuccessfulLoad(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("returns watermark when a success exists", func(t *testing.T) {
		connector, mock := newMockConnector(t)
		watermark := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

		mock.ExpectQuery(`SELECT MAX\(load_timestamp\) FROM load_history`).
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(watermark))

		got, err := connector.LastSuccessfulLoad(context.Background())
		if err != nil {
			t.Fatalf("LastSuccessfulLoad() error = %v", err)
		}

		if got == nil || !got.Equal(watermark) {
			t.Errorf("LastSuccessfulLoad() = %v, want %v", got, watermark)
		}
	})

	t.Run("returns nil when no success exists", func(t *testing.T) {
		connector, mock := newMockConnector(t)

		mock.ExpectQuery(`SELECT MAX\(load_timestamp\) FROM load_history`).
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

		got, err := connector.LastSuccessfulLoad(context.Background())
		if err != nil {
			t.Fatalf("LastSuccessfulLoad() error = %v", err)
		}

		if got != nil {
			t.Errorf("LastSuccessfulLoad() = %v, want nil", got)
		}
	})
}
