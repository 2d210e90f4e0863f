package etl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ctgov-io/ctloader/internal/config"
	"github.com/ctgov-io/ctloader/internal/extractor"
	"github.com/ctgov-io/ctloader/internal/study"
	"github.com/ctgov-io/ctloader/internal/warehouse"
)

// LoadType selects full or incremental extraction.
type LoadType string

const (
	// LoadTypeFull walks the entire study corpus.
	LoadTypeFull LoadType = "full"

	// LoadTypeDelta walks only studies updated since the last successful
	// run. Falls back to a full walk when no watermark exists.
	LoadTypeDelta LoadType = "delta"
)

// ErrUnknownLoadType is returned for load type strings other than full/delta.
var ErrUnknownLoadType = errors.New("unknown load type")

// ParseLoadType validates a load type string from the CLI.
func ParseLoadType(s string) (LoadType, error) {
	switch LoadType(s) {
	case LoadTypeFull, LoadTypeDelta:
		return LoadType(s), nil
	default:
		return "", fmt.Errorf("%w: %q (want %q or %q)", ErrUnknownLoadType, s, LoadTypeFull, LoadTypeDelta)
	}
}

type (
	// StudyStream is a finite sequence of raw study payloads.
	StudyStream interface {
		Next(ctx context.Context) (json.RawMessage, bool)
		Err() error
	}

	// StudySource produces study streams. Satisfied by the API client via
	// ClientSource; tests substitute fakes.
	StudySource interface {
		Studies(ctx context.Context, updatedSince *time.Time) StudyStream
		RetryCount() int64
	}

	// ClientSource adapts *extractor.Client to the StudySource interface.
	ClientSource struct {
		Client *extractor.Client
	}

	// Orchestrator drives one ETL run end to end.
	Orchestrator struct {
		source      StudySource
		connector   warehouse.Connector
		validator   *study.Validator
		transformer *study.Transformer
		config      *Config
		logger      *slog.Logger
	}
)

// Studies implements StudySource.
func (s *ClientSource) Studies(ctx context.Context, updatedSince *time.Time) StudyStream {
	return s.Client.Studies(ctx, updatedSince)
}

// RetryCount implements StudySource.
func (s *ClientSource) RetryCount() int64 {
	return s.Client.RetryCount()
}

// NewOrchestrator wires an orchestrator over a study source and a warehouse
// connector.
func NewOrchestrator(source StudySource, connector warehouse.Connector, cfg *Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Orchestrator{
		source:      source,
		connector:   connector,
		validator:   study.NewValidator(),
		transformer: study.NewTransformer(),
		config:      cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Run executes one load. On success the run transaction commits with a
// SUCCESS load_history row inside it. On failure everything staged rolls
// back and a FAILURE row is written outside the transaction. Dead-letter
// rows are written outside the transaction either way, so diagnostics
// survive a rollback.
//
// The returned metrics are populated in both outcomes.
func (o *Orchestrator) Run(ctx context.Context, loadType LoadType) (*Metrics, error) {
	runID := uuid.New().String()
	start := time.Now()
	metrics := newMetrics(runID, loadType)

	o.logger.Info("Starting load run",
		slog.String("run_id", runID),
		slog.String("load_type", string(loadType)))

	watermark, err := o.resolveWatermark(ctx, loadType)
	if err != nil {
		return o.fail(ctx, metrics, start, fmt.Errorf("failed to resolve watermark: %w", err))
	}

	metrics.WatermarkUsed = watermark

	if err := o.connector.Begin(ctx); err != nil {
		return o.fail(ctx, metrics, start, err)
	}

	if err := o.ingest(ctx, runID, watermark, metrics); err != nil {
		return o.fail(ctx, metrics, start, err)
	}

	metrics.RetryCount = o.source.RetryCount()
	metrics.finish(start)

	if err := o.connector.RecordLoadHistory(ctx, runID, warehouse.LoadStatusSuccess, metrics.JSON()); err != nil {
		return o.fail(ctx, metrics, start, err)
	}

	if err := o.connector.Commit(); err != nil {
		return o.fail(ctx, metrics, start, err)
	}

	o.logger.Info("Load run succeeded",
		slog.String("run_id", runID),
		slog.Int64("studies_fetched", metrics.StudiesFetched),
		slog.Int64("studies_valid", metrics.StudiesValid),
		slog.Int64("studies_invalid", metrics.StudiesInvalid),
		slog.Int64("wall_clock_ms", metrics.WallClockMillis))

	return metrics, nil
}

// resolveWatermark looks up the delta high-water mark. A delta run without
// any prior successful run degrades to a full walk.
func (o *Orchestrator) resolveWatermark(ctx context.Context, loadType LoadType) (*time.Time, error) {
	if loadType != LoadTypeDelta {
		return nil, nil
	}

	watermark, err := o.connector.LastSuccessfulLoad(ctx)
	if err != nil {
		return nil, err
	}

	if watermark == nil {
		o.logger.Info("No prior successful load, falling back to full load")
	}

	return watermark, nil
}

// ingest drains the study stream into staged, merged batches.
func (o *Orchestrator) ingest(ctx context.Context, runID string, watermark *time.Time, metrics *Metrics) error {
	stream := o.source.Studies(ctx, watermark)
	batch := study.NewBatch()

	for {
		raw, ok := stream.Next(ctx)
		if !ok {
			break
		}

		metrics.StudiesFetched++

		s, err := o.validator.Validate(raw)
		if err != nil {
			metrics.StudiesInvalid++
			o.deadLetter(ctx, runID, raw, err)

			continue
		}

		metrics.StudiesValid++
		o.transformer.Transform(batch, s, raw)

		if batch.StudyCount() >= o.config.BatchSizeRows || batch.PayloadBytes() >= maxBatchBytes {
			if err := o.flush(ctx, batch, metrics); err != nil {
				return err
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := stream.Err(); err != nil {
		return err
	}

	return o.flush(ctx, batch, metrics)
}

// flush stages and merges every non-empty table buffer, in dependency
// order, then resets the batch.
func (o *Orchestrator) flush(ctx context.Context, batch *study.Batch, metrics *Metrics) error {
	if batch.StudyCount() == 0 {
		return nil
	}

	for _, table := range batch.Tables() {
		if _, err := o.connector.BulkLoadStaging(ctx, table); err != nil {
			return err
		}

		merged, err := o.connector.ExecuteMerge(ctx, table)
		if err != nil {
			return err
		}

		metrics.RowsMerged[table.Table] += merged
	}

	o.logger.Debug("Flushed batch",
		slog.Int("studies", batch.StudyCount()),
		slog.Int64("payload_bytes", batch.PayloadBytes()))

	batch.Reset()

	return nil
}

// deadLetter routes one invalid record to the dead-letter queue. DLQ write
// failures are logged, never fatal: a broken record must not sink the run.
func (o *Orchestrator) deadLetter(ctx context.Context, runID string, raw json.RawMessage, cause error) {
	nctID := study.ExtractNCTID(raw)

	var vErr *study.ValidationError
	if errors.As(cause, &vErr) && vErr.NCTID != "" {
		nctID = vErr.NCTID
	}

	o.logger.Warn("Routing invalid study to dead-letter queue",
		slog.String("run_id", runID),
		slog.String("nct_id", nctID),
		slog.String("reason", cause.Error()))

	if err := o.connector.RecordFailedStudy(ctx, runID, nctID, raw, cause.Error()); err != nil {
		o.logger.Error("Failed to write dead-letter row",
			slog.String("run_id", runID),
			slog.String("nct_id", nctID),
			slog.String("error", err.Error()))
	}
}

// fail rolls back the run and records a FAILURE history row outside the
// transaction.
func (o *Orchestrator) fail(ctx context.Context, metrics *Metrics, start time.Time, cause error) (*Metrics, error) {
	metrics.RetryCount = o.source.RetryCount()
	metrics.Error = cause.Error()
	metrics.finish(start)

	if err := o.connector.Rollback(); err != nil {
		o.logger.Error("Rollback failed", slog.String("error", err.Error()))
	}

	// Best effort, on a fresh context: the run context may already be
	// cancelled.
	historyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := o.connector.RecordLoadHistory(historyCtx, metrics.RunID, warehouse.LoadStatusFailure, metrics.JSON()); err != nil {
		o.logger.Error("Failed to record failure history", slog.String("error", err.Error()))
	}

	o.logger.Error("Load run failed",
		slog.String("run_id", metrics.RunID),
		slog.String("error", cause.Error()))

	return metrics, cause
}
