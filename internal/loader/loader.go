package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/philippevezina/table-loader/internal/common"
	"github.com/philippevezina/table-loader/internal/config"
	"github.com/philippevezina/table-loader/internal/observability"
	"github.com/philippevezina/table-loader/internal/schema"
	"github.com/philippevezina/table-loader/internal/source"
	"github.com/philippevezina/table-loader/internal/state"
	"github.com/philippevezina/table-loader/internal/transform"
)

const releaseTimeout = 30 * time.Second

// Options are the run-wide settings applied to every job.
type Options struct {
	// Database qualifies the destination table.
	Database     string
	NullValues   []string
	MaxRowErrors int
	DryRun       bool
	OnlyFailed   bool
	RunID        string
}

// Loader runs one job: it inspects the source, resolves the column mapping,
// plans the chunks to load and writes them one at a time.
type Loader struct {
	job      config.JobConfig
	opts     Options
	dest     Destination
	recorder Recorder
	reporter observability.ErrorReporter
	logger   *zap.Logger

	table      *schema.Table
	columns    []string
	normalizer *transform.Normalizer
	state      *state.Manager
	sourceID   string
	summary    *Summary
}

// New returns a loader for job. dest may be nil for a dry run. A nil
// recorder or reporter disables metrics or error reporting.
func New(job config.JobConfig, opts Options, dest Destination, recorder Recorder, reporter observability.ErrorReporter, logger *zap.Logger) *Loader {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if reporter == nil {
		reporter = observability.NewNoopErrorReporter()
	}
	return &Loader{
		job:      job,
		opts:     opts,
		dest:     dest,
		recorder: recorder,
		reporter: reporter,
		logger:   common.LoggerWithComponent(logger, "loader").With(zap.String("job", job.Name)),
	}
}

// Inspect reads the source metadata. Any failure wraps
// source.ErrSourceUnreadable.
func (l *Loader) Inspect(ctx context.Context, src source.Source) (*source.Layout, error) {
	start := time.Now()
	layout, err := src.Inspect(ctx)
	if err != nil {
		if errors.Is(err, source.ErrSourceUnreadable) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", source.ErrSourceUnreadable, src.Path(), err)
	}

	l.logger.Info("Source inspected",
		zap.String("path", src.Path()),
		zap.Int64("total_rows", layout.TotalRows),
		zap.Int("chunks", len(layout.Boundaries)),
		zap.Int("columns", len(layout.Columns)),
		zap.Duration("duration", time.Since(start)))
	return layout, nil
}

// Run executes the job and returns its summary. A returned error is fatal
// for the job. Chunks that fail on their own are dead-lettered and reported
// through Summary.ChunksFailed.
func (l *Loader) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()

	src, err := source.Open(l.job.Source)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	layout, err := l.Inspect(ctx, src)
	if err != nil {
		return nil, err
	}

	if err := l.resolve(layout); err != nil {
		return nil, err
	}
	l.sourceID = source.ID(l.job.Source.SourceID, src.Path(), layout)
	l.summary = &Summary{
		Job:         l.job.Name,
		SourceID:    l.sourceID,
		Table:       l.table.String(),
		TotalRows:   layout.TotalRows,
		TotalChunks: len(layout.Boundaries),
		DryRun:      l.opts.DryRun,
	}
	defer func() { l.summary.Elapsed = time.Since(start) }()

	if l.opts.DryRun {
		plan := PlanFromSkip(0, len(layout.Boundaries))
		l.summary.Strategy = "dry_run"
		if _, err := l.Load(ctx, src, layout, plan); err != nil {
			return l.summary, err
		}
		l.summary.Elapsed = time.Since(start)
		l.logSummary()
		return l.summary, nil
	}

	if l.dest == nil {
		return nil, fmt.Errorf("job %s has no destination", l.job.Name)
	}
	prepareErr := l.dest.Prepare(ctx, l.table)
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := l.dest.Release(releaseCtx); err != nil {
			l.logger.Error("Failed to release destination", zap.Error(err))
		}
		l.state = nil
	}()
	if prepareErr != nil {
		return nil, fmt.Errorf("failed to prepare %s destination: %w", l.dest.Kind(), prepareErr)
	}

	l.state = state.NewManager(l.dest.Ledger(), l.opts.RunID, l.logger)
	if err := l.state.HealthCheck(ctx); err != nil {
		return nil, err
	}
	if l.table.Create == config.CreateRecreate {
		if err := l.state.Reset(ctx, l.sourceID, l.table.String()); err != nil {
			return nil, err
		}
	}
	ledger, err := l.state.Load(ctx, l.sourceID, l.table.String())
	if err != nil {
		return nil, err
	}

	destRows, err := l.dest.RowCount(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := l.plan(ledger, destRows, layout)
	if err != nil {
		return nil, err
	}
	l.summary.Strategy = plan.Strategy
	l.summary.ChunksSkipped = plan.Skipped
	l.summary.LedgerRows = ledger.CommittedRows()
	l.recorder.IncChunksSkipped(l.job.Name, plan.Skipped)

	l.logger.Info("Load planned",
		zap.String("source_id", l.sourceID),
		zap.String("table", l.table.String()),
		zap.String("strategy", plan.Strategy),
		zap.Int64("destination_rows", destRows),
		zap.Int64("ledger_rows", l.summary.LedgerRows),
		zap.Int("planned_chunks", len(plan.Chunks)),
		zap.Int("skipped_chunks", plan.Skipped))

	if _, err := l.Load(ctx, src, layout, plan); err != nil {
		return l.summary, err
	}

	if err := l.finish(ctx); err != nil {
		return l.summary, err
	}
	l.summary.Elapsed = time.Since(start)
	l.logSummary()
	return l.summary, nil
}

func (l *Loader) resolve(layout *source.Layout) error {
	table, err := schema.FromConfig(l.opts.Database, l.job.Table)
	if err != nil {
		return fmt.Errorf("invalid table for job %s: %w", l.job.Name, err)
	}
	mapping, err := table.Resolve(layout.Columns)
	if err != nil {
		return fmt.Errorf("job %s: %w", l.job.Name, err)
	}

	if aliased := mapping.Aliased(); len(aliased) > 0 {
		l.logger.Info("Columns mapped through aliases", zap.Strings("aliases", aliased))
	}
	if len(mapping.Missing) > 0 {
		l.logger.Warn("Destination columns absent from source, filling with null or default",
			zap.Strings("columns", mapping.Missing))
	}
	if len(mapping.Unused) > 0 {
		l.logger.Info("Source columns not loaded", zap.Strings("columns", mapping.Unused))
	}

	nulls := append(append([]string(nil), l.opts.NullValues...), l.job.NullValues...)
	normalizer, err := transform.NewNormalizer(mapping, nulls)
	if err != nil {
		return fmt.Errorf("job %s: %w", l.job.Name, err)
	}

	l.table = table
	l.columns = table.ColumnNames()
	l.normalizer = normalizer
	return nil
}

func (l *Loader) plan(ledger *state.Ledger, destRows int64, layout *source.Layout) (*Plan, error) {
	total := len(layout.Boundaries)

	if l.opts.OnlyFailed {
		return PlanFromLedger(ledger, total, true), nil
	}

	switch l.job.Resume {
	case config.ResumeNone:
		return PlanFromSkip(0, total), nil
	case config.ResumeRowCount:
		return PlanFromRowCount(destRows, layout.Boundaries), nil
	case config.ResumeLedger, "":
		if ledger.Empty() && destRows > 0 {
			l.logger.Warn("Ledger is empty but destination has rows, estimating resume point from row count",
				zap.String("table", l.table.String()),
				zap.Int64("destination_rows", destRows))
			return PlanFromRowCount(destRows, layout.Boundaries), nil
		}
		return PlanFromLedger(ledger, total, false), nil
	}
	return nil, fmt.Errorf("unknown resume strategy %q", l.job.Resume)
}

// Load writes the planned chunks in order and returns the rows committed in
// this invocation. Run must have resolved the job and, unless this is a dry
// run, prepared the destination first. A chunk that fails
// to read or write is dead-lettered and skipped; the row error circuit
// breaker and context cancellation stop the loop.
func (l *Loader) Load(ctx context.Context, src source.Source, layout *source.Layout, plan *Plan) (int64, error) {
	if l.normalizer == nil || l.summary == nil {
		return 0, fmt.Errorf("job %s is not resolved", l.job.Name)
	}
	if !l.opts.DryRun && (l.dest == nil || l.state == nil) {
		return 0, fmt.Errorf("job %s has no prepared destination", l.job.Name)
	}

	var imported int64
	start := time.Now()
	toLoad := plannedRows(layout, plan)

	l.logger.Info("Starting chunked load",
		zap.String("table", l.table.String()),
		zap.Int("chunks", len(plan.Chunks)),
		zap.Int64("rows", toLoad),
		zap.Bool("dry_run", l.opts.DryRun))

	for _, idx := range plan.Chunks {
		if err := ctx.Err(); err != nil {
			l.logger.Warn("Load interrupted",
				zap.Int("next_chunk", idx),
				zap.Int64("rows_imported", imported))
			return imported, err
		}

		chunk, err := src.ReadChunk(ctx, idx)
		if err != nil {
			if ctx.Err() != nil {
				return imported, ctx.Err()
			}
			if err := l.failChunk(ctx, idx, "read_chunk", err); err != nil {
				return imported, err
			}
			continue
		}

		res := l.normalizer.Normalize(chunk.Offset, chunk.Rows)
		if res.RowErrors > 0 {
			l.summary.RowErrors += res.RowErrors
			l.summary.Rejected += res.Rejected
			l.recorder.AddRowErrors(l.job.Name, res.RowErrors)
			l.logRowErrors(idx, res)
		}
		if l.opts.MaxRowErrors > 0 && l.summary.RowErrors > l.opts.MaxRowErrors {
			err := fmt.Errorf("%w: %d row errors exceed the limit of %d at chunk %d",
				ErrTooManyRowErrors, l.summary.RowErrors, l.opts.MaxRowErrors, idx)
			l.report(ctx, "normalize", idx, err)
			return imported, err
		}

		if l.opts.DryRun {
			l.summary.ChunksCommitted++
			imported += int64(len(res.Rows))
			continue
		}

		written, err := l.writeChunk(ctx, chunk, res.Rows)
		if err != nil {
			if ctx.Err() != nil {
				return imported, ctx.Err()
			}
			if errors.Is(err, errLedger) {
				return imported, err
			}
			if err := l.failChunk(ctx, idx, "write_chunk", err); err != nil {
				return imported, err
			}
			continue
		}

		imported += written.Inserted
		l.summary.RowsImported += written.Inserted
		l.summary.Duplicates += written.Duplicates
		l.summary.ChunksCommitted++
		l.recorder.ObserveChunk(l.job.Name, written.Method, written.Inserted, written.Duplicates, written.Duration)
		l.reporter.AddBreadcrumb("loader", "chunk committed", map[string]interface{}{
			"job":      l.job.Name,
			"chunk":    idx,
			"inserted": written.Inserted,
			"method":   string(written.Method),
		})
		l.logProgress(idx, written, imported, toLoad, start)
	}

	if l.opts.DryRun {
		l.summary.RowsImported = imported
		l.logger.Info("Dry run finished, nothing was written",
			zap.Int64("valid_rows", imported),
			zap.Int("row_errors", l.summary.RowErrors))
	}
	return imported, nil
}

var errLedger = errors.New("ledger update failed")

func (l *Loader) writeChunk(ctx context.Context, chunk *source.Chunk, rows [][]any) (*common.WriteResult, error) {
	batch := &common.ChunkBatch{
		Index:   chunk.Index,
		Offset:  chunk.Offset,
		Columns: l.columns,
		Rows:    rows,
	}
	record := l.state.NewRecord(l.sourceID, l.table.String(), chunk.Index)

	res, err := l.dest.WriteChunk(ctx, batch, record)
	if err != nil {
		return nil, err
	}

	if l.dest.LedgerInTx() {
		l.state.Track(record)
		return res, nil
	}
	if err := l.state.Committed(ctx, record); err != nil {
		return nil, fmt.Errorf("%w: chunk %d was written but not recorded: %v", errLedger, chunk.Index, err)
	}
	return res, nil
}

// failChunk dead-letters a chunk. Only a failure to write the dead letter
// itself is returned.
func (l *Loader) failChunk(ctx context.Context, idx int, operation string, cause error) error {
	l.summary.ChunksFailed++
	l.recorder.IncChunksFailed(l.job.Name)

	l.logger.Error("Chunk failed, skipping",
		zap.Int("chunk", idx),
		zap.String("operation", operation),
		zap.Error(cause))
	l.report(ctx, operation, idx, cause)

	if l.state == nil {
		return nil
	}
	if err := l.state.RecordFailure(ctx, l.sourceID, l.table.String(), idx, cause); err != nil {
		return fmt.Errorf("%w: dead letter for chunk %d: %v", errLedger, idx, err)
	}
	return nil
}

func (l *Loader) report(ctx context.Context, operation string, idx int, err error) {
	errCtx := observability.NewErrorContext("loader", operation).
		WithJob(l.job.Name).
		WithTable(l.table.String()).
		WithChunk(l.sourceID, idx)
	if reportErr := l.reporter.CaptureError(ctx, err, errCtx); reportErr != nil {
		l.logger.Debug("Failed to report error", zap.Error(reportErr))
	}
}

// finish reads the destination row count for the summary.
func (l *Loader) finish(ctx context.Context) error {
	destRows, err := l.dest.RowCount(ctx)
	if err != nil {
		return err
	}
	l.summary.DestinationRows = destRows
	l.recorder.SetDestinationRows(l.job.Name, destRows)

	if destRows > l.summary.TotalRows {
		l.logger.Warn("Destination holds more rows than the source",
			zap.String("table", l.table.String()),
			zap.Int64("destination_rows", destRows),
			zap.Int64("source_rows", l.summary.TotalRows))
	}
	if remaining := l.summary.TotalRows - destRows; remaining > 0 {
		l.summary.Remaining = remaining
	}
	return nil
}

func (l *Loader) logRowErrors(idx int, res *transform.Result) {
	samples := make([]string, len(res.Samples))
	for i, s := range res.Samples {
		samples[i] = s.Error()
	}
	l.logger.Warn("Rows with invalid fields",
		zap.Int("chunk", idx),
		zap.Int("row_errors", res.RowErrors),
		zap.Int("rejected", res.Rejected),
		zap.Int("total_row_errors", l.summary.RowErrors),
		zap.Strings("samples", samples))
}

func (l *Loader) logProgress(idx int, written *common.WriteResult, imported, toLoad int64, start time.Time) {
	elapsed := time.Since(start)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(imported) / elapsed.Seconds()
	}
	percent := 100.0
	if toLoad > 0 {
		percent = float64(imported) / float64(toLoad) * 100
		if percent > 100 {
			percent = 100
		}
	}
	l.recorder.SetProgress(l.job.Name, percent)

	l.logger.Info("Chunk committed",
		zap.Int("chunk", idx),
		zap.String("method", string(written.Method)),
		zap.Int64("inserted", written.Inserted),
		zap.Int64("duplicates", written.Duplicates),
		zap.Int64("rows_this_session", imported),
		zap.Duration("elapsed", elapsed.Round(time.Millisecond)),
		zap.Float64("rows_per_second", rate),
		zap.Float64("percent", percent))
}

func (l *Loader) logSummary() {
	s := l.summary
	fields := []zap.Field{
		zap.String("table", s.Table),
		zap.String("strategy", s.Strategy),
		zap.Int64("rows_imported", s.RowsImported),
		zap.Int64("duplicates", s.Duplicates),
		zap.Int("row_errors", s.RowErrors),
		zap.Int("rejected", s.Rejected),
		zap.Int("chunks_committed", s.ChunksCommitted),
		zap.Int("chunks_failed", s.ChunksFailed),
		zap.Int("chunks_skipped", s.ChunksSkipped),
		zap.Int64("destination_rows", s.DestinationRows),
		zap.Int64("remaining", s.Remaining),
		zap.Duration("elapsed", s.Elapsed.Round(time.Millisecond)),
		zap.Float64("rows_per_second", s.RowsPerSecond()),
	}
	if s.Partial() {
		l.logger.Warn("Job finished with failed chunks", fields...)
		return
	}
	l.logger.Info("Job finished", fields...)
}

func plannedRows(layout *source.Layout, plan *Plan) int64 {
	var total int64
	for _, idx := range plan.Chunks {
		if idx >= 0 && idx < len(layout.Boundaries) {
			total += layout.Boundaries[idx]
		}
	}
	return total
}
