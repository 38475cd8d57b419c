package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/philippevezina/table-loader/internal/common"
	"github.com/philippevezina/table-loader/internal/config"
	"github.com/philippevezina/table-loader/internal/schema"
	"github.com/philippevezina/table-loader/internal/security"
	"github.com/philippevezina/table-loader/internal/state"
)

// Destination loads chunks into one MySQL table over a single pinned
// connection. The connection carries the session variables, the advisory
// lock, the chunk data and the ledger record.
type Destination struct {
	cfg      *config.MySQLConfig
	stateCfg config.StateConfig
	logger   *zap.Logger
	db       *sql.DB

	conn    *sql.Conn
	session *Session
	ledger  *state.MySQLStorage

	table      *schema.Table
	qualified  string
	columnList string
	types      []schema.ColumnType
	lockName   string
	locked     bool

	bulkEnabled bool
	batchSize   int
	tempDir     string
}

// NewDestination creates a MySQL destination drawing its pinned connection
// from db.
func NewDestination(db *sql.DB, cfg *config.MySQLConfig, load config.LoadConfig, stateCfg config.StateConfig, logger *zap.Logger) *Destination {
	return &Destination{
		cfg:       cfg,
		stateCfg:  stateCfg,
		logger:    common.LoggerWithComponent(logger, "mysql"),
		db:        db,
		batchSize: load.InsertBatchSize,
		tempDir:   load.TempDir,
	}
}

// Kind returns the destination name used in logs and metrics.
func (d *Destination) Kind() string {
	return config.DestinationMySQL
}

// Prepare pins a connection, applies session variables, takes the table
// lock, creates or verifies the table and initializes the ledger. Release
// must be called even when Prepare fails.
func (d *Destination) Prepare(ctx context.Context, t *schema.Table) error {
	qualified, err := t.QualifiedName()
	if err != nil {
		return err
	}
	columnList, err := security.QuoteColumnList(t.ColumnNames())
	if err != nil {
		return err
	}
	d.table, d.qualified, d.columnList = t, qualified, columnList
	d.types = make([]schema.ColumnType, len(t.Columns))
	for i, c := range t.Columns {
		d.types[i] = c.Type
	}

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to pin connection: %w", err)
	}
	d.conn = conn

	session, err := NewSession(conn, d.cfg.SessionVariables, d.logger)
	if err != nil {
		return err
	}
	d.session = session
	if err := session.Apply(ctx); err != nil {
		return err
	}

	d.lockName = lockName(t.String())
	if err := acquireLock(ctx, conn, d.lockName, d.cfg.LockTimeout); err != nil {
		return err
	}
	d.locked = true

	stmts, err := t.MySQLCreateStatements()
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t, err)
		}
	}
	if len(stmts) == 0 {
		if err := schema.NewDiscovery(conn, d.logger).Verify(ctx, t); err != nil {
			return err
		}
	} else {
		d.logger.Info("Destination table ready",
			zap.String("table", t.String()),
			zap.String("create", t.Create))
	}

	stateDB := d.stateCfg.Database
	if stateDB == "" {
		stateDB = t.Database
	}
	ledger, err := state.NewMySQLStorage(conn, stateDB, d.stateCfg.Table, d.logger)
	if err != nil {
		return err
	}
	if err := ledger.Initialize(ctx); err != nil {
		return err
	}
	d.ledger = ledger

	d.bulkEnabled, err = bulkAvailable(ctx, conn, d.cfg.BulkLoad)
	if err != nil {
		return err
	}
	d.logger.Info("MySQL destination prepared",
		zap.String("table", t.String()),
		zap.Bool("bulk_load", d.bulkEnabled),
		zap.Int("insert_batch_size", effectiveBatchSize(d.batchSize, len(d.types))))
	return nil
}

// Ledger returns the chunk ledger created by Prepare.
func (d *Destination) Ledger() state.Storage {
	return d.ledger
}

// LedgerInTx is true: WriteChunk saves the record in the data transaction.
func (d *Destination) LedgerInTx() bool {
	return true
}

// RowCount returns the number of rows currently in the table.
func (d *Destination) RowCount(ctx context.Context) (int64, error) {
	var n int64
	if err := d.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+d.qualified).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", d.table, err)
	}
	return n, nil
}

// WriteChunk writes the batch and its committed ledger record in one
// transaction. A deadlock or lock wait timeout fails the chunk like any other
// error; the next run picks it up from the ledger.
func (d *Destination) WriteChunk(ctx context.Context, batch *common.ChunkBatch, record *state.ChunkRecord) (*common.WriteResult, error) {
	start := time.Now()
	result := &common.WriteResult{Method: common.LoadMethodInsert}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	loaded := false
	if d.bulkEnabled && len(batch.Rows) > 0 {
		inserted, duplicates, err := d.loadData(ctx, tx, batch.Rows)
		switch {
		case err == nil:
			result.Inserted, result.Duplicates = inserted, duplicates
			result.Method = common.LoadMethodLoadData
			loaded = true
		case IsNotAllowed(err):
			d.bulkEnabled = false
			d.logger.Warn("LOAD DATA LOCAL refused, using batched inserts for the rest of the run",
				zap.String("table", d.table.String()),
				zap.Error(err))
		case IsRetryable(err) || errors.Is(err, context.Canceled):
			return nil, err
		default:
			d.logger.Warn("Bulk load failed, falling back to batched inserts",
				zap.String("table", d.table.String()),
				zap.Int("chunk", batch.Index),
				zap.Error(err))
		}

		if !loaded {
			// Start over on a clean transaction.
			_ = tx.Rollback()
			tx, err = d.conn.BeginTx(ctx, nil)
			if err != nil {
				return nil, fmt.Errorf("failed to begin transaction: %w", err)
			}
		}
	}

	if !loaded {
		inserted, duplicates, err := d.insertRows(ctx, tx, batch.Rows)
		if err != nil {
			return nil, err
		}
		result.Inserted, result.Duplicates = inserted, duplicates
	}

	record.Rows, record.Duplicates = result.Inserted, result.Duplicates
	if err := d.ledger.SaveChunkTx(ctx, tx, record); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit chunk %d: %w", batch.Index, err)
	}
	committed = true

	result.Duration = time.Since(start)
	return result, nil
}

// Release releases the lock, restores the session variables and returns the
// connection to the pool. It is safe to call after a failed Prepare.
func (d *Destination) Release(ctx context.Context) error {
	if d.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()

	var errs []error
	if d.locked {
		if err := releaseLock(ctx, d.conn, d.lockName); err != nil {
			errs = append(errs, err)
		}
		d.locked = false
	}
	if d.session != nil {
		if err := d.session.Restore(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to return connection: %w", err))
	}
	d.conn = nil
	return errors.Join(errs...)
}
