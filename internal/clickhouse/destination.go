package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/philippevezina/table-loader/internal/common"
	"github.com/philippevezina/table-loader/internal/config"
	"github.com/philippevezina/table-loader/internal/schema"
	"github.com/philippevezina/table-loader/internal/security"
	"github.com/philippevezina/table-loader/internal/state"
)

// Destination loads chunks into a MergeTree table. ClickHouse has no
// transactions spanning the data and the ledger, so the committed record is
// saved by the caller after WriteChunk returns.
type Destination struct {
	client   *Client
	stateCfg config.StateConfig
	logger   *zap.Logger

	ledger     *state.ClickHouseStorage
	table      *schema.Table
	qualified  string
	columnList string
	types      []schema.ColumnType
	batchSize  int
	bulk       bool
}

// NewDestination creates a ClickHouse destination on top of client.
func NewDestination(client *Client, load config.LoadConfig, stateCfg config.StateConfig, logger *zap.Logger) *Destination {
	return &Destination{
		client:    client,
		stateCfg:  stateCfg,
		logger:    common.LoggerWithComponent(logger, "clickhouse"),
		batchSize: load.InsertBatchSize,
		bulk:      true,
	}
}

// Kind returns the destination name used in logs and metrics.
func (d *Destination) Kind() string {
	return config.DestinationClickHouse
}

// Prepare creates or verifies the table and initializes the ledger.
func (d *Destination) Prepare(ctx context.Context, t *schema.Table) error {
	if t.Database == "" {
		t.Database = d.client.Database()
	}
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

	stmts, err := t.ClickHouseCreateStatements()
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if err := d.client.ExecDDL(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t, err)
		}
	}
	if len(stmts) == 0 {
		if err := schema.NewDiscovery(d.client.DB(), d.logger).Verify(ctx, t); err != nil {
			return err
		}
	}

	stateDB := d.stateCfg.Database
	if stateDB == "" {
		stateDB = t.Database
	}
	ledger, err := state.NewClickHouseStorage(d.client.DB(), stateDB, d.stateCfg.Table, d.logger)
	if err != nil {
		return err
	}
	if err := ledger.Initialize(ctx); err != nil {
		return err
	}
	d.ledger = ledger

	d.logger.Info("ClickHouse destination prepared",
		zap.String("table", t.String()))
	return nil
}

// Ledger returns the chunk ledger created by Prepare.
func (d *Destination) Ledger() state.Storage {
	return d.ledger
}

// LedgerInTx is false: ClickHouse has no transactions, so the ledger record
// is saved after the batch is sent.
func (d *Destination) LedgerInTx() bool {
	return false
}

// RowCount returns the number of rows currently in the table.
func (d *Destination) RowCount(ctx context.Context) (int64, error) {
	var n uint64
	if err := d.client.QueryRow(ctx, "SELECT count() FROM "+d.qualified).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", d.table, err)
	}
	return int64(n), nil
}

// WriteChunk sends the rows as one native batch. When the batch fails the
// rows are sent again as multi-row VALUES inserts. ClickHouse does not
// enforce unique keys, so duplicates are always zero.
func (d *Destination) WriteChunk(ctx context.Context, batch *common.ChunkBatch, record *state.ChunkRecord) (*common.WriteResult, error) {
	start := time.Now()
	result := &common.WriteResult{Method: common.LoadMethodBatch}
	if len(batch.Rows) == 0 {
		record.Rows = 0
		return result, nil
	}

	var err error
	if d.bulk {
		err = d.sendBatch(ctx, batch.Rows)
		if err != nil {
			d.logger.Warn("Native batch failed, falling back to VALUES inserts",
				zap.String("table", d.table.String()),
				zap.Int("chunk", batch.Index),
				zap.Error(err))
		}
	}
	if !d.bulk || err != nil {
		result.Method = common.LoadMethodInsert
		if err := d.insertValues(ctx, batch.Rows); err != nil {
			return nil, err
		}
	}

	result.Inserted = int64(len(batch.Rows))
	result.Duration = time.Since(start)
	record.Rows = result.Inserted
	return result, nil
}

// Release is a no-op. The client owns the connection pool.
func (d *Destination) Release(ctx context.Context) error {
	return nil
}

func (d *Destination) sendBatch(ctx context.Context, rows [][]any) error {
	tx, err := d.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s)", d.qualified, d.columnList))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, d.convertRow(row)...); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	committed = true
	return nil
}

func (d *Destination) insertValues(ctx context.Context, rows [][]any) error {
	size := d.batchSize
	if size <= 0 {
		size = len(rows)
	}
	group := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(d.types)), ", ") + ")"

	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}

		var b strings.Builder
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", d.qualified, d.columnList)
		args := make([]any, 0, (end-start)*len(d.types))
		for i, row := range rows[start:end] {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(group)
			args = append(args, d.convertRow(row)...)
		}

		if err := d.client.Exec(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("failed to insert rows %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// convertRow maps normalized values to the Go types the ClickHouse driver
// expects for each column type.
func (d *Destination) convertRow(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = convertValue(d.types[i], v)
	}
	return out
}

func convertValue(ct schema.ColumnType, v any) any {
	if v == nil {
		return nil
	}
	switch ct.Kind {
	case schema.KindInt:
		if n, ok := v.(int64); ok {
			return int32(n)
		}
	case schema.KindTinyInt:
		if n, ok := v.(int64); ok {
			return int8(n)
		}
	case schema.KindFloat:
		if f, ok := v.(float64); ok {
			return float32(f)
		}
	case schema.KindBool:
		if b, ok := v.(bool); ok {
			return b
		}
	case schema.KindVarchar, schema.KindText:
		if dec, ok := v.(decimal.Decimal); ok {
			return dec.String()
		}
	}
	return v
}
