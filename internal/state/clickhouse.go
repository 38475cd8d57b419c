package state

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/philippevezina/table-loader/internal/security"
)

// ClickHouseStorage keeps the ledger in a ReplacingMergeTree keyed by
// (source_id, target_table, chunk_index). Reads use FINAL so that only the
// newest version of each record is returned.
type ClickHouseStorage struct {
	db        DBTX
	logger    *zap.Logger
	tableName string
}

func NewClickHouseStorage(db DBTX, database, table string, logger *zap.Logger) (*ClickHouseStorage, error) {
	if database == "" {
		database = "default"
	}
	if table == "" {
		table = DefaultTable
	}
	name, err := security.QualifiedName(database, table)
	if err != nil {
		return nil, fmt.Errorf("invalid state table: %w", err)
	}
	return &ClickHouseStorage{db: db, logger: logger, tableName: name}, nil
}

func (s *ClickHouseStorage) Initialize(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			source_id String,
			target_table String,
			chunk_index UInt32,
			status LowCardinality(String),
			rows_written Int64,
			duplicates Int64,
			attempts UInt32,
			last_error String,
			run_id String,
			updated_at DateTime64(6)
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY (source_id, target_table, chunk_index)
	`, s.tableName)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create ledger table: %w", err)
	}

	s.logger.Info("ClickHouse state storage initialized",
		zap.String("table", s.tableName))
	return nil
}

func (s *ClickHouseStorage) ListChunks(ctx context.Context, sourceID, targetTable string) ([]*ChunkRecord, error) {
	query := fmt.Sprintf(`
		SELECT
			source_id, target_table, chunk_index, status, rows_written,
			duplicates, attempts, last_error, run_id, updated_at
		FROM %s FINAL
		WHERE source_id = ? AND target_table = ?
		ORDER BY chunk_index
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, sourceID, targetTable)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var records []*ChunkRecord
	for rows.Next() {
		r := &ChunkRecord{}
		if err := rows.Scan(&r.SourceID, &r.TargetTable, &r.ChunkIndex, &r.Status, &r.Rows,
			&r.Duplicates, &r.Attempts, &r.LastError, &r.RunID, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunk records: %w", err)
	}
	return records, nil
}

func (s *ClickHouseStorage) SaveChunk(ctx context.Context, record *ChunkRecord) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			source_id, target_table, chunk_index, status, rows_written,
			duplicates, attempts, last_error, run_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.tableName)

	_, err := s.db.ExecContext(ctx, query,
		record.SourceID,
		record.TargetTable,
		record.ChunkIndex,
		record.Status,
		record.Rows,
		record.Duplicates,
		record.Attempts,
		record.LastError,
		record.RunID,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save chunk %d: %w", record.ChunkIndex, err)
	}

	s.logger.Debug("Chunk record saved",
		zap.String("source_id", record.SourceID),
		zap.String("table", record.TargetTable),
		zap.Int("chunk", record.ChunkIndex),
		zap.String("status", record.Status))
	return nil
}

// DeleteChunks runs a synchronous mutation; it returns once the rows are gone.
func (s *ClickHouseStorage) DeleteChunks(ctx context.Context, sourceID, targetTable string) error {
	query := fmt.Sprintf("ALTER TABLE %s DELETE WHERE source_id = ? AND target_table = ?", s.tableName)

	ctx = clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"mutations_sync": 2,
	}))
	if _, err := s.db.ExecContext(ctx, query, sourceID, targetTable); err != nil {
		return fmt.Errorf("failed to delete chunk records: %w", err)
	}
	return nil
}

func (s *ClickHouseStorage) HealthCheck(ctx context.Context) error {
	var one uint8
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("state storage health check failed: %w", err)
	}
	return nil
}
