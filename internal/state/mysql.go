package state

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/philippevezina/table-loader/internal/security"
)

type MySQLStorage struct {
	db        DBTX
	logger    *zap.Logger
	tableName string
}

func NewMySQLStorage(db DBTX, database, table string, logger *zap.Logger) (*MySQLStorage, error) {
	if table == "" {
		table = DefaultTable
	}
	name, err := security.QualifiedName(database, table)
	if err != nil {
		return nil, fmt.Errorf("invalid state table: %w", err)
	}
	return &MySQLStorage{db: db, logger: logger, tableName: name}, nil
}

func (s *MySQLStorage) Initialize(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		source_id VARCHAR(191) NOT NULL,
		target_table VARCHAR(191) NOT NULL,
		chunk_index INT NOT NULL,
		status VARCHAR(16) NOT NULL,
		rows_written BIGINT NOT NULL DEFAULT 0,
		duplicates BIGINT NOT NULL DEFAULT 0,
		attempts INT NOT NULL DEFAULT 0,
		last_error TEXT NULL,
		run_id VARCHAR(64) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		PRIMARY KEY (source_id, target_table, chunk_index)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, s.tableName)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create ledger table: %w", err)
	}

	s.logger.Info("MySQL state storage initialized",
		zap.String("table", s.tableName))
	return nil
}

func (s *MySQLStorage) ListChunks(ctx context.Context, sourceID, targetTable string) ([]*ChunkRecord, error) {
	query := fmt.Sprintf(`SELECT source_id, target_table, chunk_index, status, rows_written,
		duplicates, attempts, COALESCE(last_error, ''), run_id, updated_at
		FROM %s WHERE source_id = ? AND target_table = ? ORDER BY chunk_index`, s.tableName)

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

func (s *MySQLStorage) SaveChunk(ctx context.Context, record *ChunkRecord) error {
	return s.SaveChunkTx(ctx, s.db, record)
}

// SaveChunkTx upserts record through tx so that it commits or rolls back
// with the chunk data.
func (s *MySQLStorage) SaveChunkTx(ctx context.Context, tx Execer, record *ChunkRecord) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`INSERT INTO %s
		(source_id, target_table, chunk_index, status, rows_written, duplicates, attempts, last_error, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			rows_written = VALUES(rows_written),
			duplicates = VALUES(duplicates),
			attempts = VALUES(attempts),
			last_error = VALUES(last_error),
			run_id = VALUES(run_id),
			updated_at = VALUES(updated_at)`, s.tableName)

	var lastError any
	if record.LastError != "" {
		lastError = record.LastError
	}

	_, err := tx.ExecContext(ctx, query,
		record.SourceID,
		record.TargetTable,
		record.ChunkIndex,
		record.Status,
		record.Rows,
		record.Duplicates,
		record.Attempts,
		lastError,
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

func (s *MySQLStorage) DeleteChunks(ctx context.Context, sourceID, targetTable string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE source_id = ? AND target_table = ?", s.tableName)
	if _, err := s.db.ExecContext(ctx, query, sourceID, targetTable); err != nil {
		return fmt.Errorf("failed to delete chunk records: %w", err)
	}
	return nil
}

func (s *MySQLStorage) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("state storage health check failed: %w", err)
	}
	return nil
}
