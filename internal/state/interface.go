package state

import (
	"context"
	"database/sql"
	"time"
)

const (
	StatusCommitted = "committed"
	StatusFailed    = "failed"

	DefaultTable = "table_loader_chunks"
)

// ChunkRecord is one ledger entry. A committed record means the chunk's
// rows are in the destination; a failed record is the chunk's dead letter.
type ChunkRecord struct {
	SourceID    string    `json:"source_id"`
	TargetTable string    `json:"target_table"`
	ChunkIndex  int       `json:"chunk_index"`
	Status      string    `json:"status"`
	Rows        int64     `json:"rows"`
	Duplicates  int64     `json:"duplicates"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	RunID       string    `json:"run_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Storage interface {
	Initialize(ctx context.Context) error
	ListChunks(ctx context.Context, sourceID, targetTable string) ([]*ChunkRecord, error)
	SaveChunk(ctx context.Context, record *ChunkRecord) error
	DeleteChunks(ctx context.Context, sourceID, targetTable string) error
	HealthCheck(ctx context.Context) error
}

// TxStorage is a Storage that can write a record inside the caller's
// transaction, next to the chunk data.
type TxStorage interface {
	Storage
	SaveChunkTx(ctx context.Context, tx Execer, record *ChunkRecord) error
}

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// DBTX is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type DBTX interface {
	Execer
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
