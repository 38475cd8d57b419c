package loader

import (
	"context"
	"errors"
	"time"

	"github.com/philippevezina/table-loader/internal/common"
	"github.com/philippevezina/table-loader/internal/schema"
	"github.com/philippevezina/table-loader/internal/state"
)

// ErrTooManyRowErrors aborts a job once its cumulative row error count
// exceeds load.max_row_errors.
var ErrTooManyRowErrors = errors.New("too many row errors")

// Destination is a database table that accepts normalized chunks.
type Destination interface {
	Kind() string
	// Prepare creates or verifies the table and readies the ledger storage.
	Prepare(ctx context.Context, t *schema.Table) error
	Ledger() state.Storage
	// LedgerInTx reports whether WriteChunk persists the committed record in
	// the same transaction as the data.
	LedgerInTx() bool
	RowCount(ctx context.Context) (int64, error)
	// WriteChunk writes every row of the batch. It fills record.Rows and
	// record.Duplicates before the record is persisted.
	WriteChunk(ctx context.Context, batch *common.ChunkBatch, record *state.ChunkRecord) (*common.WriteResult, error)
	// Release frees everything Prepare acquired. It is safe after a failed
	// Prepare.
	Release(ctx context.Context) error
}

// Recorder receives per-chunk measurements.
type Recorder interface {
	ObserveChunk(job string, method common.LoadMethod, rows, duplicates int64, duration time.Duration)
	IncChunksFailed(job string)
	IncChunksSkipped(job string, n int)
	AddRowErrors(job string, n int)
	SetProgress(job string, percent float64)
	SetDestinationRows(job string, rows int64)
}

type noopRecorder struct{}

func (noopRecorder) ObserveChunk(string, common.LoadMethod, int64, int64, time.Duration) {}
func (noopRecorder) IncChunksFailed(string)                                              {}
func (noopRecorder) IncChunksSkipped(string, int)                                        {}
func (noopRecorder) AddRowErrors(string, int)                                            {}
func (noopRecorder) SetProgress(string, float64)                                         {}
func (noopRecorder) SetDestinationRows(string, int64)                                    {}

// Summary is the outcome of one job.
type Summary struct {
	Job             string `json:"job"`
	SourceID        string `json:"source_id"`
	Table           string `json:"table"`
	Strategy        string `json:"strategy"`
	TotalRows       int64  `json:"total_rows"`
	TotalChunks     int    `json:"total_chunks"`
	RowsImported    int64  `json:"rows_imported"`
	Duplicates      int64  `json:"duplicates"`
	RowErrors       int    `json:"row_errors"`
	Rejected        int    `json:"rejected"`
	ChunksCommitted int    `json:"chunks_committed"`
	ChunksFailed    int    `json:"chunks_failed"`
	ChunksSkipped   int    `json:"chunks_skipped"`
	// LedgerRows is the row total of chunks committed before this run.
	LedgerRows      int64         `json:"ledger_rows"`
	DestinationRows int64         `json:"destination_rows"`
	Remaining       int64         `json:"remaining"`
	Elapsed         time.Duration `json:"elapsed"`
	DryRun          bool          `json:"dry_run"`
}

// RowsPerSecond is the session throughput.
func (s *Summary) RowsPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.RowsImported) / s.Elapsed.Seconds()
}

// Partial reports whether some planned chunk was dead-lettered.
func (s *Summary) Partial() bool {
	return s.ChunksFailed > 0
}
