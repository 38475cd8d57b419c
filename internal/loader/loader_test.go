package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philippevezina/table-loader/internal/common"
	"github.com/philippevezina/table-loader/internal/config"
	"github.com/philippevezina/table-loader/internal/schema"
	"github.com/philippevezina/table-loader/internal/source"
	"github.com/philippevezina/table-loader/internal/state"
)

type memStorage struct {
	mu        sync.Mutex
	records   map[string]*state.ChunkRecord
	healthErr error
}

func newMemStorage() *memStorage {
	return &memStorage{records: make(map[string]*state.ChunkRecord)}
}

func memKey(sourceID, table string, idx int) string {
	return fmt.Sprintf("%s|%s|%d", sourceID, table, idx)
}

func (s *memStorage) Initialize(context.Context) error  { return nil }
func (s *memStorage) HealthCheck(context.Context) error { return s.healthErr }

func (s *memStorage) ListChunks(_ context.Context, sourceID, table string) ([]*state.ChunkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*state.ChunkRecord
	for _, r := range s.records {
		if r.SourceID == sourceID && r.TargetTable == table {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStorage) SaveChunk(_ context.Context, r *state.ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.records[memKey(r.SourceID, r.TargetTable, r.ChunkIndex)] = &cp
	return nil
}

func (s *memStorage) DeleteChunks(_ context.Context, sourceID, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.records {
		if r.SourceID == sourceID && r.TargetTable == table {
			delete(s.records, k)
		}
	}
	return nil
}

func (s *memStorage) byStatus(status string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, r := range s.records {
		if r.Status == status {
			out = append(out, r.ChunkIndex)
		}
	}
	return out
}

func (s *memStorage) get(idx int) *state.ChunkRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ChunkIndex == idx {
			return r
		}
	}
	return nil
}

type fakeDestination struct {
	storage    *memStorage
	ledgerInTx bool
	prepareErr error
	failOn     map[int]error

	rows     [][]any
	writes   []int
	prepared bool
	released bool
}

func newFakeDestination(storage *memStorage) *fakeDestination {
	return &fakeDestination{storage: storage, ledgerInTx: true, failOn: map[int]error{}}
}

func (d *fakeDestination) Kind() string { return "fake" }

func (d *fakeDestination) Prepare(_ context.Context, t *schema.Table) error {
	if d.prepareErr != nil {
		return d.prepareErr
	}
	if t.Create == config.CreateRecreate {
		d.rows = nil
	}
	d.prepared = true
	return nil
}

func (d *fakeDestination) Ledger() state.Storage { return d.storage }
func (d *fakeDestination) LedgerInTx() bool      { return d.ledgerInTx }

func (d *fakeDestination) RowCount(context.Context) (int64, error) {
	return int64(len(d.rows)), nil
}

func (d *fakeDestination) WriteChunk(ctx context.Context, batch *common.ChunkBatch, record *state.ChunkRecord) (*common.WriteResult, error) {
	if err := d.failOn[batch.Index]; err != nil {
		return nil, err
	}
	d.writes = append(d.writes, batch.Index)
	d.rows = append(d.rows, batch.Rows...)
	record.Rows = int64(len(batch.Rows))
	if d.ledgerInTx {
		if err := d.storage.SaveChunk(ctx, record); err != nil {
			return nil, err
		}
	}
	return &common.WriteResult{
		Inserted: int64(len(batch.Rows)),
		Method:   common.LoadMethodInsert,
		Duration: time.Millisecond,
	}, nil
}

func (d *fakeDestination) Release(context.Context) error {
	d.released = true
	return nil
}

func boolPtr(b bool) *bool { return &b }

// writeCSV writes a header and n rows "i,name_i,i.5".
func writeCSV(t *testing.T, n int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("id,name,score\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "%d,name_%d,%d.5\n", i, i, i)
	}
	path := filepath.Join(t.TempDir(), "people.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func testJob(path string, chunkSize int) config.JobConfig {
	return config.JobConfig{
		Name:   "people",
		Resume: config.ResumeLedger,
		Source: config.SourceConfig{Path: path, ChunkSize: chunkSize, SourceID: "people-v1"},
		Table: config.TableConfig{
			Name:   "people",
			Create: config.CreateIfNotExists,
			Columns: []config.ColumnConfig{
				{Name: "id", Type: "int", Nullable: boolPtr(false)},
				{Name: "name", Type: "varchar(32)"},
				{Name: "score", Type: "double"},
			},
		},
	}
}

func testOptions() Options {
	return Options{Database: "analytics", MaxRowErrors: 100, RunID: "run-1"}
}

func TestEstimateResumePoint(t *testing.T) {
	boundaries := []int64{100, 100, 50}
	tests := []struct {
		name     string
		destRows int64
		want     int
	}{
		{name: "partial second chunk", destRows: 150, want: 1},
		{name: "empty destination", destRows: 0, want: 0},
		{name: "negative count", destRows: -3, want: 0},
		{name: "exact first chunk", destRows: 100, want: 1},
		{name: "one short of two chunks", destRows: 199, want: 1},
		{name: "exact two chunks", destRows: 200, want: 2},
		{name: "everything", destRows: 250, want: 3},
		{name: "more than source", destRows: 1000, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateResumePoint(tt.destRows, boundaries)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, EstimateResumePoint(tt.destRows, boundaries))
		})
	}

	assert.Equal(t, 0, EstimateResumePoint(10, nil))
}

func TestPlanFromSkip(t *testing.T) {
	p := PlanFromSkip(1, 3)
	assert.Equal(t, []int{1, 2}, p.Chunks)
	assert.Equal(t, 1, p.Skipped)

	p = PlanFromSkip(5, 3)
	assert.Empty(t, p.Chunks)
	assert.Equal(t, 3, p.Skipped)

	p = PlanFromSkip(-1, 2)
	assert.Equal(t, []int{0, 1}, p.Chunks)
}

func TestPlanFromLedger(t *testing.T) {
	ledger := &state.Ledger{
		Committed: map[int]*state.ChunkRecord{0: {}, 2: {}},
		Failed:    map[int]*state.ChunkRecord{3: {}, 1: {}, 9: {}},
	}

	p := PlanFromLedger(ledger, 5, false)
	assert.Equal(t, []int{1, 3, 4}, p.Chunks)
	assert.Equal(t, 2, p.Skipped)
	assert.Equal(t, config.ResumeLedger, p.Strategy)

	p = PlanFromLedger(ledger, 5, true)
	assert.Equal(t, []int{1, 3}, p.Chunks, "failed chunks outside the layout are ignored")
	assert.Equal(t, 3, p.Skipped)
}

func TestRunLoadsAllChunks(t *testing.T) {
	storage := newMemStorage()
	dest := newFakeDestination(storage)
	l := New(testJob(writeCSV(t, 5), 2), testOptions(), dest, nil, nil, zap.NewNop())

	summary, err := l.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, dest.prepared)
	assert.True(t, dest.released)
	assert.Equal(t, []int{0, 1, 2}, dest.writes)
	assert.Equal(t, int64(5), summary.TotalRows)
	assert.Equal(t, 3, summary.TotalChunks)
	assert.Equal(t, int64(5), summary.RowsImported)
	assert.Equal(t, 3, summary.ChunksCommitted)
	assert.Equal(t, 0, summary.ChunksFailed)
	assert.Equal(t, int64(5), summary.DestinationRows)
	assert.Equal(t, int64(0), summary.Remaining)
	assert.Equal(t, "analytics.people", summary.Table)
	assert.ElementsMatch(t, []int{0, 1, 2}, storage.byStatus(state.StatusCommitted))

	assert.Equal(t, []any{int64(1), "name_1", 1.5}, dest.rows[0])
}

func TestRunResumesFromLedger(t *testing.T) {
	storage := newMemStorage()
	dest := newFakeDestination(storage)
	path := writeCSV(t, 5)

	_, err := New(testJob(path, 2), testOptions(), dest, nil, nil, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)

	summary, err := New(testJob(path, 2), testOptions(), dest, nil, nil, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.RowsImported)
	assert.Equal(t, 3, summary.ChunksSkipped)
	assert.Equal(t, int64(5), summary.LedgerRows)
	assert.Len(t, dest.rows, 5)
}

func TestRunFailsWhenLedgerUnavailable(t *testing.T) {
	storage := newMemStorage()
	storage.healthErr = errors.New("table_loader_chunks: access denied")
	dest := newFakeDestination(storage)

	_, err := New(testJob(writeCSV(t, 3), 2), testOptions(), dest, nil, nil, zap.NewNop()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk ledger unavailable")
	assert.Empty(t, dest.writes)
	assert.True(t, dest.released)
}

func TestRunDeadLettersFailedChunk(t *testing.T) {
	storage := newMemStorage()
	dest := newFakeDestination(storage)
	dest.failOn[1] = errors.New("connection reset")
	path := writeCSV(t, 5)

	summary, err := New(testJob(path, 2), testOptions(), dest, nil, nil, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Partial())
	assert.Equal(t, 1, summary.ChunksFailed)
	assert.Equal(t, 2, summary.ChunksCommitted)
	assert.Equal(t, int64(3), summary.RowsImported)
	assert.Equal(t, []int{0, 2}, dest.writes)

	failed := storage.get(1)
	require.NotNil(t, failed)
	assert.Equal(t, state.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Contains(t, failed.LastError, "connection reset")

	delete(dest.failOn, 1)
	dest.writes = nil
	opts := testOptions()
	opts.OnlyFailed = true
	summary, err = New(testJob(path, 2), opts, dest, nil, nil, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, dest.writes)
	assert.Equal(t, int64(2), summary.RowsImported)
	assert.False(t, summary.Partial())

	retried := storage.get(1)
	assert.Equal(t, state.StatusCommitted, retried.Status)
	assert.Equal(t, 2, retried.Attempts)
	assert.Len(t, dest.rows, 5)
}

func TestRunLedgerFallsBackToRowCount(t *testing.T) {
	storage := newMemStorage()
	dest := newFakeDestination(storage)
	dest.rows = [][]any{{int64(1)}, {int64(2)}, {int64(3)}}

	summary, err := New(testJob(writeCSV(t, 5), 2), testOptions(), dest, nil, nil, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.ResumeRowCount, summary.Strategy)
	assert.Equal(t, 1, summary.ChunksSkipped)
	assert.Equal(t, []int{1, 2}, dest.writes, "the partially loaded second chunk is loaded again")
}

func TestRunRowCountStrategy(t *testing.T) {
	storage := newMemStorage()
	dest := newFakeDestination(storage)
	dest.rows = [][]any{{int64(1)}, {int64(2)}, {int64(3)}, {int64(4)}}

	job := testJob(writeCSV(t, 5), 2)
	job.Resume = config.ResumeRowCount
	summary, err := New(job, testOptions(), dest, nil, nil, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2}, dest.writes)
	assert.Equal(t, int64(1), summary.RowsImported)
}

func TestRunRecreateClearsLedger(t *testing.T) {
	storage := newMemStorage()
	dest := newFakeDestination(storage)
	path := writeCSV(t, 4)

	_, err := New(testJob(path, 2), testOptions(), dest, nil, nil, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)

	job := testJob(path, 2)
	job.Table.Create = config.CreateRecreate
	dest.writes = nil
	summary, err := New(job, testOptions(), dest, nil, nil, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, dest.writes)
	assert.Equal(t, int64(4), summary.DestinationRows)
	assert.Equal(t, 1, storage.get(0).Attempts)
}

func TestRunSavesLedgerAfterWriteWhenNotTransactional(t *testing.T) {
	storage := newMemStorage()
	dest := newFakeDestination(storage)
	dest.ledgerInTx = false

	_, err := New(testJob(writeCSV(t, 3), 2), testOptions(), dest, nil, nil, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)

	rec := storage.get(1)
	require.NotNil(t, rec)
	assert.Equal(t, state.StatusCommitted, rec.Status)
	assert.Equal(t, int64(1), rec.Rows)
	assert.Equal(t, "run-1", rec.RunID)
}

func TestRunCircuitBreaker(t *testing.T) {
	csv := "id,name,score\n1,a,x\n2,b,y\n3,c,4.5\n"
	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	storage := newMemStorage()
	dest := newFakeDestination(storage)
	opts := testOptions()
	opts.MaxRowErrors = 1

	summary, err := New(testJob(path, 10), opts, dest, nil, nil, zap.NewNop()).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooManyRowErrors))
	assert.Empty(t, dest.writes, "the offending chunk is not written")
	assert.Equal(t, 2, summary.RowErrors)
	assert.True(t, dest.released)
}

func TestRunCircuitBreakerDisabled(t *testing.T) {
	csv := "id,name,score\n1,a,x\n2,b,y\n,c,4.5\n"
	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	dest := newFakeDestination(newMemStorage())
	opts := testOptions()
	opts.MaxRowErrors = 0

	summary, err := New(testJob(path, 10), opts, dest, nil, nil, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.RowErrors)
	assert.Equal(t, 1, summary.Rejected, "null id in a NOT NULL column")
	assert.Equal(t, int64(2), summary.RowsImported)
	assert.Equal(t, []any{int64(1), "a", nil}, dest.rows[0])
}

func TestRunMissingSource(t *testing.T) {
	dest := newFakeDestination(newMemStorage())
	job := testJob(filepath.Join(t.TempDir(), "missing.csv"), 2)

	_, err := New(job, testOptions(), dest, nil, nil, zap.NewNop()).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, source.ErrSourceUnreadable))
	assert.False(t, dest.prepared)
}

func TestRunMissingRequiredColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.csv")
	require.NoError(t, os.WriteFile(path, []byte("name,score\na,1\n"), 0o644))

	dest := newFakeDestination(newMemStorage())
	_, err := New(testJob(path, 2), testOptions(), dest, nil, nil, zap.NewNop()).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, schema.ErrMissingColumn))
	assert.False(t, dest.prepared)
}

func TestRunReleasesAfterFailedPrepare(t *testing.T) {
	dest := newFakeDestination(newMemStorage())
	dest.prepareErr = errors.New("lock held")

	_, err := New(testJob(writeCSV(t, 2), 2), testOptions(), dest, nil, nil, zap.NewNop()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock held")
	assert.True(t, dest.released)
}

func TestRunDryRunWritesNothing(t *testing.T) {
	opts := testOptions()
	opts.DryRun = true

	summary, err := New(testJob(writeCSV(t, 5), 2), opts, nil, nil, nil, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.DryRun)
	assert.Equal(t, int64(5), summary.RowsImported)
	assert.Equal(t, 3, summary.ChunksCommitted)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	dest := newFakeDestination(newMemStorage())
	l := New(testJob(writeCSV(t, 5), 2), testOptions(), dest, nil, nil, zap.NewNop())

	src, err := source.Open(l.job.Source)
	require.NoError(t, err)
	defer src.Close()
	layout, err := l.Inspect(context.Background(), src)
	require.NoError(t, err)
	require.NoError(t, l.resolve(layout))
	l.summary = &Summary{}
	l.state = state.NewManager(dest.Ledger(), "run-1", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	imported, err := l.Load(ctx, src, layout, PlanFromSkip(0, len(layout.Boundaries)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), imported)
	assert.Empty(t, dest.writes)
}

func TestLoadAfterReleaseFails(t *testing.T) {
	dest := newFakeDestination(newMemStorage())
	path := writeCSV(t, 3)
	l := New(testJob(path, 2), testOptions(), dest, nil, nil, zap.NewNop())
	_, err := l.Run(context.Background())
	require.NoError(t, err)
	require.True(t, dest.released)

	src, err := source.Open(l.job.Source)
	require.NoError(t, err)
	defer src.Close()
	layout, err := l.Inspect(context.Background(), src)
	require.NoError(t, err)

	var imported int64
	require.NotPanics(t, func() {
		imported, err = l.Load(context.Background(), src, layout, PlanFromSkip(0, len(layout.Boundaries)))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no prepared destination")
	assert.Equal(t, int64(0), imported)
	assert.Equal(t, []int{0, 1}, dest.writes)
}
