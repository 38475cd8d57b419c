package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Ledger is the state of one (source, table) pair at the start of a run.
type Ledger struct {
	Committed map[int]*ChunkRecord
	Failed    map[int]*ChunkRecord
}

// Empty reports whether no chunk of the pair was ever recorded.
func (l *Ledger) Empty() bool {
	return len(l.Committed) == 0 && len(l.Failed) == 0
}

// CommittedRows sums the rows of committed chunks.
func (l *Ledger) CommittedRows() int64 {
	var total int64
	for _, r := range l.Committed {
		total += r.Rows
	}
	return total
}

type Manager struct {
	storage  Storage
	logger   *zap.Logger
	runID    string
	mu       sync.Mutex
	attempts map[string]int
}

func NewManager(storage Storage, runID string, logger *zap.Logger) *Manager {
	return &Manager{
		storage:  storage,
		logger:   logger,
		runID:    runID,
		attempts: make(map[string]int),
	}
}

// HealthCheck verifies the ledger storage answers before a load starts.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.storage.HealthCheck(ctx); err != nil {
		return fmt.Errorf("chunk ledger unavailable: %w", err)
	}
	return nil
}

// Load reads the ledger of the pair and remembers attempt counts so that
// later failures increment them.
func (m *Manager) Load(ctx context.Context, sourceID, targetTable string) (*Ledger, error) {
	records, err := m.storage.ListChunks(ctx, sourceID, targetTable)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	ledger := &Ledger{
		Committed: make(map[int]*ChunkRecord),
		Failed:    make(map[int]*ChunkRecord),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.attempts[key(sourceID, targetTable, r.ChunkIndex)] = r.Attempts
		switch r.Status {
		case StatusCommitted:
			ledger.Committed[r.ChunkIndex] = r
		case StatusFailed:
			ledger.Failed[r.ChunkIndex] = r
		default:
			m.logger.Warn("Ignoring ledger record with unknown status",
				zap.Int("chunk", r.ChunkIndex),
				zap.String("status", r.Status))
		}
	}

	if len(records) > 0 {
		m.logger.Info("Ledger loaded",
			zap.String("source_id", sourceID),
			zap.String("table", targetTable),
			zap.Int("committed", len(ledger.Committed)),
			zap.Int("failed", len(ledger.Failed)))
	}
	return ledger, nil
}

// NextAttempt returns the attempt number for the chunk's next write.
func (m *Manager) NextAttempt(sourceID, targetTable string, chunk int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[key(sourceID, targetTable, chunk)] + 1
}

// NewRecord returns the committed record for the chunk's next write. The
// destination fills in Rows and Duplicates.
func (m *Manager) NewRecord(sourceID, targetTable string, chunk int) *ChunkRecord {
	return &ChunkRecord{
		SourceID:    sourceID,
		TargetTable: targetTable,
		ChunkIndex:  chunk,
		Status:      StatusCommitted,
		Attempts:    m.NextAttempt(sourceID, targetTable, chunk),
		RunID:       m.runID,
		UpdatedAt:   time.Now().UTC(),
	}
}

// Committed saves a record for destinations whose data writes cannot carry it.
func (m *Manager) Committed(ctx context.Context, record *ChunkRecord) error {
	record.Status = StatusCommitted
	record.LastError = ""
	return m.save(ctx, record)
}

// Track notes a record that the destination already saved in its own
// transaction.
func (m *Manager) Track(record *ChunkRecord) {
	m.mu.Lock()
	m.attempts[key(record.SourceID, record.TargetTable, record.ChunkIndex)] = record.Attempts
	m.mu.Unlock()
}

// RecordFailure writes the dead letter for a chunk.
func (m *Manager) RecordFailure(ctx context.Context, sourceID, targetTable string, chunk int, cause error) error {
	record := &ChunkRecord{
		SourceID:    sourceID,
		TargetTable: targetTable,
		ChunkIndex:  chunk,
		Status:      StatusFailed,
		Attempts:    m.NextAttempt(sourceID, targetTable, chunk),
		LastError:   truncate(cause.Error(), 2000),
	}
	if err := m.save(ctx, record); err != nil {
		return err
	}

	m.logger.Warn("Chunk dead-lettered",
		zap.String("source_id", sourceID),
		zap.String("table", targetTable),
		zap.Int("chunk", chunk),
		zap.Int("attempts", record.Attempts))
	return nil
}

// Reset drops every record of the pair.
func (m *Manager) Reset(ctx context.Context, sourceID, targetTable string) error {
	if err := m.storage.DeleteChunks(ctx, sourceID, targetTable); err != nil {
		return err
	}

	m.mu.Lock()
	for k := range m.attempts {
		delete(m.attempts, k)
	}
	m.mu.Unlock()

	m.logger.Info("Ledger cleared",
		zap.String("source_id", sourceID),
		zap.String("table", targetTable))
	return nil
}

func (m *Manager) save(ctx context.Context, record *ChunkRecord) error {
	record.RunID = m.runID
	record.UpdatedAt = time.Now().UTC()
	if err := m.storage.SaveChunk(ctx, record); err != nil {
		return err
	}
	m.Track(record)
	return nil
}

func key(sourceID, targetTable string, chunk int) string {
	return fmt.Sprintf("%s|%s|%d", sourceID, targetTable, chunk)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
