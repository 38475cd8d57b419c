package mysql

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philippevezina/table-loader/internal/common"
	"github.com/philippevezina/table-loader/internal/config"
	"github.com/philippevezina/table-loader/internal/schema"
	"github.com/philippevezina/table-loader/internal/state"
)

var (
	dupErr        = &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry 'a3' for key 'uq_votes'"}
	notAllowedErr = &mysqldriver.MySQLError{Number: 1148, Message: "The used command is not allowed with this MySQL version"}
	ledgerInsert  = regexp.QuoteMeta("INSERT INTO `analytics`.`table_loader_chunks`")
)

func boolPtr(b bool) *bool { return &b }

func votesTable(t *testing.T) *schema.Table {
	t.Helper()
	tbl, err := schema.FromConfig("analytics", config.TableConfig{
		Name:      "votes",
		UniqueKey: []string{"account"},
		Columns: []config.ColumnConfig{
			{Name: "account", Type: "varchar(16)", Nullable: boolPtr(false)},
			{Name: "score", Type: "double"},
		},
	})
	require.NoError(t, err)
	return tbl
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// preparedDestination builds a destination as Prepare would leave it,
// without the pre-flight queries.
func preparedDestination(t *testing.T, db *sql.DB, bulk bool) *Destination {
	t.Helper()
	d := NewDestination(db, &config.MySQLConfig{}, config.LoadConfig{InsertBatchSize: 5000, TempDir: t.TempDir()},
		config.StateConfig{}, zap.NewNop())

	tbl := votesTable(t)
	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	ledger, err := state.NewMySQLStorage(conn, "analytics", "", zap.NewNop())
	require.NoError(t, err)

	d.conn, d.ledger, d.table = conn, ledger, tbl
	d.qualified = "`analytics`.`votes`"
	d.columnList = "`account`, `score`"
	d.types = []schema.ColumnType{tbl.Columns[0].Type, tbl.Columns[1].Type}
	d.bulkEnabled = bulk
	return d
}

func fiveRows() [][]any {
	return [][]any{
		{"a1", 0.1},
		{"a2", 0.2},
		{"a3", nil},
		{"a4", 0.4},
		{"a5", 0.5},
	}
}

func singleInsert() string {
	return regexp.QuoteMeta("INSERT INTO `analytics`.`votes` (`account`, `score`) VALUES (?, ?)") + "$"
}

func TestWriteChunkDuplicateRetriesRowByRow(t *testing.T) {
	db, mock := newMock(t)
	d := preparedDestination(t, db, false)
	rows := fiveRows()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `analytics`.`votes` (`account`, `score`) VALUES (?, ?), (?, ?), (?, ?), (?, ?), (?, ?)")).
		WillReturnError(dupErr)
	for i, row := range rows {
		args := make([]driver.Value, len(row))
		for j, v := range row {
			args[j] = v
		}
		e := mock.ExpectExec(singleInsert()).WithArgs(args...)
		if i == 2 {
			e.WillReturnError(dupErr)
			continue
		}
		e.WillReturnResult(sqlmock.NewResult(int64(i+1), 1))
	}
	mock.ExpectExec(ledgerInsert).
		WithArgs("src", "analytics.votes", 0, state.StatusCommitted, int64(4), int64(1), 1, nil, "run-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	record := &state.ChunkRecord{SourceID: "src", TargetTable: "analytics.votes", Status: state.StatusCommitted, Attempts: 1, RunID: "run-1"}
	res, err := d.WriteChunk(context.Background(), &common.ChunkBatch{Index: 0, Rows: rows}, record)
	require.NoError(t, err)

	assert.Equal(t, int64(4), res.Inserted)
	assert.Equal(t, int64(1), res.Duplicates)
	assert.Equal(t, common.LoadMethodInsert, res.Method)
	assert.Equal(t, int64(4), record.Rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteChunkLoadData(t *testing.T) {
	db, mock := newMock(t)
	d := preparedDestination(t, db, true)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("LOAD DATA LOCAL INFILE '" + d.tempDir)).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(ledgerInsert).
		WithArgs("src", "analytics.votes", 2, state.StatusCommitted, int64(4), int64(1), 1, nil, "run-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	record := &state.ChunkRecord{SourceID: "src", TargetTable: "analytics.votes", ChunkIndex: 2, Attempts: 1, RunID: "run-1"}
	res, err := d.WriteChunk(context.Background(), &common.ChunkBatch{Index: 2, Rows: fiveRows()}, record)
	require.NoError(t, err)

	assert.Equal(t, common.LoadMethodLoadData, res.Method)
	assert.Equal(t, int64(4), res.Inserted)
	assert.Equal(t, int64(1), res.Duplicates)
	require.NoError(t, mock.ExpectationsWereMet())

	entries, err := os.ReadDir(d.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file is removed")
}

func TestWriteChunkFallsBackWhenLoadDataRefused(t *testing.T) {
	db, mock := newMock(t)
	d := preparedDestination(t, db, true)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("LOAD DATA LOCAL INFILE")).WillReturnError(notAllowedErr)
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `analytics`.`votes`")).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(ledgerInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	record := &state.ChunkRecord{SourceID: "src", TargetTable: "analytics.votes", Attempts: 1, RunID: "run-1"}
	res, err := d.WriteChunk(context.Background(), &common.ChunkBatch{Rows: fiveRows()}, record)
	require.NoError(t, err)

	assert.Equal(t, common.LoadMethodInsert, res.Method)
	assert.Equal(t, int64(5), res.Inserted)
	assert.False(t, d.bulkEnabled, "bulk path stays disabled for the run")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteChunkRollsBackOnFailure(t *testing.T) {
	db, mock := newMock(t)
	d := preparedDestination(t, db, false)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `analytics`.`votes`")).
		WillReturnError(&mysqldriver.MySQLError{Number: 1406, Message: "Data too long"})
	mock.ExpectRollback()

	record := &state.ChunkRecord{SourceID: "src", TargetTable: "analytics.votes", Attempts: 1, RunID: "run-1"}
	_, err := d.WriteChunk(context.Background(), &common.ChunkBatch{Rows: fiveRows()}, record)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteChunkDeadlockFailsChunk(t *testing.T) {
	db, mock := newMock(t)
	d := preparedDestination(t, db, false)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `analytics`.`votes`")).
		WillReturnError(&mysqldriver.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"})
	mock.ExpectRollback()

	record := &state.ChunkRecord{SourceID: "src", TargetTable: "analytics.votes", Attempts: 1, RunID: "run-1"}
	_, err := d.WriteChunk(context.Background(), &common.ChunkBatch{Rows: fiveRows()}, record)
	require.Error(t, err)
	// A second attempt would surface sqlmock's unexpected Begin instead.
	assert.True(t, IsRetryable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPrepareAndRelease(t *testing.T) {
	db, mock := newMock(t)
	cfg := &config.MySQLConfig{
		BulkLoad:         config.BulkLoadAuto,
		LockTimeout:      5 * time.Second,
		SessionVariables: map[string]string{"foreign_key_checks": "0", "sql_log_bin": ""},
	}
	d := NewDestination(db, cfg, config.LoadConfig{InsertBatchSize: 5000}, config.StateConfig{}, zap.NewNop())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT @@SESSION.foreign_key_checks")).
		WillReturnRows(sqlmock.NewRows([]string{"@@SESSION.foreign_key_checks"}).AddRow("1"))
	mock.ExpectExec(regexp.QuoteMeta("SET SESSION foreign_key_checks = 0")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT GET_LOCK(?, ?)")).
		WithArgs("table-loader:analytics.votes", 5).
		WillReturnRows(sqlmock.NewRows([]string{"lock"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM information_schema.columns")).
		WithArgs("analytics", "votes").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable"}).
			AddRow("account", "varchar", "NO").
			AddRow("score", "double", "YES"))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `analytics`.`table_loader_chunks`")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SHOW VARIABLES LIKE 'local_infile'")).
		WillReturnRows(sqlmock.NewRows([]string{"Variable_name", "Value"}).AddRow("local_infile", "OFF"))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT RELEASE_LOCK(?)")).
		WithArgs("table-loader:analytics.votes").
		WillReturnRows(sqlmock.NewRows([]string{"released"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("SET SESSION foreign_key_checks = 1")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, d.Prepare(context.Background(), votesTable(t)))
	assert.False(t, d.bulkEnabled)
	assert.NotNil(t, d.Ledger())
	require.NoError(t, d.Release(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPrepareLockHeld(t *testing.T) {
	db, mock := newMock(t)
	cfg := &config.MySQLConfig{LockTimeout: time.Second}
	d := NewDestination(db, cfg, config.LoadConfig{}, config.StateConfig{}, zap.NewNop())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT GET_LOCK(?, ?)")).
		WillReturnRows(sqlmock.NewRows([]string{"lock"}).AddRow(0))

	err := d.Prepare(context.Background(), votesTable(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockNotAcquired))

	require.NoError(t, d.Release(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRestoredAfterPartialApply(t *testing.T) {
	db, mock := newMock(t)
	conn, err := db.Conn(context.Background())
	require.NoError(t, err)

	s, err := NewSession(conn, map[string]string{"foreign_key_checks": "0", "unique_checks": "0"}, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT @@SESSION.foreign_key_checks")).
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow("1"))
	mock.ExpectExec(regexp.QuoteMeta("SET SESSION foreign_key_checks = 0")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT @@SESSION.unique_checks")).
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow("1"))
	mock.ExpectExec(regexp.QuoteMeta("SET SESSION unique_checks = 0")).
		WillReturnError(errors.New("access denied"))
	mock.ExpectExec(regexp.QuoteMeta("SET SESSION foreign_key_checks = 1")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.Error(t, s.Apply(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Restore(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSessionRejectsBadName(t *testing.T) {
	_, err := NewSession(nil, map[string]string{"x; DROP TABLE t": "1"}, zap.NewNop())
	require.Error(t, err)
}

func TestLiteral(t *testing.T) {
	assert.Equal(t, "0", literal("0"))
	assert.Equal(t, "268435456", literal("268435456"))
	assert.Equal(t, "ON", literal("ON"))
	assert.Equal(t, "'STRICT_TRANS_TABLES,NO_ZERO_DATE'", literal("STRICT_TRANS_TABLES,NO_ZERO_DATE"))
	assert.Equal(t, "''", literal(""))
}

func TestWriteField(t *testing.T) {
	path, err := writeTempFile(t.TempDir(), []schema.ColumnType{
		{Kind: schema.KindText}, {Kind: schema.KindDouble}, {Kind: schema.KindBool}, {Kind: schema.KindDate},
	}, [][]any{
		{`a"b`, nil, true, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{"x\\y\nz", 1.5, false, nil},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\"a\"\"b\",\\N,\"1\",\"2024-01-02\"\n\"x\\\\y\\nz\",\"1.5\",\"0\",\\N\n", string(data))
}

func TestEscapeField(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{in: "plain", want: "plain"},
		{in: `back\slash`, want: `back\\slash`},
		{in: `say "hi"`, want: `say ""hi""`},
		{in: "line\r\nbreak", want: `line\r\nbreak`},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		w := bufio.NewWriter(&buf)
		escapeField(w, tt.in)
		require.NoError(t, w.Flush())
		assert.Equal(t, tt.want, buf.String(), tt.in)
	}
}

func TestEffectiveBatchSize(t *testing.T) {
	assert.Equal(t, 5000, effectiveBatchSize(5000, 10))
	assert.Equal(t, 3276, effectiveBatchSize(5000, 20))
	assert.Equal(t, 21845, effectiveBatchSize(0, 3))
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("batch insert failed: %w", dupErr)
	assert.True(t, IsDuplicateKey(wrapped))
	assert.False(t, IsRetryable(wrapped))

	assert.True(t, IsRetryable(&mysqldriver.MySQLError{Number: 1213}))
	assert.True(t, IsRetryable(&mysqldriver.MySQLError{Number: 1205}))
	assert.True(t, IsNotAllowed(notAllowedErr))
	assert.True(t, IsNotAllowed(&mysqldriver.MySQLError{Number: 3948}))
	assert.False(t, IsDuplicateKey(errors.New("Duplicate entry")))
}

func TestLockName(t *testing.T) {
	assert.Equal(t, "table-loader:analytics.votes", lockName("analytics.votes"))

	long := lockName("a_very_long_database_name_for_testing.a_very_long_table_name_for_testing")
	assert.LessOrEqual(t, len(long), maxLockNameLength)
	assert.Equal(t, long, lockName("a_very_long_database_name_for_testing.a_very_long_table_name_for_testing"))
}
