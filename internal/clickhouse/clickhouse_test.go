package clickhouse

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philippevezina/table-loader/internal/common"
	"github.com/philippevezina/table-loader/internal/config"
	"github.com/philippevezina/table-loader/internal/schema"
	"github.com/philippevezina/table-loader/internal/state"
)

func boolPtr(b bool) *bool { return &b }

func newTestDestination(t *testing.T, create string) (*Destination, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	client := NewClient(db, "analytics", zap.NewNop())
	d := NewDestination(client, config.LoadConfig{InsertBatchSize: 2}, config.StateConfig{}, zap.NewNop())

	tbl, err := schema.FromConfig("", config.TableConfig{
		Name:   "votes",
		Create: create,
		Columns: []config.ColumnConfig{
			{Name: "account", Type: "varchar(16)", Nullable: boolPtr(false)},
			{Name: "rank", Type: "int"},
		},
	})
	require.NoError(t, err)

	if create == config.CreateIfNotExists {
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `analytics`.`votes`")).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `analytics`.`table_loader_chunks`")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, d.Prepare(context.Background(), tbl))
	return d, mock
}

func TestPrepareUsesClientDatabase(t *testing.T) {
	d, mock := newTestDestination(t, config.CreateIfNotExists)
	assert.Equal(t, "analytics", d.table.Database)
	assert.Equal(t, "`analytics`.`votes`", d.qualified)
	assert.False(t, d.LedgerInTx())
	assert.NotNil(t, d.Ledger())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteChunkNativeBatch(t *testing.T) {
	d, mock := newTestDestination(t, config.CreateIfNotExists)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO `analytics`.`votes` (`account`, `rank`)"))
	prep.ExpectExec().WithArgs("a1", int32(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("a2", nil).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	record := &state.ChunkRecord{}
	res, err := d.WriteChunk(context.Background(), &common.ChunkBatch{
		Rows: [][]any{{"a1", int64(1)}, {"a2", nil}},
	}, record)
	require.NoError(t, err)
	assert.Equal(t, common.LoadMethodBatch, res.Method)
	assert.Equal(t, int64(2), res.Inserted)
	assert.Zero(t, res.Duplicates)
	assert.Equal(t, int64(2), record.Rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteChunkFallsBackToValues(t *testing.T) {
	d, mock := newTestDestination(t, config.CreateIfNotExists)

	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO")).WillReturnError(errors.New("code: 60, table does not exist"))
	mock.ExpectRollback()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `analytics`.`votes` (`account`, `rank`) VALUES (?, ?), (?, ?)")).
		WithArgs("a1", int32(1), "a2", int32(2)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `analytics`.`votes` (`account`, `rank`) VALUES (?, ?)")).
		WithArgs("a3", int32(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := d.WriteChunk(context.Background(), &common.ChunkBatch{
		Rows: [][]any{{"a1", int64(1)}, {"a2", int64(2)}, {"a3", int64(3)}},
	}, &state.ChunkRecord{})
	require.NoError(t, err)
	assert.Equal(t, common.LoadMethodInsert, res.Method)
	assert.Equal(t, int64(3), res.Inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRowCount(t *testing.T) {
	d, mock := newTestDestination(t, config.CreateIfNotExists)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT count() FROM `analytics`.`votes`")).
		WillReturnRows(sqlmock.NewRows([]string{"count()"}).AddRow(150))

	n, err := d.RowCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(150), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConvertValue(t *testing.T) {
	assert.Equal(t, int32(7), convertValue(schema.ColumnType{Kind: schema.KindInt}, int64(7)))
	assert.Equal(t, int8(-1), convertValue(schema.ColumnType{Kind: schema.KindTinyInt}, int64(-1)))
	assert.Equal(t, float32(1.5), convertValue(schema.ColumnType{Kind: schema.KindFloat}, 1.5))
	assert.Equal(t, int64(7), convertValue(schema.ColumnType{Kind: schema.KindBigInt}, int64(7)))
	assert.Nil(t, convertValue(schema.ColumnType{Kind: schema.KindInt}, nil))
}
