package pgdb

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	mockConn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockConn.Close() })
	return &DB{conn: mockConn}, mock
}

func TestPingRunsSelectOne(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	require.NoError(t, db.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPingSurfacesDriverError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT 1").WillReturnError(sqlmock.ErrCancelled)

	require.Error(t, db.Ping(context.Background()))
}

func TestExecuteCommandRunsStatement(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(`INSERT INTO "users"`).WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, db.ExecuteCommand(context.Background(), `INSERT INTO "users" ("id") VALUES (1);`))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteQueryAndGetResultMaterializesRows(t *testing.T) {
	db, mock := newMockDB(t)
	rows := sqlmock.NewRows([]string{"id", "name"}).
		AddRow("1", "Ada").
		AddRow("2", nil)
	mock.ExpectQuery(`SELECT \* FROM "users"`).WillReturnRows(rows)

	result, err := db.ExecuteQueryAndGetResult(context.Background(), `SELECT * FROM "users";`)
	require.NoError(t, err)
	require.Equal(t, []Row{
		{"id": "1", "name": "Ada"},
		{"id": "2"},
	}, result)
}

func TestEscapeStringDoublesSingleQuotes(t *testing.T) {
	require.Equal(t, "it''s", EscapeString("it's"))
}

func TestBeginCommitRollback(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "t"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Exec(context.Background(), `INSERT INTO "t" ("a") VALUES (1);`))
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginExecRollbackOnFailure(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("NOT VALID SQL").WillReturnError(sqlmock.ErrCancelled)
	mock.ExpectRollback()

	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	require.Error(t, tx.Exec(context.Background(), "NOT VALID SQL"))
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}
