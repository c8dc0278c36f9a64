package protocolstore

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanging-protocol-server/internal/domain"
)

func newMockBackend(t *testing.T) (*PostgresBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectPing()
	backend, err := NewPostgresBackend(db)
	require.NoError(t, err)
	return backend, mock
}

func TestNewPostgresBackend(t *testing.T) {
	t.Run("nil connection", func(t *testing.T) {
		_, err := NewPostgresBackend(nil)
		assert.Error(t, err)
	})

	t.Run("ping failure", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		_, err = NewPostgresBackend(db)
		assert.Error(t, err)
	})
}

func TestPostgresBackend_Save(t *testing.T) {
	backend, mock := newMockBackend(t)
	p := testProtocol("ct")
	p.Version = 3

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO protocol_versions")).
		WithArgs("ct", 3, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, backend.Save(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_SaveError(t *testing.T) {
	backend, mock := newMockBackend(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO protocol_versions")).
		WillReturnError(errors.New("duplicate key value violates unique constraint"))

	err := backend.Save(context.Background(), testProtocol("ct"))
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_List(t *testing.T) {
	backend, mock := newMockBackend(t)

	ct, err := encodeProtocol(testProtocol("ct"))
	require.NoError(t, err)
	mr, err := encodeProtocol(testProtocol("mr"))
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT v.document")).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(ct).AddRow(mr))

	list, err := backend.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ct", list[0].ID)
	assert.Equal(t, "mr", list[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_ListCorruptDocument(t *testing.T) {
	backend, mock := newMockBackend(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT v.document")).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow("{not json"))

	_, err := backend.List(context.Background())
	assert.Error(t, err)
}

func TestPostgresBackend_Versions(t *testing.T) {
	backend, mock := newMockBackend(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	doc, err := encodeProtocol(testProtocol("ct"))
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, document, created_at FROM protocol_versions")).
		WithArgs("ct").
		WillReturnRows(sqlmock.NewRows([]string{"version", "document", "created_at"}).
			AddRow(1, doc, created).
			AddRow(2, doc, created.Add(time.Hour)))

	versions, err := backend.Versions(context.Background(), "ct")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[1].Version)
	assert.Equal(t, created.Add(time.Hour), versions[1].CreatedAt)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, document, created_at FROM protocol_versions")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"version", "document", "created_at"}))

	_, err = backend.Versions(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrProtocolNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_Delete(t *testing.T) {
	backend, mock := newMockBackend(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM protocol_versions")).
		WithArgs("ct").
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, backend.Delete(context.Background(), "ct"))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM protocol_versions")).
		WithArgs("ct").
		WillReturnError(sql.ErrConnDone)

	assert.Error(t, backend.Delete(context.Background(), "ct"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
