package database

import (
	"context"
	stderrors "errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/outflow/outflow-backend/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T, lockTimeout time.Duration) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return Wrap(sqlDB, lockTimeout, logger.Nop()), mock
}

func TestTransaction_SetsLockTimeout(t *testing.T) {
	db, mock := newMockDB(t, 1500*time.Millisecond)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL lock_timeout = '1500ms'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE inventory_lots").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := db.Transaction(context.Background(), func(tx *sqlx.Tx) error {
		_, err := tx.Exec("UPDATE inventory_lots SET reserved_quantity = 1")
		return err
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransaction_NoLockTimeoutWhenZero(t *testing.T) {
	db, mock := newMockDB(t, 0)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := db.Transaction(context.Background(), func(tx *sqlx.Tx) error { return nil })

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t, time.Second)
	boom := stderrors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := db.Transaction(context.Background(), func(tx *sqlx.Tx) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadOnly_CommitsSnapshot(t *testing.T) {
	db, mock := newMockDB(t, time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectCommit()

	var n int
	err := db.ReadOnly(context.Background(), func(tx *sqlx.Tx) error {
		return tx.Get(&n, "SELECT 1")
	})

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMapPQError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantNil  bool
	}{
		{name: "lock not available", err: &pq.Error{Code: "55P03"}, wantCode: errors.CodeConflict},
		{name: "deadlock", err: &pq.Error{Code: "40P01"}, wantCode: errors.CodeConflict},
		{name: "serialization failure", err: &pq.Error{Code: "40001"}, wantCode: errors.CodeConflict},
		{name: "reserved check", err: &pq.Error{Code: "23514", Constraint: "inventory_lots_reserved_within_total"}, wantCode: errors.CodeValidation},
		{name: "ledger arithmetic", err: &pq.Error{Code: "23514", Constraint: "inventory_activity_log_ledger_arithmetic"}, wantCode: errors.CodeIntegrity},
		{name: "unknown check", err: &pq.Error{Code: "23514", Constraint: "something_else"}, wantCode: errors.CodeBadRequest},
		{name: "unique", err: &pq.Error{Code: "23505", Constraint: "orders_order_number_key"}, wantCode: errors.CodeConflict},
		{name: "foreign key", err: &pq.Error{Code: "23503"}, wantCode: errors.CodeBadRequest},
		{name: "append-only trigger", err: &pq.Error{Code: "P0001", Message: "inventory_activity_log is append-only"}, wantCode: errors.CodeIntegrity},
		{name: "unmapped code", err: &pq.Error{Code: "42P01"}, wantNil: true},
		{name: "not a pq error", err: stderrors.New("plain"), wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapPQError(tt.err)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantCode, got.Code)
		})
	}
}

func TestMapError(t *testing.T) {
	t.Run("wrapped lock timeout becomes retryable conflict", func(t *testing.T) {
		wrapped := stderrors.Join(stderrors.New("lock order"), &pq.Error{Code: "55P03"})
		err := MapError(wrapped, "allocate")
		assert.True(t, errors.IsRetryable(err))
	})

	t.Run("app errors pass through", func(t *testing.T) {
		in := errors.NotFound("order")
		assert.Same(t, in, MapError(in, "allocate"))
	})

	t.Run("unknown errors become internal", func(t *testing.T) {
		err := MapError(stderrors.New("disk on fire"), "allocate")
		var appErr *errors.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, errors.CodeInternal, appErr.Code)
		assert.False(t, errors.IsRetryable(err))
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, MapError(nil, "allocate"))
	})
}
