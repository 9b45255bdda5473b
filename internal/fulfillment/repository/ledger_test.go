package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/outflow/outflow-backend/internal/fulfillment/repository"
	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/outflow/outflow-backend/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ledgerEntry() *repository.LedgerEntry {
	lot := lotID
	return &repository.LedgerEntry{
		WarehouseLotID:   &lot,
		ActionType:       repository.ActionReserve,
		QuantityKind:     repository.QuantityReserved,
		PreviousQuantity: 2,
		Delta:            3,
		NewQuantity:      5,
		ActorID:          "user-1",
		OccurredAt:       time.Date(2026, 4, 2, 10, 30, 0, 123456789, time.UTC),
	}
}

func TestLedgerEntry_Checksum(t *testing.T) {
	t.Run("is stable across time zones and sub-microsecond precision", func(t *testing.T) {
		a := ledgerEntry()
		b := ledgerEntry()
		b.OccurredAt = a.OccurredAt.Truncate(time.Microsecond).In(time.FixedZone("CET", 3600))

		assert.Equal(t, a.ComputeChecksum(), b.ComputeChecksum())
		assert.Len(t, a.ComputeChecksum(), 64)
	})

	t.Run("changes with every hashed field", func(t *testing.T) {
		base := ledgerEntry().ComputeChecksum()

		mutations := map[string]func(e *repository.LedgerEntry){
			"subject":  func(e *repository.LedgerEntry) { other := orderID; e.WarehouseLotID = &other },
			"action":   func(e *repository.LedgerEntry) { e.ActionType = repository.ActionRelease },
			"previous": func(e *repository.LedgerEntry) { e.PreviousQuantity = 1; e.NewQuantity = 4 },
			"delta":    func(e *repository.LedgerEntry) { e.Delta = 4; e.NewQuantity = 6 },
			"time":     func(e *repository.LedgerEntry) { e.OccurredAt = e.OccurredAt.Add(time.Microsecond) },
		}
		for name, mutate := range mutations {
			t.Run(name, func(t *testing.T) {
				e := ledgerEntry()
				mutate(e)
				assert.NotEqual(t, base, e.ComputeChecksum())
			})
		}
	})

	t.Run("detects tampering", func(t *testing.T) {
		e := ledgerEntry()
		e.Checksum = e.ComputeChecksum()
		assert.True(t, e.VerifyChecksum())

		e.Delta = 30
		assert.False(t, e.VerifyChecksum())
	})
}

func TestLedgerRepository_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects broken arithmetic before touching the database", func(t *testing.T) {
		mockDB := testutil.NewMockDB(t)
		defer mockDB.Close()

		e := ledgerEntry()
		e.NewQuantity = 6

		err := repository.NewLedgerRepository(mockDB.DB).Append(ctx, e)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrValidation))
		mockDB.ExpectationsWereMet(t)
	})

	t.Run("rejects entries with two subjects", func(t *testing.T) {
		mockDB := testutil.NewMockDB(t)
		defer mockDB.Close()

		e := ledgerEntry()
		location := orderID
		e.LocationLotID = &location

		err := repository.NewLedgerRepository(mockDB.DB).Append(ctx, e)
		assert.True(t, errors.Is(err, errors.ErrValidation))
	})

	t.Run("stores the checksum and returns the sequence", func(t *testing.T) {
		mockDB := testutil.NewMockDB(t)
		defer mockDB.Close()

		e := ledgerEntry()
		expected := ledgerEntry()
		expected.OccurredAt = expected.OccurredAt.Truncate(time.Microsecond)

		mockDB.ExpectQuery("INSERT INTO inventory_activity_log").
			WithArgs(testutil.AnyUUID{}, e.WarehouseLotID, nil, repository.ActionReserve, repository.QuantityReserved,
				int64(2), int64(3), int64(5), "user-1", expected.OccurredAt, expected.ComputeChecksum(), []byte("{}")).
			WillReturnRows(testutil.MockRows("sequence").AddRow(int64(42)))

		require.NoError(t, repository.NewLedgerRepository(mockDB.DB).Append(ctx, e))
		assert.Equal(t, int64(42), e.Sequence)
		assert.True(t, e.VerifyChecksum())
		mockDB.ExpectationsWereMet(t)
	})
}

func TestMetadata(t *testing.T) {
	assert.JSONEq(t, `{"allocation_id":"a-1","order_id":"o-1"}`,
		string(repository.Metadata(map[string]string{"order_id": "o-1", "allocation_id": "a-1"})))
	assert.Equal(t, "{}", string(repository.Metadata(nil)))
}
