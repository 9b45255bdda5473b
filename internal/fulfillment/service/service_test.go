package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/outflow/outflow-backend/internal/fulfillment/allocation"
	"github.com/outflow/outflow-backend/internal/fulfillment/domain"
	"github.com/outflow/outflow-backend/internal/fulfillment/events"
	"github.com/outflow/outflow-backend/internal/fulfillment/repository"
	"github.com/outflow/outflow-backend/internal/fulfillment/service"
	"github.com/outflow/outflow-backend/pkg/actor"
	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/outflow/outflow-backend/pkg/logger"
	"github.com/outflow/outflow-backend/pkg/messaging"
	"github.com/outflow/outflow-backend/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	mockOrderID = "0b7c2a4e-6a51-4c1e-8f0a-3d2b1c9e7f10"
	mockItemID  = "1c8d3b5f-7b62-4d2f-9a1b-4e3c2d0f8a21"
	mockSKUID   = "2d9e4c60-8c73-4e3a-8b2c-5f4d3e1a9b32"
	mockLotID   = "5e0c1d2f-3a4b-4c5d-8e6f-7a8b9c0d1e2f"

	mockShipmentID    = "6f1d2e30-4b5c-4d6e-9f70-8b9c0d1e2f30"
	mockFulfillmentID = "7a2e3f41-5c6d-4e7f-8a81-9c0d1e2f3a41"
)

var (
	orderCols = []string{"id", "order_number", "category", "status", "requester_id", "warehouse_id", "created_at", "updated_at"}
	itemCols  = []string{"id", "order_id", "line_number", "sku_id", "item_kind", "requested_quantity",
		"allocated_quantity", "fulfilled_quantity", "status", "created_at", "updated_at"}
	lotCols = []string{"id", "sku_id", "warehouse_id", "lot_number", "expiry_date", "manufacture_date", "received_at",
		"total_quantity", "reserved_quantity", "status", "created_at", "updated_at"}
	allocationCols = []string{"id", "order_id", "order_item_id", "lot_id", "quantity", "strategy", "status",
		"fulfillment_id", "created_by", "created_at", "confirmed_at", "cancelled_at", "cancel_reason"}
	shipmentCols = []string{"id", "order_id", "method", "status", "carrier", "tracking_number", "notes",
		"created_by", "created_at", "updated_at", "dispatched_at"}
	fulfillmentCols = []string{"id", "order_id", "order_item_id", "shipment_id", "quantity", "status", "created_at", "updated_at"}
)

var tester = actor.Actor{ID: "3e0f5d71-9d84-4f4b-9c3d-6a5e4f2b0c43", Email: "picker@outflow.test"}

type fixture struct {
	mockDB     *testutil.MockDB
	publisher  *testutil.MockPublisher
	allocation *service.AllocationService
	fulfill    *service.FulfillmentService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mockDB := testutil.NewMockDB(t)
	t.Cleanup(func() { mockDB.Close() })

	publisher := testutil.NewMockPublisher()
	outbound := events.NewWithPublisher(publisher, logger.Nop())
	repos := repository.New(mockDB.DB)

	return &fixture{
		mockDB:     mockDB,
		publisher:  publisher,
		allocation: service.NewAllocationService(mockDB.DB, repos, outbound, service.AllocationOptions{Strategy: allocation.StrategyFEFO}, logger.Nop()),
		fulfill:    service.NewFulfillmentService(mockDB.DB, repos, outbound, logger.Nop()),
	}
}

func (f *fixture) expectOrder(status domain.OrderStatus) {
	now := time.Now().UTC()
	f.mockDB.ExpectQuery("FROM orders WHERE id = $1 FOR UPDATE NOWAIT").
		WithArgs(mockOrderID).
		WillReturnRows(testutil.MockRows(orderCols...).
			AddRow(mockOrderID, "SO-1", "sales", string(status), "user-1", nil, now, now))
}

func (f *fixture) expectItems(requested, allocated int64) {
	now := time.Now().UTC()
	status := domain.DeriveItemStatus(requested, allocated, 0)
	f.mockDB.ExpectQuery("FROM order_items").
		WithArgs(mockOrderID).
		WillReturnRows(testutil.MockRows(itemCols...).
			AddRow(mockItemID, mockOrderID, 1, mockSKUID, "sku", requested, allocated, 0, string(status), now, now))
}

func (f *fixture) expectCarrierShipment(status domain.ShipmentStatus) {
	now := time.Now().UTC()
	f.mockDB.ExpectQuery("FROM shipments").
		WithArgs(mockOrderID, sqlmock.AnyArg(), string(domain.MethodCarrier)).
		WillReturnRows(testutil.MockRows(shipmentCols...).
			AddRow(mockShipmentID, mockOrderID, string(domain.MethodCarrier), string(status), nil, nil, nil, tester.ID, now, now, nil))
}

func (f *fixture) expectFulfillment(status domain.FulfillmentStatus, quantity int64) {
	now := time.Now().UTC()
	f.mockDB.ExpectQuery("FROM fulfillments").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(testutil.MockRows(fulfillmentCols...).
			AddRow(mockFulfillmentID, mockOrderID, mockItemID, mockShipmentID, quantity, string(status), now, now))
}

func appError(t *testing.T, err error) *errors.AppError {
	t.Helper()
	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr), "expected an AppError, got %v", err)
	return appErr
}

func TestAllocateForOrder_ValidationBeforeTransaction(t *testing.T) {
	f := newFixture(t)

	_, err := f.allocation.AllocateForOrder(context.Background(), service.AllocateInput{OrderID: "not-a-uuid", Actor: tester})
	appErr := appError(t, err)
	assert.Equal(t, errors.CodeValidation, appErr.Code)
	assert.Contains(t, appErr.Details, "order_id")

	_, err = f.allocation.AllocateForOrder(context.Background(), service.AllocateInput{OrderID: mockOrderID, Strategy: "LIFO", Actor: tester})
	assert.Equal(t, errors.CodeValidation, appError(t, err).Code)

	_, err = f.allocation.AllocateForOrder(context.Background(), service.AllocateInput{OrderID: mockOrderID})
	assert.Contains(t, appError(t, err).Details, "actor.id")

	f.mockDB.ExpectationsWereMet(t)
	f.publisher.AssertNoEventsPublished(t)
}

func TestOperations_RequireActorBeforeLocking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.allocation.ConfirmAllocations(ctx, service.ConfirmAllocationsInput{OrderID: mockOrderID})
	assert.Contains(t, appError(t, err).Details, "actor.id")

	_, err = f.allocation.CancelAllocations(ctx, service.CancelAllocationsInput{OrderID: mockOrderID, Reason: "customer request"})
	assert.Contains(t, appError(t, err).Details, "actor.id")

	_, err = f.fulfill.ConfirmFulfillment(ctx, service.ConfirmFulfillmentInput{
		OrderID: mockOrderID,
		Targets: service.Targets{Fulfillment: "picking"},
	})
	assert.Contains(t, appError(t, err).Details, "actor.id")

	_, err = f.fulfill.CompleteManualFulfillment(ctx, service.CompleteManualInput{ShipmentID: mockShipmentID})
	assert.Contains(t, appError(t, err).Details, "actor.id")

	f.mockDB.ExpectationsWereMet(t)
}

func TestAllocateForOrder_OrderLockedElsewhere(t *testing.T) {
	f := newFixture(t)

	f.mockDB.ExpectTx()
	f.mockDB.ExpectQuery("FOR UPDATE NOWAIT").
		WithArgs(mockOrderID).
		WillReturnError(&pq.Error{Code: "55P03", Message: "could not obtain lock on row in relation \"orders\""})
	f.mockDB.ExpectRollback()

	result, err := f.allocation.AllocateForOrder(context.Background(), service.AllocateInput{OrderID: mockOrderID, Actor: tester})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, errors.CodeConflict, appError(t, err).Code)

	f.mockDB.ExpectationsWereMet(t)
	f.publisher.AssertNoEventsPublished(t)
}

func TestAllocateForOrder_RejectsOrderPastAllocation(t *testing.T) {
	f := newFixture(t)

	f.mockDB.ExpectTx()
	f.expectOrder(domain.OrderShipped)
	f.mockDB.ExpectRollback()

	_, err := f.allocation.AllocateForOrder(context.Background(), service.AllocateInput{OrderID: mockOrderID, Actor: tester})
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
	assert.Equal(t, mockOrderID, appError(t, err).Details["order_id"])
	f.mockDB.ExpectationsWereMet(t)
}

func TestAllocateForOrder_RejectPartialWritesNothing(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	f.mockDB.ExpectTx()
	f.expectOrder(domain.OrderPending)
	f.expectItems(10, 0)
	f.mockDB.ExpectQuery("FROM inventory_lots").
		WillReturnRows(testutil.MockRows(lotCols...).
			AddRow(mockLotID, mockSKUID, testutil.DefaultWarehouseID, "LOT-1", nil, nil, now, 4, 0, "available", now, now))
	f.mockDB.ExpectRollback()

	result, err := f.allocation.AllocateForOrder(context.Background(), service.AllocateInput{OrderID: mockOrderID, Actor: tester})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientInventory))
	assert.False(t, errors.IsRetryable(err))

	require.NotNil(t, result)
	assert.Empty(t, result.Allocations)
	require.Len(t, result.UnmetItems, 1)
	assert.Equal(t, mockItemID, result.UnmetItems[0].OrderItemID)
	assert.Equal(t, int64(6), result.UnmetItems[0].Unmet)
	assert.Equal(t, mockSKUID, appError(t, err).Details["order_item_id:"+mockItemID])

	f.mockDB.ExpectationsWereMet(t)
	f.publisher.AssertNoEventsPublished(t)
}

func TestAllocateForOrder_AllowPartialWithNoStockChangesNothing(t *testing.T) {
	f := newFixture(t)

	f.mockDB.ExpectTx()
	f.expectOrder(domain.OrderPending)
	f.expectItems(10, 0)
	f.mockDB.ExpectQuery("FROM inventory_lots").WillReturnRows(testutil.MockRows(lotCols...))
	f.mockDB.ExpectCommit()

	allow := true
	result, err := f.allocation.AllocateForOrder(context.Background(), service.AllocateInput{OrderID: mockOrderID, AllowPartial: &allow, Actor: tester})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, result.OrderStatus)
	assert.Empty(t, result.Allocations)
	require.Len(t, result.UnmetItems, 1)
	assert.Equal(t, int64(10), result.UnmetItems[0].Unmet)

	f.mockDB.ExpectationsWereMet(t)
	f.publisher.AssertNoEventsPublished(t)
}

func TestConfirmAllocations_NothingProposedIsNoop(t *testing.T) {
	f := newFixture(t)

	f.mockDB.ExpectTx()
	f.expectOrder(domain.OrderConfirmed)
	f.expectItems(5, 5)
	f.mockDB.ExpectQuery("FROM allocations").WillReturnRows(testutil.MockRows(allocationCols...))
	f.mockDB.ExpectCommit()

	result, err := f.allocation.ConfirmAllocations(context.Background(), service.ConfirmAllocationsInput{OrderID: mockOrderID, Actor: tester})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, result.Order.Status)
	assert.Empty(t, result.Confirmed)
	require.Len(t, result.Items, 1)

	f.mockDB.ExpectationsWereMet(t)
	f.publisher.AssertNoEventsPublished(t)
}

func TestReviewAllocations_RunsReadOnly(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	f.mockDB.ExpectBegin()
	f.mockDB.ExpectQuery("FROM orders WHERE id = $1").
		WithArgs(mockOrderID).
		WillReturnRows(testutil.MockRows(orderCols...).
			AddRow(mockOrderID, "SO-1", "sales", "ALLOCATED", "user-1", nil, now, now))
	f.mockDB.ExpectQuery("FROM order_items").WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
	f.mockDB.ExpectRollback()

	_, err := f.allocation.ReviewAllocations(context.Background(), service.ReviewInput{OrderID: mockOrderID})
	assert.True(t, errors.IsRetryable(err))
	f.mockDB.ExpectationsWereMet(t)
}

func TestCancelAllocations_UnknownAllocationConflicts(t *testing.T) {
	f := newFixture(t)
	otherID := "4f1a6e82-ae95-4a5c-8d4e-7b6f5a3c1d54"

	f.mockDB.ExpectTx()
	f.expectOrder(domain.OrderAllocated)
	f.expectItems(5, 5)
	f.mockDB.ExpectQuery("FROM allocations").WillReturnRows(testutil.MockRows(allocationCols...))
	f.mockDB.ExpectRollback()

	_, err := f.allocation.CancelAllocations(context.Background(), service.CancelAllocationsInput{
		OrderID:       mockOrderID,
		AllocationIDs: []string{otherID},
		Reason:        "customer request",
		Actor:         tester,
	})
	appErr := appError(t, err)
	assert.Equal(t, errors.CodeConflict, appErr.Code)
	assert.Equal(t, otherID, appErr.Details["allocation_id"])
	f.mockDB.ExpectationsWereMet(t)
	f.publisher.AssertNoEventsPublished(t)
}

func TestConfirmFulfillment_TargetsCheckedBeforeLocking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.fulfill.ConfirmFulfillment(ctx, service.ConfirmFulfillmentInput{OrderID: mockOrderID, Actor: tester})
	assert.Contains(t, appError(t, err).Details, "targets")

	_, err = f.fulfill.ConfirmFulfillment(ctx, service.ConfirmFulfillmentInput{
		OrderID: mockOrderID,
		Targets: service.Targets{Shipment: "beamed"},
		Actor:   tester,
	})
	appErr := appError(t, err)
	assert.Equal(t, errors.CodeValidation, appErr.Code)
	assert.Contains(t, appErr.Details, "targets.shipment")

	f.mockDB.ExpectationsWereMet(t)
}

func TestConfirmFulfillment_NoOpenShipments(t *testing.T) {
	f := newFixture(t)

	f.mockDB.ExpectTx()
	f.expectOrder(domain.OrderConfirmed)
	f.expectItems(5, 5)
	f.mockDB.ExpectQuery("FROM shipments").
		WithArgs(mockOrderID, sqlmock.AnyArg(), string(domain.MethodCarrier)).
		WillReturnRows(testutil.MockRows("id"))
	f.mockDB.ExpectRollback()

	_, err := f.fulfill.ConfirmFulfillment(context.Background(), service.ConfirmFulfillmentInput{
		OrderID: mockOrderID,
		Targets: service.Targets{Fulfillment: "picking"},
		Actor:   tester,
	})
	assert.Equal(t, errors.CodeConflict, appError(t, err).Code)
	f.mockDB.ExpectationsWereMet(t)
}

func TestConfirmFulfillment_OrderCannotPassReservedStock(t *testing.T) {
	tests := []struct {
		name   string
		status domain.OrderStatus
		target string
	}{
		{"complete after shipping", domain.OrderShipped, "COMPLETED"},
		{"ship while packed", domain.OrderFulfillmentInProgress, "SHIPPED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			f.mockDB.ExpectTx()
			f.expectOrder(tt.status)
			f.expectItems(5, 5)
			f.expectCarrierShipment(domain.ShipmentPacked)
			f.expectFulfillment(domain.FulfillmentPacked, 5)
			f.mockDB.ExpectRollback()

			result, err := f.fulfill.ConfirmFulfillment(context.Background(), service.ConfirmFulfillmentInput{
				OrderID: mockOrderID,
				Targets: service.Targets{Order: tt.target},
				Actor:   tester,
			})
			assert.Nil(t, result)
			assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
			appErr := appError(t, err)
			assert.Equal(t, mockFulfillmentID, appErr.Details["fulfillment_id"])
			assert.Equal(t, mockItemID, appErr.Details["order_item_id"])
			assert.Equal(t, "5", appErr.Details["reserved_quantity"])

			f.mockDB.ExpectationsWereMet(t)
			f.publisher.AssertNoEventsPublished(t)
		})
	}
}

func TestConfirmFulfillment_FirstStepStartsFulfillment(t *testing.T) {
	f := newFixture(t)

	f.mockDB.ExpectTx()
	f.expectOrder(domain.OrderConfirmed)
	f.expectItems(5, 5)
	f.expectCarrierShipment(domain.ShipmentPending)
	f.expectFulfillment(domain.FulfillmentPending, 5)
	f.mockDB.ExpectExec("UPDATE fulfillments SET status = $2").
		WithArgs(mockFulfillmentID, string(domain.FulfillmentPicking)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mockDB.ExpectExec("UPDATE shipments SET").
		WithArgs(mockShipmentID, string(domain.ShipmentPicking), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mockDB.ExpectExec("UPDATE orders SET status = $2").
		WithArgs(mockOrderID, string(domain.OrderFulfillmentInProgress)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mockDB.ExpectCommit()

	result, err := f.fulfill.ConfirmFulfillment(context.Background(), service.ConfirmFulfillmentInput{
		OrderID: mockOrderID,
		Targets: service.Targets{Shipment: "picking", Fulfillment: "picking"},
		Actor:   tester,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFulfillmentInProgress, result.Order.Status)
	assert.Empty(t, result.InventoryDeltas)

	f.mockDB.ExpectationsWereMet(t)
	f.publisher.AssertEventPublished(t, messaging.EventFulfillmentProgressed)
}

func TestCancelOrder_AlreadyCancelledIsNoop(t *testing.T) {
	f := newFixture(t)

	f.mockDB.ExpectTx()
	f.expectOrder(domain.OrderCancelled)
	f.mockDB.ExpectCommit()

	result, err := f.fulfill.CancelOrder(context.Background(), service.CancelOrderInput{OrderID: mockOrderID, Reason: "duplicate", Actor: tester})
	require.NoError(t, err)
	assert.True(t, result.AlreadyCancelled)
	f.mockDB.ExpectationsWereMet(t)
	f.publisher.AssertNoEventsPublished(t)
}

func TestCancelOrder_CompletedOrderRejected(t *testing.T) {
	f := newFixture(t)

	f.mockDB.ExpectTx()
	f.expectOrder(domain.OrderCompleted)
	f.mockDB.ExpectRollback()

	_, err := f.fulfill.CancelOrder(context.Background(), service.CancelOrderInput{OrderID: mockOrderID, Reason: "late", Actor: tester})
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
	f.mockDB.ExpectationsWereMet(t)
}
