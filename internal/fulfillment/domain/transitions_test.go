package domain

import (
	"testing"

	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateOrderTransition_CarrierHappyPath(t *testing.T) {
	path := []OrderStatus{
		OrderPending, OrderAllocated, OrderConfirmed, OrderFulfillmentInProgress,
		OrderShipped, OrderDelivered, OrderCompleted,
	}
	for i := 1; i < len(path); i++ {
		assert.NoError(t, ValidateOrderTransition(MethodCarrier, path[i-1], path[i]), "%s -> %s", path[i-1], path[i])
	}
}

func TestValidateOrderTransition_ManualHappyPath(t *testing.T) {
	path := []OrderStatus{
		OrderPending, OrderPartiallyAllocated, OrderFulfillmentInProgress, OrderCompleted,
	}
	for i := 1; i < len(path); i++ {
		assert.NoError(t, ValidateOrderTransition(MethodManual, path[i-1], path[i]))
	}
}

func TestValidateOrderTransition_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		method Method
		from   OrderStatus
		to     OrderStatus
	}{
		{"skip to shipped", MethodCarrier, OrderPending, OrderShipped},
		{"skip confirmation", MethodCarrier, OrderAllocated, OrderFulfillmentInProgress},
		{"backwards", MethodCarrier, OrderConfirmed, OrderAllocated},
		{"manual cannot ship", MethodManual, OrderFulfillmentInProgress, OrderShipped},
		{"carrier cannot complete before shipping", MethodCarrier, OrderFulfillmentInProgress, OrderCompleted},
		{"cancel after shipping", MethodCarrier, OrderShipped, OrderCancelled},
		{"leave cancelled", MethodCarrier, OrderCancelled, OrderPending},
		{"leave completed", MethodManual, OrderCompleted, OrderCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOrderTransition(tt.method, tt.from, tt.to)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

			var appErr *errors.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, string(tt.from), appErr.Details["from"])
			assert.Equal(t, string(tt.to), appErr.Details["to"])
		})
	}
}

func TestValidateTransition_SameStatusIsNoop(t *testing.T) {
	assert.NoError(t, ValidateOrderTransition(MethodCarrier, OrderShipped, OrderShipped))
	assert.NoError(t, ValidateFulfillmentTransition(MethodManual, FulfillmentPacked, FulfillmentPacked))
	assert.NoError(t, ValidateShipmentTransition(MethodCarrier, ShipmentDispatched, ShipmentDispatched))
}

func TestValidateOrderRelease(t *testing.T) {
	assert.NoError(t, ValidateOrderRelease(OrderConfirmed, OrderPartiallyAllocated))
	assert.NoError(t, ValidateOrderRelease(OrderConfirmed, OrderPending))
	assert.NoError(t, ValidateOrderRelease(OrderAllocated, OrderPending))
	assert.NoError(t, ValidateOrderRelease(OrderPartiallyAllocated, OrderPending))
	assert.NoError(t, ValidateOrderRelease(OrderFulfillmentInProgress, OrderFulfillmentInProgress))

	assert.True(t, errors.Is(ValidateOrderRelease(OrderFulfillmentInProgress, OrderPending), errors.ErrInvalidTransition))
	assert.True(t, errors.Is(ValidateOrderRelease(OrderPending, OrderAllocated), errors.ErrInvalidTransition))

	// release edges are not open to requested targets
	assert.Error(t, ValidateOrderTransition(MethodCarrier, OrderConfirmed, OrderPending))
}

func TestValidateFulfillmentTransition(t *testing.T) {
	assert.NoError(t, ValidateFulfillmentTransition(MethodCarrier, FulfillmentPacked, FulfillmentShipped))
	assert.NoError(t, ValidateFulfillmentTransition(MethodCarrier, FulfillmentShipped, FulfillmentDelivered))
	assert.NoError(t, ValidateFulfillmentTransition(MethodManual, FulfillmentPacked, FulfillmentCompleted))
	assert.NoError(t, ValidateFulfillmentTransition(MethodManual, FulfillmentPicking, FulfillmentCancelled))

	assert.Error(t, ValidateFulfillmentTransition(MethodManual, FulfillmentPacked, FulfillmentShipped))
	assert.Error(t, ValidateFulfillmentTransition(MethodCarrier, FulfillmentPending, FulfillmentPacked))
	assert.Error(t, ValidateFulfillmentTransition(MethodCarrier, FulfillmentShipped, FulfillmentCancelled))
	assert.Error(t, ValidateFulfillmentTransition(MethodCarrier, FulfillmentPacked, FulfillmentCompleted))
}

func TestValidateShipmentTransition(t *testing.T) {
	assert.NoError(t, ValidateShipmentTransition(MethodCarrier, ShipmentPacked, ShipmentDispatched))
	assert.NoError(t, ValidateShipmentTransition(MethodManual, ShipmentPacked, ShipmentCompleted))

	assert.Error(t, ValidateShipmentTransition(MethodManual, ShipmentPacked, ShipmentDispatched))
	assert.Error(t, ValidateShipmentTransition(MethodManual, ShipmentCompleted, ShipmentDelivered))
	assert.Error(t, ValidateShipmentTransition(MethodCarrier, ShipmentDispatched, ShipmentCancelled))
}

func TestConsumesStock(t *testing.T) {
	assert.True(t, ConsumesStock(MethodCarrier, FulfillmentShipped))
	assert.False(t, ConsumesStock(MethodCarrier, FulfillmentCompleted))
	assert.True(t, ConsumesStock(MethodManual, FulfillmentCompleted))
	assert.False(t, ConsumesStock(MethodManual, FulfillmentPacked))
}

func TestOrderStatusPredicates(t *testing.T) {
	assert.True(t, OrderPending.Allocatable())
	assert.True(t, OrderAllocated.Allocatable())
	assert.False(t, OrderConfirmed.Allocatable())

	assert.True(t, OrderFulfillmentInProgress.Cancellable())
	assert.False(t, OrderShipped.Cancellable())
	assert.False(t, OrderCancelled.Cancellable())

	assert.True(t, OrderCompleted.IsTerminal())
	assert.False(t, OrderDelivered.IsTerminal())

	assert.True(t, OrderPartiallyAllocated.AcceptsFulfillment())
	assert.False(t, OrderAllocated.AcceptsFulfillment())

	assert.True(t, OrderShipped.SettlesStock())
	assert.True(t, OrderCompleted.SettlesStock())
	assert.False(t, OrderFulfillmentInProgress.SettlesStock())
}

func TestOrderSuccessors_ReturnsCopy(t *testing.T) {
	next := OrderSuccessors(MethodCarrier, OrderPending)
	require.NotEmpty(t, next)
	next[0] = OrderCompleted

	assert.Equal(t, OrderPartiallyAllocated, OrderSuccessors(MethodCarrier, OrderPending)[0])
}

func TestParseStatuses(t *testing.T) {
	s, err := ParseOrderStatus("fulfillment_in_progress")
	require.NoError(t, err)
	assert.Equal(t, OrderFulfillmentInProgress, s)

	f, err := ParseFulfillmentStatus(" Shipped ")
	require.NoError(t, err)
	assert.Equal(t, FulfillmentShipped, f)

	_, err = ParseShipmentStatus("teleported")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodCarrier, m)

	_, err = ParseMethod("drone")
	assert.Error(t, err)
}

func TestDeriveItemStatus(t *testing.T) {
	assert.Equal(t, ItemPending, DeriveItemStatus(10, 0, 0))
	assert.Equal(t, ItemPartiallyAllocated, DeriveItemStatus(10, 4, 0))
	assert.Equal(t, ItemFullyAllocated, DeriveItemStatus(10, 10, 0))
	assert.Equal(t, ItemFullyAllocated, DeriveItemStatus(10, 10, 6))
	assert.Equal(t, ItemFulfilled, DeriveItemStatus(10, 10, 10))
}
