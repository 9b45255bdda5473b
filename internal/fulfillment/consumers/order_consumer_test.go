package consumers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/outflow/outflow-backend/internal/fulfillment/service"
	"github.com/outflow/outflow-backend/pkg/actor"
	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/outflow/outflow-backend/pkg/logger"
	"github.com/outflow/outflow-backend/pkg/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOrders struct {
	ingested []messaging.OrderSubmittedEvent
	created  bool
	err      error
}

func (s *stubOrders) Ingest(_ context.Context, in messaging.OrderSubmittedEvent) (bool, error) {
	s.ingested = append(s.ingested, in)
	return s.created, s.err
}

type stubCanceller struct {
	inputs []service.CancelOrderInput
	err    error
}

func (s *stubCanceller) CancelOrder(_ context.Context, in service.CancelOrderInput) (*service.CancelOrderResult, error) {
	s.inputs = append(s.inputs, in)
	if s.err != nil {
		return nil, s.err
	}
	return &service.CancelOrderResult{}, nil
}

func newTestConsumer(orders *stubOrders, canceller *stubCanceller) *messaging.Consumer {
	dispatcher := messaging.NewDispatcher(logger.Nop())
	newOrderEventConsumer(dispatcher, orders, canceller, logger.Nop())
	return dispatcher
}

func body(t *testing.T, eventType string, data interface{}) []byte {
	t.Helper()
	event, err := messaging.NewEvent(eventType, "order-service", "corr-7", data)
	require.NoError(t, err)
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	return raw
}

func TestOrderSubmitted(t *testing.T) {
	ctx := context.Background()
	submitted := messaging.OrderSubmittedEvent{
		OrderID:     "0b8f2b8e-6f1c-4a53-9e0d-2a9f1d0c7e11",
		OrderNumber: "SO-1001",
		RequesterID: "user-1",
		Items:       []messaging.OrderLine{{LineNumber: 1, SKUID: "5a0c7d6e-0f7b-4a4e-8d5c-3b1e2f9a8c70", Quantity: 4}},
	}

	t.Run("new order is acked", func(t *testing.T) {
		orders := &stubOrders{created: true}
		c := newTestConsumer(orders, &stubCanceller{})

		assert.Equal(t, messaging.OutcomeAck, c.Dispatch(ctx, body(t, messaging.EventOrderSubmitted, submitted), 0))
		require.Len(t, orders.ingested, 1)
		assert.Equal(t, submitted.OrderNumber, orders.ingested[0].OrderNumber)
		assert.Equal(t, int64(4), orders.ingested[0].Items[0].Quantity)
	})

	t.Run("redelivery of a known order is acked", func(t *testing.T) {
		orders := &stubOrders{created: false}
		c := newTestConsumer(orders, &stubCanceller{})
		assert.Equal(t, messaging.OutcomeAck, c.Dispatch(ctx, body(t, messaging.EventOrderSubmitted, submitted), 1))
	})

	t.Run("invalid order is dead-lettered", func(t *testing.T) {
		orders := &stubOrders{err: errors.Validation(map[string]string{"items": "required"})}
		c := newTestConsumer(orders, &stubCanceller{})
		assert.Equal(t, messaging.OutcomeDeadLetter, c.Dispatch(ctx, body(t, messaging.EventOrderSubmitted, submitted), 0))
	})

	t.Run("database failure is requeued", func(t *testing.T) {
		orders := &stubOrders{err: errors.Internal("connection reset")}
		c := newTestConsumer(orders, &stubCanceller{})
		assert.Equal(t, messaging.OutcomeRequeue, c.Dispatch(ctx, body(t, messaging.EventOrderSubmitted, submitted), 0))
	})
}

func TestOrderCancelled(t *testing.T) {
	ctx := context.Background()
	const orderID = "0b8f2b8e-6f1c-4a53-9e0d-2a9f1d0c7e11"

	t.Run("defaults to the system actor and a reason", func(t *testing.T) {
		canceller := &stubCanceller{}
		c := newTestConsumer(&stubOrders{}, canceller)

		outcome := c.Dispatch(ctx, body(t, messaging.EventOrderSubmitCancelled, messaging.OrderSubmitCancelledEvent{OrderID: orderID}), 0)
		assert.Equal(t, messaging.OutcomeAck, outcome)
		require.Len(t, canceller.inputs, 1)
		assert.True(t, canceller.inputs[0].Actor.IsSystem())
		assert.Equal(t, defaultCancelReason, canceller.inputs[0].Reason)
	})

	t.Run("keeps the upstream actor", func(t *testing.T) {
		canceller := &stubCanceller{}
		c := newTestConsumer(&stubOrders{}, canceller)

		data := messaging.OrderSubmitCancelledEvent{OrderID: orderID, Reason: "customer request", ActorID: "user-9"}
		assert.Equal(t, messaging.OutcomeAck, c.Dispatch(ctx, body(t, messaging.EventOrderSubmitCancelled, data), 0))
		assert.Equal(t, actor.Actor{ID: "user-9"}, canceller.inputs[0].Actor)
		assert.Equal(t, "customer request", canceller.inputs[0].Reason)
	})

	t.Run("shipped order is dead-lettered", func(t *testing.T) {
		canceller := &stubCanceller{err: errors.InvalidTransition("order", "SHIPPED", "CANCELLED")}
		c := newTestConsumer(&stubOrders{}, canceller)
		outcome := c.Dispatch(ctx, body(t, messaging.EventOrderSubmitCancelled, messaging.OrderSubmitCancelledEvent{OrderID: orderID}), 0)
		assert.Equal(t, messaging.OutcomeDeadLetter, outcome)
	})

	t.Run("lock conflict is requeued until the limit", func(t *testing.T) {
		canceller := &stubCanceller{err: errors.Conflict("order is locked by another operation")}
		c := newTestConsumer(&stubOrders{}, canceller)
		payload := body(t, messaging.EventOrderSubmitCancelled, messaging.OrderSubmitCancelledEvent{OrderID: orderID})

		assert.Equal(t, messaging.OutcomeRequeue, c.Dispatch(ctx, payload, 1))
		assert.Equal(t, messaging.OutcomeDeadLetter, c.Dispatch(ctx, payload, 3))
	})
}
