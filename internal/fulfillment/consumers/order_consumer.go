package consumers

import (
	"context"

	"github.com/outflow/outflow-backend/internal/fulfillment/service"
	"github.com/outflow/outflow-backend/pkg/actor"
	"github.com/outflow/outflow-backend/pkg/config"
	"github.com/outflow/outflow-backend/pkg/logger"
	"github.com/outflow/outflow-backend/pkg/messaging"
)

const (
	orderQueue = config.ServiceName + ".order-events"

	defaultCancelReason = "cancelled by order management"
)

// OrderIngester stores submitted orders
type OrderIngester interface {
	Ingest(ctx context.Context, in messaging.OrderSubmittedEvent) (bool, error)
}

// OrderCanceller cancels orders and releases their reservations
type OrderCanceller interface {
	CancelOrder(ctx context.Context, in service.CancelOrderInput) (*service.CancelOrderResult, error)
}

// OrderEventConsumer consumes order events from the order-management layer
type OrderEventConsumer struct {
	consumer  *messaging.Consumer
	orders    OrderIngester
	canceller OrderCanceller
	logger    *logger.Logger
}

// NewOrderEventConsumer creates a new order event consumer
func NewOrderEventConsumer(
	rmq *messaging.RabbitMQ,
	orders OrderIngester,
	canceller OrderCanceller,
	log *logger.Logger,
) (*OrderEventConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, orderQueue, log)
	if err != nil {
		return nil, err
	}

	if err := consumer.Subscribe(messaging.ExchangeOrderEvents, "order.#"); err != nil {
		return nil, err
	}

	return newOrderEventConsumer(consumer, orders, canceller, log), nil
}

func newOrderEventConsumer(consumer *messaging.Consumer, orders OrderIngester, canceller OrderCanceller, log *logger.Logger) *OrderEventConsumer {
	c := &OrderEventConsumer{
		consumer:  consumer,
		orders:    orders,
		canceller: canceller,
		logger:    log.WithComponent("order-consumer"),
	}

	consumer.RegisterHandler(messaging.EventOrderSubmitted, c.handleOrderSubmitted)
	consumer.RegisterHandler(messaging.EventOrderSubmitCancelled, c.handleOrderCancelled)

	return c
}

// Start starts consuming messages
func (c *OrderEventConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

func (c *OrderEventConsumer) handleOrderSubmitted(ctx context.Context, event *messaging.Event) error {
	var data messaging.OrderSubmittedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	created, err := c.orders.Ingest(ctx, data)
	if err != nil {
		return err
	}

	if !created {
		c.logger.Info().Str("order_id", data.OrderID).Msg("order already known, skipping")
		return nil
	}

	c.logger.Info().
		Str("order_id", data.OrderID).
		Str("order_number", data.OrderNumber).
		Int("lines", len(data.Items)).
		Msg("order received")
	return nil
}

func (c *OrderEventConsumer) handleOrderCancelled(ctx context.Context, event *messaging.Event) error {
	var data messaging.OrderSubmitCancelledEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	by := actor.System()
	if data.ActorID != "" {
		by = actor.Actor{ID: data.ActorID}
	}
	reason := data.Reason
	if reason == "" {
		reason = defaultCancelReason
	}

	result, err := c.canceller.CancelOrder(ctx, service.CancelOrderInput{
		OrderID: data.OrderID,
		Reason:  reason,
		Actor:   by,
	})
	if err != nil {
		return err
	}

	c.logger.Info().
		Str("order_id", data.OrderID).
		Bool("already_cancelled", result.AlreadyCancelled).
		Int("released", len(result.Released)).
		Msg("order cancelled upstream")
	return nil
}
