package events

import (
	"context"

	"github.com/outflow/outflow-backend/internal/fulfillment/repository"
	"github.com/outflow/outflow-backend/pkg/config"
	"github.com/outflow/outflow-backend/pkg/logger"
	"github.com/outflow/outflow-backend/pkg/messaging"
)

// OutboundEventPublisher publishes allocation, fulfillment and lot events.
// Publishing happens after commit; failures are logged, never returned.
type OutboundEventPublisher struct {
	publisher messaging.EventPublisher
	logger    *logger.Logger
}

// NewOutboundEventPublisher creates a publisher on the outbound exchange
func NewOutboundEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*OutboundEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeOutboundEvents, config.ServiceName, log)
	if err != nil {
		return nil, err
	}

	return NewWithPublisher(publisher, log), nil
}

// NewWithPublisher wraps an existing publisher
func NewWithPublisher(publisher messaging.EventPublisher, log *logger.Logger) *OutboundEventPublisher {
	return &OutboundEventPublisher{
		publisher: publisher,
		logger:    log,
	}
}

func (p *OutboundEventPublisher) publish(ctx context.Context, eventType, key, id string, data interface{}) {
	if err := p.publisher.Publish(ctx, eventType, data); err != nil {
		p.logger.Error().Err(err).Str(key, id).Str("event_type", eventType).Msg("failed to publish event")
	}
}

// PublishAllocationProposed publishes newly proposed allocations
func (p *OutboundEventPublisher) PublishAllocationProposed(ctx context.Context, order *repository.Order, strategy string, allocs []*repository.Allocation, unmet []messaging.UnmetLine, actorID string) {
	if p == nil {
		return
	}

	data := messaging.AllocationProposedEvent{
		OrderID:     order.ID,
		OrderStatus: string(order.Status),
		Strategy:    strategy,
		Allocations: allocationLines(allocs),
		Unmet:       unmet,
		ActorID:     actorID,
	}
	p.publish(ctx, messaging.EventAllocationProposed, "order_id", order.ID, data)
}

// PublishAllocationConfirmed publishes confirmed proposals
func (p *OutboundEventPublisher) PublishAllocationConfirmed(ctx context.Context, order *repository.Order, allocs []*repository.Allocation, actorID string) {
	if p == nil {
		return
	}

	data := messaging.AllocationConfirmedEvent{
		OrderID:       order.ID,
		OrderStatus:   string(order.Status),
		AllocationIDs: allocationIDs(allocs),
		ActorID:       actorID,
	}
	p.publish(ctx, messaging.EventAllocationConfirmed, "order_id", order.ID, data)
}

// PublishAllocationCancelled publishes released allocations
func (p *OutboundEventPublisher) PublishAllocationCancelled(ctx context.Context, order *repository.Order, allocs []*repository.Allocation, reason, actorID string) {
	if p == nil || len(allocs) == 0 {
		return
	}

	data := messaging.AllocationCancelledEvent{
		OrderID:       order.ID,
		OrderStatus:   string(order.Status),
		AllocationIDs: allocationIDs(allocs),
		Reason:        reason,
		ActorID:       actorID,
	}
	p.publish(ctx, messaging.EventAllocationCancelled, "order_id", order.ID, data)
}

// PublishFulfillmentInitiated publishes a newly opened shipment
func (p *OutboundEventPublisher) PublishFulfillmentInitiated(ctx context.Context, shipment *repository.Shipment, fulfillments []*repository.Fulfillment, actorID string) {
	if p == nil {
		return
	}

	ids := make([]string, len(fulfillments))
	for i, f := range fulfillments {
		ids[i] = f.ID
	}

	data := messaging.FulfillmentInitiatedEvent{
		OrderID:        shipment.OrderID,
		ShipmentID:     shipment.ID,
		Method:         string(shipment.Method),
		FulfillmentIDs: ids,
		ActorID:        actorID,
	}
	p.publish(ctx, messaging.EventFulfillmentInitiated, "shipment_id", shipment.ID, data)
}

// PublishFulfillmentProgressed publishes applied shipment progress
func (p *OutboundEventPublisher) PublishFulfillmentProgressed(ctx context.Context, data messaging.FulfillmentProgressedEvent) {
	if p == nil {
		return
	}
	p.publish(ctx, messaging.EventFulfillmentProgressed, "order_id", data.OrderID, data)
}

// PublishOrderCancelled publishes an order cancellation
func (p *OutboundEventPublisher) PublishOrderCancelled(ctx context.Context, order *repository.Order, reason, actorID string) {
	if p == nil {
		return
	}

	data := messaging.OrderCancelledEvent{
		OrderID: order.ID,
		Reason:  reason,
		ActorID: actorID,
	}
	p.publish(ctx, messaging.EventOrderCancelled, "order_id", order.ID, data)
}

// PublishLotReceived publishes a newly registered lot
func (p *OutboundEventPublisher) PublishLotReceived(ctx context.Context, lot *repository.InventoryLot, actorID string) {
	if p == nil {
		return
	}

	data := messaging.LotReceivedEvent{
		LotID:       lot.ID,
		SKUID:       lot.SKUID,
		WarehouseID: lot.WarehouseID,
		LotNumber:   lot.LotNumber,
		Quantity:    lot.TotalQuantity,
		ActorID:     actorID,
	}
	p.publish(ctx, messaging.EventLotReceived, "lot_id", lot.ID, data)
}

// PublishLotAdjusted publishes a manual lot adjustment
func (p *OutboundEventPublisher) PublishLotAdjusted(ctx context.Context, lot *repository.InventoryLot, delta int64, reason, actorID string) {
	if p == nil {
		return
	}

	data := messaging.LotAdjustedEvent{
		LotID:    lot.ID,
		Delta:    delta,
		NewTotal: lot.TotalQuantity,
		Reason:   reason,
		ActorID:  actorID,
	}
	p.publish(ctx, messaging.EventLotAdjusted, "lot_id", lot.ID, data)
}

func allocationLines(allocs []*repository.Allocation) []messaging.AllocationLine {
	out := make([]messaging.AllocationLine, len(allocs))
	for i, a := range allocs {
		out[i] = messaging.AllocationLine{
			AllocationID: a.ID,
			OrderItemID:  a.OrderItemID,
			LotID:        a.LotID,
			Quantity:     a.Quantity,
		}
	}
	return out
}

func allocationIDs(allocs []*repository.Allocation) []string {
	out := make([]string, len(allocs))
	for i, a := range allocs {
		out[i] = a.ID
	}
	return out
}
