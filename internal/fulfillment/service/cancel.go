package service

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/outflow/outflow-backend/internal/fulfillment/domain"
	"github.com/outflow/outflow-backend/internal/fulfillment/repository"
	"github.com/outflow/outflow-backend/pkg/actor"
	"github.com/outflow/outflow-backend/pkg/database"
	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/outflow/outflow-backend/pkg/validation"
)

// CancelOrderInput cancels an order before any of its stock left
type CancelOrderInput struct {
	OrderID string      `json:"order_id" validate:"required,uuid"`
	Reason  string      `json:"reason" validate:"required"`
	Actor   actor.Actor `json:"actor"`
}

// CancelOrderResult is the cancelled order and the stock it returned
type CancelOrderResult struct {
	Order            *repository.Order        `json:"order"`
	AlreadyCancelled bool                     `json:"already_cancelled,omitempty"`
	Released         []*repository.Allocation `json:"released"`
	InventoryDeltas  []InventoryDelta         `json:"inventory_deltas"`
}

// CancelOrder cancels the order's open shipments and fulfillments, releases
// every live allocation and marks the order and its lines cancelled. An
// order that is already cancelled is returned unchanged.
func (s *FulfillmentService) CancelOrder(ctx context.Context, in CancelOrderInput) (*CancelOrderResult, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	result := &CancelOrderResult{}
	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		repos := s.repos.WithTx(tx)

		order, err := repos.Orders.LockNoWait(ctx, in.OrderID)
		if err != nil {
			return err
		}
		result.Order = order

		if order.Status == domain.OrderCancelled {
			result.AlreadyCancelled = true
			return nil
		}
		if !order.Status.Cancellable() {
			return errors.InvalidTransition("order", string(order.Status), string(domain.OrderCancelled)).
				WithDetail("order_id", order.ID)
		}

		items, err := repos.Orders.LockItems(ctx, order.ID)
		if err != nil {
			return err
		}

		all, err := repos.Fulfillments.ListByOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		for _, f := range all {
			if f.Status != domain.FulfillmentCancelled && !f.Status.IsCancellable() {
				return errors.InvalidTransition("order", string(order.Status), string(domain.OrderCancelled)).
					WithDetail("order_id", order.ID).
					WithDetail("fulfillment_id", f.ID)
			}
		}

		shipments, err := repos.Shipments.LockOpenByOrder(ctx, order.ID, "")
		if err != nil {
			return err
		}
		fulfillments, err := repos.Fulfillments.LockOpenByShipments(ctx, shipmentIDs(shipments))
		if err != nil {
			return err
		}

		allocs, err := repos.Allocations.LockByOrder(ctx, order.ID, domain.AllocationProposed, domain.AllocationConfirmed)
		if err != nil {
			return err
		}
		lots, err := repos.Lots.LockByIDs(ctx, repository.LotIDs(allocs))
		if err != nil {
			return err
		}
		lotsByID := repository.IndexLots(lots)
		itemsByID := indexItems(items)

		writer := newStockWriter(repos, in.Actor.ID, s.now())
		for _, a := range allocs {
			if err := writer.releaseAllocation(ctx, a, lotsByID[a.LotID], itemsByID[a.OrderItemID], in.Reason); err != nil {
				return err
			}
		}

		for _, f := range fulfillments {
			f.Status = domain.FulfillmentCancelled
			if err := repos.Fulfillments.UpdateStatus(ctx, f); err != nil {
				return err
			}
		}
		for _, sh := range shipments {
			sh.Status = domain.ShipmentCancelled
			if err := repos.Shipments.Update(ctx, sh); err != nil {
				return err
			}
		}

		for _, item := range items {
			if item.Status == domain.ItemCancelled {
				continue
			}
			item.Status = domain.ItemCancelled
			if err := repos.Orders.UpdateItem(ctx, item); err != nil {
				return err
			}
		}

		order.Status = domain.OrderCancelled
		if err := repos.Orders.UpdateStatus(ctx, order); err != nil {
			return err
		}

		result.Released = allocs
		result.InventoryDeltas = writer.deltas
		return nil
	})
	if err != nil {
		return nil, database.MapError(err, "order cancellation failed")
	}

	if result.AlreadyCancelled {
		s.logger.Debug().Str("order_id", in.OrderID).Msg("order already cancelled")
		return result, nil
	}

	s.publisher.PublishAllocationCancelled(ctx, result.Order, result.Released, in.Reason, in.Actor.ID)
	s.publisher.PublishOrderCancelled(ctx, result.Order, in.Reason, in.Actor.ID)

	s.logger.Info().
		Str("order_id", in.OrderID).
		Str("reason", in.Reason).
		Int("released", len(result.Released)).
		Msg("order cancelled")

	return result, nil
}
