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

// ReviewInput selects the allocations to review. Empty AllocationIDs means
// every live allocation of the order; empty WarehouseIDs means any warehouse.
type ReviewInput struct {
	OrderID       string   `json:"order_id" validate:"required,uuid"`
	AllocationIDs []string `json:"allocation_ids,omitempty" validate:"omitempty,dive,uuid"`
	WarehouseIDs  []string `json:"warehouse_ids,omitempty" validate:"omitempty,dive,uuid"`
}

// ReviewHeader summarises the order under review
type ReviewHeader struct {
	OrderID        string             `json:"order_id"`
	OrderNumber    string             `json:"order_number"`
	Status         domain.OrderStatus `json:"status"`
	RequesterID    string             `json:"requester_id"`
	WarehouseID    *string            `json:"warehouse_id,omitempty"`
	TotalRequested int64              `json:"total_requested"`
	TotalAllocated int64              `json:"total_allocated"`
	ProposedCount  int                `json:"proposed_count"`
	ConfirmedCount int                `json:"confirmed_count"`
}

// ReviewItem is one order line with its reviewed allocations
type ReviewItem struct {
	OrderItemID string                         `json:"order_item_id"`
	LineNumber  int                            `json:"line_number"`
	SKUID       string                         `json:"sku_id"`
	Requested   int64                          `json:"requested"`
	Allocated   int64                          `json:"allocated"`
	Status      domain.ItemStatus              `json:"status"`
	Allocations []*repository.AllocationDetail `json:"allocations"`
}

// ReviewResult is the consistent snapshot a reviewer confirms from
type ReviewResult struct {
	Header ReviewHeader `json:"header"`
	Items  []ReviewItem `json:"items"`
}

// ReviewAllocations returns the order's allocations with lot metadata from
// one read-only snapshot. A requested allocation that is cancelled, belongs
// to another order or sits outside the warehouse filter fails the whole
// review with a conflict.
func (s *AllocationService) ReviewAllocations(ctx context.Context, in ReviewInput) (*ReviewResult, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	var result *ReviewResult
	err := s.db.ReadOnly(ctx, func(tx *sqlx.Tx) error {
		repos := s.repos.WithTx(tx)

		order, err := repos.Orders.GetByID(ctx, in.OrderID)
		if err != nil {
			return err
		}
		items, err := repos.Orders.ListItems(ctx, order.ID)
		if err != nil {
			return err
		}
		details, err := repos.Allocations.ListDetails(ctx, order.ID, in.AllocationIDs)
		if err != nil {
			return err
		}

		reviewed, err := selectReviewed(in, details)
		if err != nil {
			return err
		}

		result = buildReview(order, items, reviewed)
		return nil
	})
	if err != nil {
		return nil, database.MapError(err, "allocation review failed")
	}

	return result, nil
}

func selectReviewed(in ReviewInput, details []*repository.AllocationDetail) ([]*repository.AllocationDetail, error) {
	explicit := len(in.AllocationIDs) > 0

	if explicit {
		found := make(map[string]struct{}, len(details))
		for _, d := range details {
			found[d.ID] = struct{}{}
		}
		for _, id := range in.AllocationIDs {
			if _, ok := found[id]; !ok {
				return nil, errors.Conflict("allocation does not belong to the order").
					WithDetail("order_id", in.OrderID).
					WithDetail("allocation_id", id)
			}
		}
	}

	warehouses := make(map[string]struct{}, len(in.WarehouseIDs))
	for _, w := range in.WarehouseIDs {
		warehouses[w] = struct{}{}
	}

	out := make([]*repository.AllocationDetail, 0, len(details))
	for _, d := range details {
		if d.Status == domain.AllocationCancelled {
			if explicit {
				return nil, errors.Conflict("allocation is cancelled").WithDetail("allocation_id", d.ID)
			}
			continue
		}
		if len(warehouses) > 0 {
			if _, ok := warehouses[d.WarehouseID]; !ok {
				return nil, errors.Conflict("allocation is outside the requested warehouses").
					WithDetail("allocation_id", d.ID).
					WithDetail("warehouse_id", d.WarehouseID)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func buildReview(order *repository.Order, items []*repository.OrderItem, details []*repository.AllocationDetail) *ReviewResult {
	byItem := make(map[string][]*repository.AllocationDetail, len(items))
	header := ReviewHeader{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      order.Status,
		RequesterID: order.RequesterID,
		WarehouseID: order.WarehouseID,
	}

	for _, d := range details {
		byItem[d.OrderItemID] = append(byItem[d.OrderItemID], d)
		switch d.Status {
		case domain.AllocationProposed:
			header.ProposedCount++
		case domain.AllocationConfirmed:
			header.ConfirmedCount++
		}
	}

	result := &ReviewResult{Items: make([]ReviewItem, 0, len(items))}
	for _, item := range items {
		header.TotalRequested += item.RequestedQuantity
		header.TotalAllocated += item.AllocatedQuantity
		allocs := byItem[item.ID]
		if allocs == nil {
			allocs = []*repository.AllocationDetail{}
		}
		result.Items = append(result.Items, ReviewItem{
			OrderItemID: item.ID,
			LineNumber:  item.LineNumber,
			SKUID:       item.SKUID,
			Requested:   item.RequestedQuantity,
			Allocated:   item.AllocatedQuantity,
			Status:      item.Status,
			Allocations: allocs,
		})
	}
	result.Header = header
	return result
}

// ConfirmAllocationsInput confirms every proposed allocation of an order
type ConfirmAllocationsInput struct {
	OrderID string      `json:"order_id" validate:"required,uuid"`
	Actor   actor.Actor `json:"actor"`
}

// ConfirmResult is the order state after confirmation
type ConfirmResult struct {
	Order     *repository.Order        `json:"order"`
	Items     []*repository.OrderItem  `json:"items"`
	Confirmed []*repository.Allocation `json:"confirmed"`
}

// ConfirmAllocations moves the order's proposed allocations to confirmed.
// With nothing proposed it returns the current state and writes nothing.
func (s *AllocationService) ConfirmAllocations(ctx context.Context, in ConfirmAllocationsInput) (*ConfirmResult, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	result := &ConfirmResult{}
	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		repos := s.repos.WithTx(tx)

		order, err := repos.Orders.LockNoWait(ctx, in.OrderID)
		if err != nil {
			return err
		}
		items, err := repos.Orders.LockItems(ctx, order.ID)
		if err != nil {
			return err
		}
		result.Order, result.Items = order, items

		proposed, err := repos.Allocations.LockByOrder(ctx, order.ID, domain.AllocationProposed)
		if err != nil {
			return err
		}
		if len(proposed) == 0 {
			return nil
		}

		if order.Status != domain.OrderPartiallyAllocated && order.Status != domain.OrderAllocated {
			return errors.InvalidTransition("order", string(order.Status), string(domain.OrderConfirmed)).
				WithDetail("order_id", order.ID)
		}

		lots, err := repos.Lots.LockByIDs(ctx, repository.LotIDs(proposed))
		if err != nil {
			return err
		}
		lotsByID := repository.IndexLots(lots)

		now := s.now()
		writer := newStockWriter(repos, in.Actor.ID, now)
		for _, a := range proposed {
			if err := repos.Allocations.MarkConfirmed(ctx, a, now); err != nil {
				return err
			}
			lot, ok := lotsByID[a.LotID]
			if !ok {
				return errors.Integrity("allocation references a missing lot").WithDetail("allocation_id", a.ID)
			}
			meta := map[string]string{
				"order_id":      order.ID,
				"order_item_id": a.OrderItemID,
				"allocation_id": a.ID,
			}
			if err := writer.confirm(ctx, lot, meta); err != nil {
				return err
			}
		}
		result.Confirmed = proposed

		for _, item := range items {
			if item.Status == domain.ItemCancelled {
				continue
			}
			derived := domain.DeriveItemStatus(item.RequestedQuantity, item.AllocatedQuantity, item.FulfilledQuantity)
			if derived != item.Status {
				item.Status = derived
				if err := repos.Orders.UpdateItem(ctx, item); err != nil {
					return err
				}
			}
		}

		if all, _ := allocationProgress(items); all {
			if err := s.setOrderStatus(ctx, repos, order, domain.OrderAllocated); err != nil {
				return err
			}
			return s.setOrderStatus(ctx, repos, order, domain.OrderConfirmed)
		}
		return s.setOrderStatus(ctx, repos, order, domain.OrderPartiallyAllocated)
	})
	if err != nil {
		return nil, database.MapError(err, "allocation confirmation failed")
	}

	if len(result.Confirmed) > 0 {
		s.publisher.PublishAllocationConfirmed(ctx, result.Order, result.Confirmed, in.Actor.ID)
		s.logger.Info().
			Str("order_id", in.OrderID).
			Int("confirmed", len(result.Confirmed)).
			Str("order_status", string(result.Order.Status)).
			Msg("allocations confirmed")
	}

	return result, nil
}
