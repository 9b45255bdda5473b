package service

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/outflow/outflow-backend/internal/fulfillment/domain"
	"github.com/outflow/outflow-backend/internal/fulfillment/repository"
	"github.com/outflow/outflow-backend/pkg/actor"
	"github.com/outflow/outflow-backend/pkg/database"
	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/outflow/outflow-backend/pkg/validation"
)

// ReasonProposalExpired is recorded on proposals the sweeper released
const ReasonProposalExpired = "proposal expired"

// CancelAllocationsInput releases allocations of an order. Empty
// AllocationIDs releases every live allocation not yet handed to fulfillment.
type CancelAllocationsInput struct {
	OrderID       string      `json:"order_id" validate:"required,uuid"`
	AllocationIDs []string    `json:"allocation_ids,omitempty" validate:"omitempty,dive,uuid"`
	Reason        string      `json:"reason" validate:"required"`
	Actor         actor.Actor `json:"actor"`
}

// CancelAllocationsResult is the order state after the release
type CancelAllocationsResult struct {
	Order           *repository.Order        `json:"order"`
	Cancelled       []*repository.Allocation `json:"cancelled"`
	InventoryDeltas []InventoryDelta         `json:"inventory_deltas"`
}

// CancelAllocations cancels live allocations and returns their stock to
// the lots. Allocations bound to a fulfillment are released through the
// fulfillment instead.
func (s *AllocationService) CancelAllocations(ctx context.Context, in CancelAllocationsInput) (*CancelAllocationsResult, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	result := &CancelAllocationsResult{}
	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		repos := s.repos.WithTx(tx)

		order, err := repos.Orders.LockNoWait(ctx, in.OrderID)
		if err != nil {
			return err
		}
		result.Order = order

		if order.Status.IsTerminal() {
			return errors.Conflict("order is already "+strings.ToLower(string(order.Status))).
				WithDetail("order_id", order.ID)
		}

		items, err := repos.Orders.LockItems(ctx, order.ID)
		if err != nil {
			return err
		}

		allocs, err := s.lockReleasable(ctx, repos, order.ID, in.AllocationIDs)
		if err != nil {
			return err
		}
		if len(allocs) == 0 {
			return nil
		}

		deltas, err := s.release(ctx, repos, order, items, allocs, in.Reason, in.Actor.ID)
		if err != nil {
			return err
		}
		result.Cancelled = allocs
		result.InventoryDeltas = deltas
		return nil
	})
	if err != nil {
		return nil, database.MapError(err, "allocation cancellation failed")
	}

	if len(result.Cancelled) > 0 {
		s.publisher.PublishAllocationCancelled(ctx, result.Order, result.Cancelled, in.Reason, in.Actor.ID)
		s.logger.Info().
			Str("order_id", in.OrderID).
			Int("cancelled", len(result.Cancelled)).
			Str("reason", in.Reason).
			Msg("allocations cancelled")
	}

	return result, nil
}

func (s *AllocationService) lockReleasable(ctx context.Context, repos *repository.Repositories, orderID string, ids []string) ([]*repository.Allocation, error) {
	if len(ids) == 0 {
		allocs, err := repos.Allocations.LockByOrder(ctx, orderID, domain.AllocationProposed, domain.AllocationConfirmed)
		if err != nil {
			return nil, err
		}
		out := allocs[:0]
		for _, a := range allocs {
			if a.FulfillmentID == nil {
				out = append(out, a)
			}
		}
		return out, nil
	}

	allocs, err := repos.Allocations.LockByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	found := make(map[string]*repository.Allocation, len(allocs))
	for _, a := range allocs {
		found[a.ID] = a
	}
	for _, id := range ids {
		a, ok := found[id]
		switch {
		case !ok || a.OrderID != orderID:
			return nil, errors.Conflict("allocation does not belong to the order").
				WithDetail("order_id", orderID).
				WithDetail("allocation_id", id)
		case !a.Status.IsLive():
			return nil, errors.Conflict("allocation is already cancelled").WithDetail("allocation_id", id)
		case a.FulfillmentID != nil:
			return nil, errors.Conflict("allocation is bound to a fulfillment").
				WithDetail("allocation_id", id).
				WithDetail("fulfillment_id", *a.FulfillmentID)
		}
	}
	return allocs, nil
}

// release returns the allocations' stock and recomputes the order status
// along the explicit cancellation path.
func (s *AllocationService) release(ctx context.Context, repos *repository.Repositories, order *repository.Order, items []*repository.OrderItem, allocs []*repository.Allocation, reason, actorID string) ([]InventoryDelta, error) {
	lots, err := repos.Lots.LockByIDs(ctx, repository.LotIDs(allocs))
	if err != nil {
		return nil, err
	}
	lotsByID := repository.IndexLots(lots)
	itemsByID := indexItems(items)

	writer := newStockWriter(repos, actorID, s.now())
	for _, a := range allocs {
		if err := writer.releaseAllocation(ctx, a, lotsByID[a.LotID], itemsByID[a.OrderItemID], reason); err != nil {
			return nil, err
		}
	}

	if next := statusAfterRelease(order.Status, items); next != order.Status {
		if err := domain.ValidateOrderRelease(order.Status, next); err != nil {
			return nil, withDetail(err, "order_id", order.ID)
		}
		order.Status = next
		if err := repos.Orders.UpdateStatus(ctx, order); err != nil {
			return nil, err
		}
	}
	return writer.deltas, nil
}

// ExpireStaleProposals cancels proposed allocations older than ttl, one
// order per transaction. Orders locked by another operation are skipped
// and picked up by the next pass.
func (s *AllocationService) ExpireStaleProposals(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.now().Add(-ttl)

	orderIDs, err := s.repos.Allocations.ListStaleProposedOrders(ctx, cutoff, staleOrderBatch)
	if err != nil {
		return 0, database.MapError(err, "failed to list stale proposals")
	}

	system := actor.System()
	expired := 0
	for _, orderID := range orderIDs {
		n, err := s.expireOrder(ctx, orderID, cutoff, system)
		if err != nil {
			if errors.IsRetryable(err) {
				s.logger.Debug().Err(err).Str("order_id", orderID).Msg("order busy, skipping stale proposals")
				continue
			}
			s.logger.Error().Err(err).Str("order_id", orderID).Msg("failed to expire stale proposals")
			continue
		}
		expired += n
	}

	if expired > 0 {
		s.logger.Info().Int("expired", expired).Int("orders", len(orderIDs)).Msg("stale proposals expired")
	}
	return expired, nil
}

func (s *AllocationService) expireOrder(ctx context.Context, orderID string, cutoff time.Time, system actor.Actor) (int, error) {
	var (
		order *repository.Order
		stale []*repository.Allocation
	)

	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		repos := s.repos.WithTx(tx)

		var err error
		order, err = repos.Orders.LockNoWait(ctx, orderID)
		if err != nil {
			return err
		}
		items, err := repos.Orders.LockItems(ctx, order.ID)
		if err != nil {
			return err
		}
		proposed, err := repos.Allocations.LockByOrder(ctx, order.ID, domain.AllocationProposed)
		if err != nil {
			return err
		}
		for _, a := range proposed {
			if a.CreatedAt.Before(cutoff) {
				stale = append(stale, a)
			}
		}
		if len(stale) == 0 {
			return nil
		}

		_, err = s.release(ctx, repos, order, items, stale, ReasonProposalExpired, system.ID)
		return err
	})
	if err != nil {
		return 0, database.MapError(err, "failed to expire proposals")
	}

	s.publisher.PublishAllocationCancelled(ctx, order, stale, ReasonProposalExpired, system.ID)
	return len(stale), nil
}
