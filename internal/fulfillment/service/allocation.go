// Package service implements the allocation engine, allocation review, the
// fulfillment orchestrator and the inventory ledger operations. Every write
// runs in one database transaction and publishes events after commit.
package service

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/outflow/outflow-backend/internal/fulfillment/allocation"
	"github.com/outflow/outflow-backend/internal/fulfillment/domain"
	"github.com/outflow/outflow-backend/internal/fulfillment/events"
	"github.com/outflow/outflow-backend/internal/fulfillment/repository"
	"github.com/outflow/outflow-backend/pkg/actor"
	"github.com/outflow/outflow-backend/pkg/database"
	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/outflow/outflow-backend/pkg/logger"
	"github.com/outflow/outflow-backend/pkg/messaging"
	"github.com/outflow/outflow-backend/pkg/validation"
)

// staleOrderBatch bounds how many orders one expiry pass visits
const staleOrderBatch = 100

// AllocationOptions are the engine defaults
type AllocationOptions struct {
	Strategy     allocation.Strategy
	AllowPartial bool
}

// AllocationService proposes, reviews, confirms and releases allocations
type AllocationService struct {
	db        *database.DB
	repos     *repository.Repositories
	publisher *events.OutboundEventPublisher
	opts      AllocationOptions
	logger    *logger.Logger
	now       func() time.Time
}

// NewAllocationService creates a new allocation service
func NewAllocationService(
	db *database.DB,
	repos *repository.Repositories,
	publisher *events.OutboundEventPublisher,
	opts AllocationOptions,
	log *logger.Logger,
) *AllocationService {
	return &AllocationService{
		db:        db,
		repos:     repos,
		publisher: publisher,
		opts:      opts,
		logger:    log.WithComponent("allocation"),
		now:       time.Now,
	}
}

// AllocateInput requests allocations for every outstanding line of an order
type AllocateInput struct {
	OrderID      string      `json:"order_id" validate:"required,uuid"`
	Strategy     string      `json:"strategy,omitempty"`
	WarehouseID  *string     `json:"warehouse_id,omitempty" validate:"omitempty,uuid"`
	AllowPartial *bool       `json:"allow_partial,omitempty"`
	Actor        actor.Actor `json:"actor"`
}

// UnmetItem is demand no eligible lot could cover
type UnmetItem struct {
	OrderItemID string `json:"order_item_id"`
	LineNumber  int    `json:"line_number"`
	SKUID       string `json:"sku_id"`
	Requested   int64  `json:"requested"`
	Outstanding int64  `json:"outstanding"`
	Unmet       int64  `json:"unmet"`
}

// AllocationResult is the outcome of one allocation run
type AllocationResult struct {
	OrderID     string                   `json:"order_id"`
	OrderStatus domain.OrderStatus       `json:"order_status"`
	Strategy    string                   `json:"strategy"`
	Allocations []*repository.Allocation `json:"allocations"`
	UnmetItems  []UnmetItem              `json:"unmet_items,omitempty"`
}

type linePlan struct {
	item   *repository.OrderItem
	result allocation.Result
}

// AllocateForOrder proposes allocations for the order's outstanding lines.
// When some demand cannot be covered and partial allocation is not allowed,
// nothing is written and an insufficient inventory error is returned
// together with a result listing the unmet lines.
func (s *AllocationService) AllocateForOrder(ctx context.Context, in AllocateInput) (*AllocationResult, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	strategy := s.opts.Strategy
	if in.Strategy != "" {
		parsed, err := allocation.ParseStrategy(in.Strategy)
		if err != nil {
			return nil, err
		}
		strategy = parsed
	}

	allowPartial := s.opts.AllowPartial
	if in.AllowPartial != nil {
		allowPartial = *in.AllowPartial
	}

	result := &AllocationResult{OrderID: in.OrderID, Strategy: strategy.String()}
	var order *repository.Order

	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		repos := s.repos.WithTx(tx)

		var err error
		order, err = repos.Orders.LockNoWait(ctx, in.OrderID)
		if err != nil {
			return err
		}
		result.OrderStatus = order.Status

		if !order.Status.Allocatable() {
			return errors.InvalidTransition("order", string(order.Status), string(domain.OrderAllocated)).
				WithDetail("order_id", order.ID)
		}

		items, err := repos.Orders.LockItems(ctx, order.ID)
		if err != nil {
			return err
		}

		outstanding := outstandingItems(items)
		if len(outstanding) == 0 {
			return nil
		}

		warehouseID := in.WarehouseID
		if warehouseID == nil {
			warehouseID = order.WarehouseID
		}

		lots, err := repos.Lots.LockCandidates(ctx, skuIDs(outstanding), warehouseID, s.now())
		if err != nil {
			return err
		}

		plans := planAllocations(outstanding, lots, strategy, deref(warehouseID))
		result.UnmetItems = unmetItems(plans)
		if len(result.UnmetItems) > 0 && !allowPartial {
			return insufficient(order.ID, result.UnmetItems)
		}

		writer := newStockWriter(repos, in.Actor.ID, s.now())
		lotsByID := repository.IndexLots(lots)

		for _, plan := range plans {
			for _, pick := range plan.result.Picks {
				a := &repository.Allocation{
					ID:          uuid.NewString(),
					OrderID:     order.ID,
					OrderItemID: plan.item.ID,
					LotID:       pick.LotID,
					Quantity:    pick.Quantity,
					Strategy:    strategy.String(),
					Status:      domain.AllocationProposed,
					CreatedBy:   in.Actor.ID,
				}
				if err := repos.Allocations.Create(ctx, a); err != nil {
					return err
				}
				meta := map[string]string{
					"order_id":      order.ID,
					"order_item_id": plan.item.ID,
					"allocation_id": a.ID,
					"strategy":      a.Strategy,
				}
				if err := writer.reserve(ctx, lotsByID[pick.LotID], pick.Quantity, meta); err != nil {
					return err
				}
				plan.item.AllocatedQuantity += pick.Quantity
				result.Allocations = append(result.Allocations, a)
			}

			if plan.result.Allocated > 0 {
				plan.item.Status = domain.DeriveItemStatus(plan.item.RequestedQuantity, plan.item.AllocatedQuantity, plan.item.FulfilledQuantity)
				if err := repos.Orders.UpdateItem(ctx, plan.item); err != nil {
					return err
				}
			}
		}

		if len(result.Allocations) == 0 {
			return nil
		}

		next := domain.OrderPartiallyAllocated
		if all, _ := allocationProgress(items); all {
			next = domain.OrderAllocated
		}
		if err := s.setOrderStatus(ctx, repos, order, next); err != nil {
			return err
		}
		result.OrderStatus = order.Status
		return nil
	})
	if err != nil {
		if errors.Is(err, errors.ErrInsufficientInventory) {
			result.Allocations = nil
			return result, err
		}
		return nil, database.MapError(err, "allocation failed")
	}

	if len(result.Allocations) > 0 {
		s.publisher.PublishAllocationProposed(ctx, order, result.Strategy, result.Allocations, unmetLines(result.UnmetItems), in.Actor.ID)
	}

	s.logger.Info().
		Str("order_id", in.OrderID).
		Str("strategy", result.Strategy).
		Int("allocations", len(result.Allocations)).
		Int("unmet_items", len(result.UnmetItems)).
		Str("order_status", string(result.OrderStatus)).
		Msg("order allocated")

	return result, nil
}

func (s *AllocationService) setOrderStatus(ctx context.Context, repos *repository.Repositories, order *repository.Order, next domain.OrderStatus) error {
	if next == order.Status {
		return nil
	}
	if err := domain.ValidateOrderTransition(domain.MethodCarrier, order.Status, next); err != nil {
		return err
	}
	order.Status = next
	return repos.Orders.UpdateStatus(ctx, order)
}

func outstandingItems(items []*repository.OrderItem) []*repository.OrderItem {
	var out []*repository.OrderItem
	for _, item := range items {
		if item.Status != domain.ItemCancelled && item.Outstanding() > 0 {
			out = append(out, item)
		}
	}
	return out
}

func skuIDs(items []*repository.OrderItem) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.SKUID]; ok {
			continue
		}
		seen[item.SKUID] = struct{}{}
		out = append(out, item.SKUID)
	}
	sort.Strings(out)
	return out
}

// planAllocations runs the selector per line against one shared
// availability view so lines of the same SKU never count a unit twice.
func planAllocations(items []*repository.OrderItem, lots []*repository.InventoryLot, strategy allocation.Strategy, warehouseID string) []linePlan {
	view := make(map[string]*allocation.Lot, len(lots))
	bySKU := make(map[string][]string)
	for _, l := range lots {
		sel := l.Selectable()
		view[l.ID] = &sel
		bySKU[l.SKUID] = append(bySKU[l.SKUID], l.ID)
	}

	plans := make([]linePlan, 0, len(items))
	for _, item := range items {
		candidates := make([]allocation.Lot, 0, len(bySKU[item.SKUID]))
		for _, id := range bySKU[item.SKUID] {
			candidates = append(candidates, *view[id])
		}

		res := allocation.Select(item.Outstanding(), candidates, strategy, warehouseID)
		for _, pick := range res.Picks {
			view[pick.LotID].Reserved += pick.Quantity
		}
		plans = append(plans, linePlan{item: item, result: res})
	}
	return plans
}

func unmetItems(plans []linePlan) []UnmetItem {
	var out []UnmetItem
	for _, p := range plans {
		if p.result.Unmet == 0 {
			continue
		}
		out = append(out, UnmetItem{
			OrderItemID: p.item.ID,
			LineNumber:  p.item.LineNumber,
			SKUID:       p.item.SKUID,
			Requested:   p.item.RequestedQuantity,
			Outstanding: p.item.Outstanding(),
			Unmet:       p.result.Unmet,
		})
	}
	return out
}

func unmetLines(items []UnmetItem) []messaging.UnmetLine {
	if len(items) == 0 {
		return nil
	}
	out := make([]messaging.UnmetLine, len(items))
	for i, u := range items {
		out[i] = messaging.UnmetLine{
			OrderItemID: u.OrderItemID,
			SKUID:       u.SKUID,
			Requested:   u.Requested,
			Unmet:       u.Unmet,
		}
	}
	return out
}

func insufficient(orderID string, unmet []UnmetItem) error {
	err := errors.InsufficientInventory("eligible lots do not cover the order").
		WithDetail("order_id", orderID)
	for _, u := range unmet {
		err.WithDetail("order_item_id:"+u.OrderItemID, u.SKUID)
	}
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
