package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/outflow/outflow-backend/internal/fulfillment/domain"
	"github.com/outflow/outflow-backend/internal/fulfillment/events"
	"github.com/outflow/outflow-backend/internal/fulfillment/repository"
	"github.com/outflow/outflow-backend/pkg/actor"
	"github.com/outflow/outflow-backend/pkg/database"
	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/outflow/outflow-backend/pkg/logger"
	"github.com/outflow/outflow-backend/pkg/validation"
)

// FulfillmentService turns confirmed allocations into shipments and moves
// them through their lifecycle
type FulfillmentService struct {
	db        *database.DB
	repos     *repository.Repositories
	publisher *events.OutboundEventPublisher
	logger    *logger.Logger
	now       func() time.Time
}

// NewFulfillmentService creates a new fulfillment service
func NewFulfillmentService(
	db *database.DB,
	repos *repository.Repositories,
	publisher *events.OutboundEventPublisher,
	log *logger.Logger,
) *FulfillmentService {
	return &FulfillmentService{
		db:        db,
		repos:     repos,
		publisher: publisher,
		logger:    log.WithComponent("fulfillment"),
		now:       time.Now,
	}
}

// InitiateInput hands confirmed allocations to fulfillment
type InitiateInput struct {
	OrderID       string      `json:"order_id" validate:"required,uuid"`
	AllocationIDs []string    `json:"allocation_ids" validate:"required,min=1,dive,uuid"`
	Method        string      `json:"method,omitempty"`
	Notes         *string     `json:"notes,omitempty"`
	Actor         actor.Actor `json:"actor"`
}

// InitiateResult is the opened shipment
type InitiateResult struct {
	Order        *repository.Order         `json:"order"`
	Shipment     *repository.Shipment      `json:"shipment"`
	Fulfillments []*repository.Fulfillment `json:"fulfillments"`
}

// InitiateFulfillment opens one shipment with one pending fulfillment per
// affected line. Stock quantities do not change.
func (s *FulfillmentService) InitiateFulfillment(ctx context.Context, in InitiateInput) (*InitiateResult, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	method, err := domain.ParseMethod(in.Method)
	if err != nil {
		return nil, err
	}

	result := &InitiateResult{}
	err = s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		repos := s.repos.WithTx(tx)

		order, err := repos.Orders.LockNoWait(ctx, in.OrderID)
		if err != nil {
			return err
		}
		result.Order = order

		if !order.Status.AcceptsFulfillment() {
			return errors.InvalidTransition("order", string(order.Status), string(domain.OrderFulfillmentInProgress)).
				WithDetail("order_id", order.ID)
		}

		items, err := repos.Orders.LockItems(ctx, order.ID)
		if err != nil {
			return err
		}

		allocs, err := lockInitiable(ctx, repos, order.ID, in.AllocationIDs)
		if err != nil {
			return err
		}

		shipment := &repository.Shipment{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			Method:    method,
			Status:    domain.ShipmentPending,
			Notes:     in.Notes,
			CreatedBy: in.Actor.ID,
		}
		if err := repos.Shipments.Create(ctx, shipment); err != nil {
			return err
		}
		result.Shipment = shipment

		byItem := make(map[string][]*repository.Allocation)
		for _, a := range allocs {
			byItem[a.OrderItemID] = append(byItem[a.OrderItemID], a)
		}

		for _, item := range items {
			bound := byItem[item.ID]
			if len(bound) == 0 {
				continue
			}
			var qty int64
			for _, a := range bound {
				qty += a.Quantity
			}

			f := &repository.Fulfillment{
				ID:          uuid.NewString(),
				OrderID:     order.ID,
				OrderItemID: item.ID,
				ShipmentID:  shipment.ID,
				Quantity:    qty,
				Status:      domain.FulfillmentPending,
			}
			if err := repos.Fulfillments.Create(ctx, f); err != nil {
				return err
			}
			for _, a := range bound {
				if err := repos.Allocations.BindFulfillment(ctx, a, f.ID); err != nil {
					return err
				}
			}
			result.Fulfillments = append(result.Fulfillments, f)
		}

		if len(result.Fulfillments) != len(byItem) {
			return errors.Integrity("allocations reference lines outside the order").
				WithDetail("order_id", order.ID)
		}
		return nil
	})
	if err != nil {
		return nil, database.MapError(err, "fulfillment initiation failed")
	}

	s.publisher.PublishFulfillmentInitiated(ctx, result.Shipment, result.Fulfillments, in.Actor.ID)

	s.logger.Info().
		Str("order_id", in.OrderID).
		Str("shipment_id", result.Shipment.ID).
		Str("method", string(method)).
		Int("fulfillments", len(result.Fulfillments)).
		Msg("fulfillment initiated")

	return result, nil
}

// lockInitiable locks the allocations and requires every one to be
// confirmed, unbound and owned by the order.
func lockInitiable(ctx context.Context, repos *repository.Repositories, orderID string, ids []string) ([]*repository.Allocation, error) {
	allocs, err := repos.Allocations.LockByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	found := make(map[string]*repository.Allocation, len(allocs))
	for _, a := range allocs {
		found[a.ID] = a
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]*repository.Allocation, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		a, ok := found[id]
		switch {
		case !ok || a.OrderID != orderID:
			return nil, errors.Conflict("allocation does not belong to the order").
				WithDetail("order_id", orderID).
				WithDetail("allocation_id", id)
		case a.Status != domain.AllocationConfirmed:
			return nil, errors.Conflict("allocation is not confirmed").
				WithDetail("allocation_id", id).
				WithDetail("status", string(a.Status))
		case a.FulfillmentID != nil:
			return nil, errors.Conflict("allocation is already bound to a fulfillment").
				WithDetail("allocation_id", id).
				WithDetail("fulfillment_id", *a.FulfillmentID)
		}
		out = append(out, a)
	}
	return out, nil
}

// ConfirmFulfillmentInput moves the order's open carrier shipments. A nil
// ShipmentID applies the targets to every open carrier shipment.
type ConfirmFulfillmentInput struct {
	OrderID        string      `json:"order_id" validate:"required,uuid"`
	ShipmentID     *string     `json:"shipment_id,omitempty" validate:"omitempty,uuid"`
	Targets        Targets     `json:"targets"`
	Carrier        *string     `json:"carrier,omitempty"`
	TrackingNumber *string     `json:"tracking_number,omitempty"`
	Actor          actor.Actor `json:"actor"`
}

// ProgressResult is the order state after a fulfillment step
type ProgressResult struct {
	Order           *repository.Order         `json:"order"`
	Shipments       []*repository.Shipment    `json:"shipments"`
	Fulfillments    []*repository.Fulfillment `json:"fulfillments"`
	InventoryDeltas []InventoryDelta          `json:"inventory_deltas"`
}

// ConfirmFulfillment applies carrier-flow target statuses. Stock leaves
// the lots when fulfillments reach shipped. The order enters fulfillment
// with the first step out of pending and cannot move past shipping while
// any line still holds reserved stock.
func (s *FulfillmentService) ConfirmFulfillment(ctx context.Context, in ConfirmFulfillmentInput) (*ProgressResult, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if in.Targets.IsEmpty() {
		return nil, errors.Validation(map[string]string{"targets": "at least one target status is required"})
	}
	targets, err := in.Targets.parse()
	if err != nil {
		return nil, err
	}

	result := &ProgressResult{}
	var p *progress

	err = s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		repos := s.repos.WithTx(tx)

		order, err := repos.Orders.LockNoWait(ctx, in.OrderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			return errors.Conflict("order is already "+strings.ToLower(string(order.Status))).
				WithDetail("order_id", order.ID)
		}

		items, err := repos.Orders.LockItems(ctx, order.ID)
		if err != nil {
			return err
		}

		shipments, err := repos.Shipments.LockOpenByOrder(ctx, order.ID, domain.MethodCarrier)
		if err != nil {
			return err
		}
		if in.ShipmentID != nil {
			shipments = filterShipment(shipments, *in.ShipmentID)
			if len(shipments) == 0 {
				return errors.Conflict("shipment is not an open carrier shipment of the order").
					WithDetail("order_id", order.ID).
					WithDetail("shipment_id", *in.ShipmentID)
			}
		}
		if len(shipments) == 0 && (targets.shipment != "" || targets.fulfillment != "") {
			return errors.Conflict("order has no open carrier shipments").WithDetail("order_id", order.ID)
		}

		fulfillments, err := repos.Fulfillments.LockOpenByShipments(ctx, shipmentIDs(shipments))
		if err != nil {
			return err
		}

		p = &progress{
			method:         domain.MethodCarrier,
			order:          order,
			items:          indexItems(items),
			shipments:      shipments,
			fulfillments:   fulfillments,
			targets:        targets,
			carrier:        in.Carrier,
			trackingNumber: in.TrackingNumber,
		}
		if err := p.validate(); err != nil {
			return err
		}

		writer := newStockWriter(repos, in.Actor.ID, s.now())
		if err := p.apply(ctx, repos, writer); err != nil {
			return err
		}

		result.Order = order
		result.Shipments = shipments
		result.Fulfillments = fulfillments
		result.InventoryDeltas = writer.deltas
		return nil
	})
	if err != nil {
		return nil, database.MapError(err, "fulfillment confirmation failed")
	}

	s.publisher.PublishFulfillmentProgressed(ctx, p.event(result.InventoryDeltas, in.Actor.ID))

	s.logger.Info().
		Str("order_id", in.OrderID).
		Str("order_status", string(result.Order.Status)).
		Int("shipments", len(p.shipmentChanges)).
		Int("fulfillments", len(p.fulfillmentChanges)).
		Int("inventory_deltas", len(result.InventoryDeltas)).
		Msg("fulfillment confirmed")

	return result, nil
}

// CompleteManualInput moves one manual shipment. Empty targets complete
// the shipment and its fulfillments.
type CompleteManualInput struct {
	ShipmentID string      `json:"shipment_id" validate:"required,uuid"`
	Targets    Targets     `json:"targets"`
	Actor      actor.Actor `json:"actor"`
}

// CompleteManualFulfillment applies manual-flow target statuses to one
// shipment. Stock leaves the lots when fulfillments reach completed; the
// order completes once every active line is fulfilled unless an explicit
// order target was given.
func (s *FulfillmentService) CompleteManualFulfillment(ctx context.Context, in CompleteManualInput) (*ProgressResult, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	defaults := in.Targets.IsEmpty()
	if defaults {
		in.Targets = Targets{
			Shipment:    string(domain.ShipmentCompleted),
			Fulfillment: string(domain.FulfillmentCompleted),
		}
	}
	targets, err := in.Targets.parse()
	if err != nil {
		return nil, err
	}

	located, err := s.repos.Shipments.GetByID(ctx, in.ShipmentID)
	if err != nil {
		return nil, database.MapError(err, "failed to load shipment")
	}

	result := &ProgressResult{}
	var p *progress

	err = s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		repos := s.repos.WithTx(tx)

		order, err := repos.Orders.LockNoWait(ctx, located.OrderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			return errors.Conflict("order is already "+strings.ToLower(string(order.Status))).
				WithDetail("order_id", order.ID)
		}

		items, err := repos.Orders.LockItems(ctx, order.ID)
		if err != nil {
			return err
		}

		shipment, err := repos.Shipments.LockByID(ctx, in.ShipmentID)
		if err != nil {
			return err
		}
		if shipment.Method != domain.MethodManual {
			return errors.BadRequest("shipment is not a manual handoff").
				WithDetail("shipment_id", shipment.ID)
		}
		if !shipment.Status.IsOpen() {
			return errors.Conflict("shipment is already "+string(shipment.Status)).
				WithDetail("shipment_id", shipment.ID)
		}

		fulfillments, err := repos.Fulfillments.LockOpenByShipments(ctx, []string{shipment.ID})
		if err != nil {
			return err
		}

		p = &progress{
			method:       domain.MethodManual,
			order:        order,
			items:        indexItems(items),
			shipments:    []*repository.Shipment{shipment},
			fulfillments: fulfillments,
			targets:      targets,
		}
		if err := p.validate(); err != nil {
			return err
		}

		writer := newStockWriter(repos, in.Actor.ID, s.now())
		if err := p.apply(ctx, repos, writer); err != nil {
			return err
		}

		if defaults {
			if err := advanceManualOrder(ctx, repos, order, items); err != nil {
				return err
			}
		}

		result.Order = order
		result.Shipments = p.shipments
		result.Fulfillments = fulfillments
		result.InventoryDeltas = writer.deltas
		return nil
	})
	if err != nil {
		return nil, database.MapError(err, "manual fulfillment failed")
	}

	s.publisher.PublishFulfillmentProgressed(ctx, p.event(result.InventoryDeltas, in.Actor.ID))

	s.logger.Info().
		Str("order_id", result.Order.ID).
		Str("shipment_id", in.ShipmentID).
		Str("order_status", string(result.Order.Status)).
		Int("inventory_deltas", len(result.InventoryDeltas)).
		Msg("manual fulfillment progressed")

	return result, nil
}

// advanceManualOrder steps the order through the manual flow: into
// fulfillment once a handoff happened, and on to completed when every
// active line is fulfilled.
func advanceManualOrder(ctx context.Context, repos *repository.Repositories, order *repository.Order, items []*repository.OrderItem) error {
	steps := []domain.OrderStatus{domain.OrderFulfillmentInProgress}
	if fulfillmentComplete(items) {
		steps = append(steps, domain.OrderCompleted)
	}

	changed := false
	for _, next := range steps {
		if order.Status == next || !domain.CanTransitionOrder(domain.MethodManual, order.Status, next) {
			continue
		}
		order.Status = next
		changed = true
	}
	if !changed {
		return nil
	}
	return repos.Orders.UpdateStatus(ctx, order)
}

func filterShipment(shipments []*repository.Shipment, id string) []*repository.Shipment {
	for _, s := range shipments {
		if s.ID == id {
			return []*repository.Shipment{s}
		}
	}
	return nil
}

func shipmentIDs(shipments []*repository.Shipment) []string {
	out := make([]string, len(shipments))
	for i, s := range shipments {
		out[i] = s.ID
	}
	return out
}
