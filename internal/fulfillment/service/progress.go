package service

import (
	"context"
	"sort"
	"strconv"

	"github.com/outflow/outflow-backend/internal/fulfillment/domain"
	"github.com/outflow/outflow-backend/internal/fulfillment/repository"
	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/outflow/outflow-backend/pkg/messaging"
)

// ReasonFulfillmentCancelled is recorded on allocations released because
// their fulfillment was cancelled
const ReasonFulfillmentCancelled = "fulfillment cancelled"

// Targets are the requested statuses. An empty target leaves the entity
// unchanged.
type Targets struct {
	Order       string `json:"order,omitempty"`
	Shipment    string `json:"shipment,omitempty"`
	Fulfillment string `json:"fulfillment,omitempty"`
}

// IsEmpty reports whether no target was requested
func (t Targets) IsEmpty() bool {
	return t.Order == "" && t.Shipment == "" && t.Fulfillment == ""
}

type targetStatuses struct {
	order       domain.OrderStatus
	shipment    domain.ShipmentStatus
	fulfillment domain.FulfillmentStatus
}

// parse resolves the status codes; every unknown code is reported at once.
func (t Targets) parse() (targetStatuses, error) {
	var (
		out     targetStatuses
		details = map[string]string{}
	)

	if t.Order != "" {
		s, err := domain.ParseOrderStatus(t.Order)
		if err != nil {
			details["targets.order"] = "unknown order status " + t.Order
		}
		out.order = s
	}
	if t.Shipment != "" {
		s, err := domain.ParseShipmentStatus(t.Shipment)
		if err != nil {
			details["targets.shipment"] = "unknown shipment status " + t.Shipment
		}
		out.shipment = s
	}
	if t.Fulfillment != "" {
		s, err := domain.ParseFulfillmentStatus(t.Fulfillment)
		if err != nil {
			details["targets.fulfillment"] = "unknown fulfillment status " + t.Fulfillment
		}
		out.fulfillment = s
	}

	if len(details) > 0 {
		return targetStatuses{}, errors.Validation(details)
	}
	return out, nil
}

// progress moves one order's shipments and fulfillments toward the target
// statuses under a single transition table. Callers hold the locks on the
// order, its items, the shipments and the fulfillments.
type progress struct {
	method       domain.Method
	order        *repository.Order
	items        map[string]*repository.OrderItem
	shipments    []*repository.Shipment
	fulfillments []*repository.Fulfillment
	targets      targetStatuses

	carrier        *string
	trackingNumber *string

	// advance takes the order into fulfillment when work leaves pending
	advance bool

	shipmentChanges    []messaging.StatusChange
	fulfillmentChanges []messaging.StatusChange
}

// validate checks every requested transition before anything is written
func (p *progress) validate() error {
	p.advance = p.startsFulfillment()

	if t := p.targets.order; t != "" {
		if t == domain.OrderCancelled {
			return errors.BadRequest("orders are cancelled through order cancellation").
				WithDetail("order_id", p.order.ID)
		}
		from := p.order.Status
		if p.advance {
			from = domain.OrderFulfillmentInProgress
		}
		if t != p.order.Status {
			if err := domain.ValidateOrderTransition(p.method, from, t); err != nil {
				return withDetail(err, "order_id", p.order.ID)
			}
		}
	}

	if t := p.targets.shipment; t != "" {
		for _, s := range p.shipments {
			if err := domain.ValidateShipmentTransition(p.method, s.Status, t); err != nil {
				return withDetail(err, "shipment_id", s.ID)
			}
		}
	}

	if t := p.targets.fulfillment; t != "" {
		for _, f := range p.fulfillments {
			if err := domain.ValidateFulfillmentTransition(p.method, f.Status, t); err != nil {
				return withDetail(err, "fulfillment_id", f.ID)
			}
		}
	}

	if t := p.targets.order; t != p.order.Status && t.SettlesStock() {
		return p.checkSettled(t)
	}
	return nil
}

// startsFulfillment reports whether a shipment or fulfillment leaves
// pending in this step while the order has not entered fulfillment yet.
func (p *progress) startsFulfillment() bool {
	if !domain.CanTransitionOrder(p.method, p.order.Status, domain.OrderFulfillmentInProgress) {
		return false
	}
	if t := p.targets.fulfillment; t != "" && t != domain.FulfillmentCancelled {
		for _, f := range p.fulfillments {
			if f.Status != t {
				return true
			}
		}
	}
	if t := p.targets.shipment; t != "" && t != domain.ShipmentCancelled {
		for _, s := range p.shipments {
			if s.Status != t {
				return true
			}
		}
	}
	return false
}

// checkSettled rejects an order target past shipping while any line would
// still hold reserved stock once this step's fulfillments are applied.
func (p *progress) checkSettled(target domain.OrderStatus) error {
	reserved := make(map[string]int64, len(p.items))
	for id, item := range p.items {
		reserved[id] = item.AllocatedQuantity - item.FulfilledQuantity
	}

	holding := map[string]string{}
	ft := p.targets.fulfillment
	moving := ft != "" && (domain.ConsumesStock(p.method, ft) || ft == domain.FulfillmentCancelled)
	for _, f := range p.fulfillments {
		switch {
		case moving && f.Status != ft:
			reserved[f.OrderItemID] -= f.Quantity
		case f.Status.IsCancellable():
			holding[f.OrderItemID] = f.ID
		}
	}

	ids := make([]string, 0, len(reserved))
	for id, q := range reserved {
		if q > 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)

	id := ids[0]
	err := errors.InvalidTransition("order", string(p.order.Status), string(target)).
		WithDetail("order_id", p.order.ID).
		WithDetail("order_item_id", id).
		WithDetail("reserved_quantity", strconv.FormatInt(reserved[id], 10))
	if fid, ok := holding[id]; ok {
		err = err.WithDetail("fulfillment_id", fid)
	}
	return err
}

// apply writes the validated transitions. Fulfillments crossing into the
// consuming status take their stock out of the lots; cancelled ones give
// their reservations back.
func (p *progress) apply(ctx context.Context, repos *repository.Repositories, writer *stockWriter) error {
	if err := p.applyFulfillments(ctx, repos, writer); err != nil {
		return err
	}

	for _, s := range p.shipments {
		changed := false
		if t := p.targets.shipment; t != "" && t != s.Status {
			p.shipmentChanges = append(p.shipmentChanges, messaging.StatusChange{ID: s.ID, From: string(s.Status), To: string(t)})
			s.Status = t
			if t == domain.ShipmentDispatched && s.DispatchedAt == nil {
				at := writer.at
				s.DispatchedAt = &at
			}
			changed = true
		}
		if p.carrier != nil {
			s.Carrier = p.carrier
			changed = true
		}
		if p.trackingNumber != nil {
			s.TrackingNumber = p.trackingNumber
			changed = true
		}
		if !changed {
			continue
		}
		if err := repos.Shipments.Update(ctx, s); err != nil {
			return err
		}
	}

	next := p.order.Status
	if p.advance {
		next = domain.OrderFulfillmentInProgress
	}
	if t := p.targets.order; t != "" && t != p.order.Status {
		next = t
	}
	if next != p.order.Status {
		p.order.Status = next
		if err := repos.Orders.UpdateStatus(ctx, p.order); err != nil {
			return err
		}
	}
	return nil
}

func (p *progress) applyFulfillments(ctx context.Context, repos *repository.Repositories, writer *stockWriter) error {
	target := p.targets.fulfillment
	if target == "" {
		return nil
	}

	var changing []*repository.Fulfillment
	for _, f := range p.fulfillments {
		if f.Status != target {
			changing = append(changing, f)
		}
	}
	if len(changing) == 0 {
		return nil
	}

	moving := domain.ConsumesStock(p.method, target) || target == domain.FulfillmentCancelled
	bound := map[string][]*repository.Allocation{}
	lots := map[string]*repository.InventoryLot{}
	if moving {
		ids := make([]string, len(changing))
		for i, f := range changing {
			ids[i] = f.ID
		}
		allocs, err := repos.Allocations.LockByFulfillments(ctx, ids)
		if err != nil {
			return err
		}
		locked, err := repos.Lots.LockByIDs(ctx, repository.LotIDs(allocs))
		if err != nil {
			return err
		}
		lots = repository.IndexLots(locked)
		for _, a := range allocs {
			bound[*a.FulfillmentID] = append(bound[*a.FulfillmentID], a)
		}
	}

	for _, f := range changing {
		item := p.items[f.OrderItemID]
		if item == nil {
			return errors.Integrity("fulfillment references a line outside the order").
				WithDetail("fulfillment_id", f.ID)
		}

		switch {
		case domain.ConsumesStock(p.method, target):
			if err := p.consume(ctx, repos, writer, f, item, bound[f.ID], lots); err != nil {
				return err
			}
		case target == domain.FulfillmentCancelled:
			for _, a := range bound[f.ID] {
				if err := writer.releaseAllocation(ctx, a, lots[a.LotID], item, ReasonFulfillmentCancelled); err != nil {
					return err
				}
			}
		}

		p.fulfillmentChanges = append(p.fulfillmentChanges, messaging.StatusChange{ID: f.ID, From: string(f.Status), To: string(target)})
		f.Status = target
		if err := repos.Fulfillments.UpdateStatus(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (p *progress) consume(ctx context.Context, repos *repository.Repositories, writer *stockWriter, f *repository.Fulfillment, item *repository.OrderItem, allocs []*repository.Allocation, lots map[string]*repository.InventoryLot) error {
	var shipped int64
	for _, a := range allocs {
		lot := lots[a.LotID]
		if lot == nil {
			return errors.Integrity("allocation references a lot outside the locked set").
				WithDetail("allocation_id", a.ID)
		}
		meta := map[string]string{
			"order_id":       a.OrderID,
			"order_item_id":  a.OrderItemID,
			"allocation_id":  a.ID,
			"fulfillment_id": f.ID,
			"shipment_id":    f.ShipmentID,
		}
		if err := writer.consume(ctx, lot, a.Quantity, meta); err != nil {
			return err
		}
		shipped += a.Quantity
	}
	if shipped != f.Quantity {
		return errors.Integrity("fulfillment quantity does not match its allocations").
			WithDetail("fulfillment_id", f.ID)
	}

	item.FulfilledQuantity += shipped
	item.Status = domain.DeriveItemStatus(item.RequestedQuantity, item.AllocatedQuantity, item.FulfilledQuantity)
	return repos.Orders.UpdateItem(ctx, item)
}

func (p *progress) event(deltas []InventoryDelta, actorID string) messaging.FulfillmentProgressedEvent {
	return messaging.FulfillmentProgressedEvent{
		OrderID:         p.order.ID,
		OrderStatus:     string(p.order.Status),
		Shipments:       p.shipmentChanges,
		Fulfillments:    p.fulfillmentChanges,
		InventoryDeltas: toMessageDeltas(deltas),
		ActorID:         actorID,
	}
}

// fulfillmentComplete reports whether every active line shipped in full
func fulfillmentComplete(items []*repository.OrderItem) bool {
	active := 0
	for _, item := range items {
		if item.Status == domain.ItemCancelled {
			continue
		}
		active++
		if item.FulfilledQuantity < item.RequestedQuantity {
			return false
		}
	}
	return active > 0
}

func withDetail(err error, key, value string) error {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return appErr.WithDetail(key, value)
	}
	return err
}
