package domain

import (
	"github.com/outflow/outflow-backend/pkg/errors"
)

type table[S ~string] map[S][]S

func (t table[S]) allows(from, to S) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (t table[S]) successors(from S) []S {
	out := make([]S, len(t[from]))
	copy(out, t[from])
	return out
}

// Order transitions before goods leave are shared by both methods.
var (
	carrierOrderFlow = table[OrderStatus]{
		OrderPending:               {OrderPartiallyAllocated, OrderAllocated, OrderCancelled},
		OrderPartiallyAllocated:    {OrderAllocated, OrderFulfillmentInProgress, OrderCancelled},
		OrderAllocated:             {OrderConfirmed, OrderCancelled},
		OrderConfirmed:             {OrderFulfillmentInProgress, OrderCancelled},
		OrderFulfillmentInProgress: {OrderShipped, OrderCancelled},
		OrderShipped:               {OrderDelivered, OrderCompleted},
		OrderDelivered:             {OrderCompleted},
	}
	manualOrderFlow = table[OrderStatus]{
		OrderPending:               {OrderPartiallyAllocated, OrderAllocated, OrderCancelled},
		OrderPartiallyAllocated:    {OrderAllocated, OrderFulfillmentInProgress, OrderCancelled},
		OrderAllocated:             {OrderConfirmed, OrderCancelled},
		OrderConfirmed:             {OrderFulfillmentInProgress, OrderCancelled},
		OrderFulfillmentInProgress: {OrderCompleted, OrderCancelled},
	}

	// Releasing allocations walks an order back toward pending. These edges
	// are only taken by the release path, never by a requested target.
	releaseOrderFlow = table[OrderStatus]{
		OrderPartiallyAllocated: {OrderPending},
		OrderAllocated:          {OrderPartiallyAllocated, OrderPending},
		OrderConfirmed:          {OrderPartiallyAllocated, OrderPending},
	}

	carrierFulfillmentFlow = table[FulfillmentStatus]{
		FulfillmentPending:   {FulfillmentPicking, FulfillmentCancelled},
		FulfillmentPicking:   {FulfillmentPacked, FulfillmentCancelled},
		FulfillmentPacked:    {FulfillmentShipped, FulfillmentCancelled},
		FulfillmentShipped:   {FulfillmentDelivered},
		FulfillmentDelivered: {FulfillmentCompleted},
	}
	manualFulfillmentFlow = table[FulfillmentStatus]{
		FulfillmentPending: {FulfillmentPicking, FulfillmentCancelled},
		FulfillmentPicking: {FulfillmentPacked, FulfillmentCancelled},
		FulfillmentPacked:  {FulfillmentCompleted, FulfillmentCancelled},
	}

	carrierShipmentFlow = table[ShipmentStatus]{
		ShipmentPending:    {ShipmentPicking, ShipmentCancelled},
		ShipmentPicking:    {ShipmentPacked, ShipmentCancelled},
		ShipmentPacked:     {ShipmentDispatched, ShipmentCancelled},
		ShipmentDispatched: {ShipmentDelivered},
		ShipmentDelivered:  {ShipmentCompleted},
	}
	manualShipmentFlow = table[ShipmentStatus]{
		ShipmentPending: {ShipmentPicking, ShipmentCancelled},
		ShipmentPicking: {ShipmentPacked, ShipmentCancelled},
		ShipmentPacked:  {ShipmentCompleted, ShipmentCancelled},
	}
)

func orderFlow(m Method) table[OrderStatus] {
	if m == MethodManual {
		return manualOrderFlow
	}
	return carrierOrderFlow
}

func fulfillmentFlow(m Method) table[FulfillmentStatus] {
	if m == MethodManual {
		return manualFulfillmentFlow
	}
	return carrierFulfillmentFlow
}

func shipmentFlow(m Method) table[ShipmentStatus] {
	if m == MethodManual {
		return manualShipmentFlow
	}
	return carrierShipmentFlow
}

// CanTransitionOrder reports whether to is a listed successor of from
func CanTransitionOrder(m Method, from, to OrderStatus) bool {
	return orderFlow(m).allows(from, to)
}

// OrderSuccessors lists the legal next statuses of an order
func OrderSuccessors(m Method, from OrderStatus) []OrderStatus {
	return orderFlow(m).successors(from)
}

// ValidateOrderTransition accepts to == from as a no-op and otherwise
// requires a listed successor.
func ValidateOrderTransition(m Method, from, to OrderStatus) error {
	if from == to || CanTransitionOrder(m, from, to) {
		return nil
	}
	return errors.InvalidTransition("order", string(from), string(to))
}

// ValidateOrderRelease checks the status an order falls back to after some
// of its allocations were released. to == from is a no-op.
func ValidateOrderRelease(from, to OrderStatus) error {
	if from == to || releaseOrderFlow.allows(from, to) {
		return nil
	}
	return errors.InvalidTransition("order", string(from), string(to))
}

// ValidateFulfillmentTransition accepts to == from as a no-op and otherwise
// requires a listed successor.
func ValidateFulfillmentTransition(m Method, from, to FulfillmentStatus) error {
	if from == to || fulfillmentFlow(m).allows(from, to) {
		return nil
	}
	return errors.InvalidTransition("fulfillment", string(from), string(to))
}

// ValidateShipmentTransition accepts to == from as a no-op and otherwise
// requires a listed successor.
func ValidateShipmentTransition(m Method, from, to ShipmentStatus) error {
	if from == to || shipmentFlow(m).allows(from, to) {
		return nil
	}
	return errors.InvalidTransition("shipment", string(from), string(to))
}

// SettlesStock reports whether reaching to means every line of the order
// must already have its reserved stock consumed or released.
func (s OrderStatus) SettlesStock() bool {
	return s == OrderShipped || s == OrderDelivered || s == OrderCompleted
}

// IsTerminal reports whether an order accepts no further transitions
func (s OrderStatus) IsTerminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// Cancellable reports whether the order can still be cancelled. Stock has
// not left the warehouse in any of these states.
func (s OrderStatus) Cancellable() bool {
	return carrierOrderFlow.allows(s, OrderCancelled)
}

// Allocatable reports whether the engine may add allocations to the order
func (s OrderStatus) Allocatable() bool {
	return s == OrderPending || s == OrderPartiallyAllocated || s == OrderAllocated
}

// AcceptsFulfillment reports whether confirmed allocations of the order can
// be handed to fulfillment
func (s OrderStatus) AcceptsFulfillment() bool {
	return s == OrderConfirmed || s == OrderPartiallyAllocated || s == OrderFulfillmentInProgress
}

// IsOpen reports whether a fulfillment still accepts transitions
func (s FulfillmentStatus) IsOpen() bool {
	return s != FulfillmentCompleted && s != FulfillmentCancelled
}

// IsCancellable reports whether the fulfillment has not shipped yet
func (s FulfillmentStatus) IsCancellable() bool {
	return s == FulfillmentPending || s == FulfillmentPicking || s == FulfillmentPacked
}

// IsOpen reports whether a shipment still accepts transitions
func (s ShipmentStatus) IsOpen() bool {
	return s != ShipmentCompleted && s != ShipmentCancelled
}

// ConsumesStock reports whether reaching to means stock physically left
// the warehouse under method m.
func ConsumesStock(m Method, to FulfillmentStatus) bool {
	if m == MethodManual {
		return to == FulfillmentCompleted
	}
	return to == FulfillmentShipped
}

// IsLive reports whether the allocation still holds reserved stock
func (s AllocationStatus) IsLive() bool {
	return s == AllocationProposed || s == AllocationConfirmed
}
