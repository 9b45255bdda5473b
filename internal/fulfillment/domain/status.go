// Package domain holds the status vocabulary of orders, allocations,
// fulfillments and shipments, and the transition tables that govern them.
package domain

import (
	"fmt"
	"strings"

	"github.com/outflow/outflow-backend/pkg/errors"
)

// OrderStatus is the lifecycle status of an order
type OrderStatus string

const (
	OrderPending               OrderStatus = "PENDING"
	OrderPartiallyAllocated    OrderStatus = "PARTIALLY_ALLOCATED"
	OrderAllocated             OrderStatus = "ALLOCATED"
	OrderConfirmed             OrderStatus = "CONFIRMED"
	OrderFulfillmentInProgress OrderStatus = "FULFILLMENT_IN_PROGRESS"
	OrderShipped               OrderStatus = "SHIPPED"
	OrderDelivered             OrderStatus = "DELIVERED"
	OrderCompleted             OrderStatus = "COMPLETED"
	OrderCancelled             OrderStatus = "CANCELLED"
)

// ItemStatus is the allocation progress of one order line
type ItemStatus string

const (
	ItemPending            ItemStatus = "pending"
	ItemPartiallyAllocated ItemStatus = "partially_allocated"
	ItemFullyAllocated     ItemStatus = "fully_allocated"
	ItemFulfilled          ItemStatus = "fulfilled"
	ItemCancelled          ItemStatus = "cancelled"
)

// ItemKind distinguishes sellable SKUs from packaging material lines
type ItemKind string

const (
	ItemKindSKU       ItemKind = "sku"
	ItemKindPackaging ItemKind = "packaging_material"
)

// LotStatus is the availability status of an inventory lot
type LotStatus string

const (
	LotAvailable   LotStatus = "available"
	LotReserved    LotStatus = "reserved"
	LotQuarantined LotStatus = "quarantined"
	LotExpired     LotStatus = "expired"
	LotConsumed    LotStatus = "consumed"
	LotDisposed    LotStatus = "disposed"
)

// AllocationStatus is the status of an allocation
type AllocationStatus string

const (
	AllocationProposed  AllocationStatus = "proposed"
	AllocationConfirmed AllocationStatus = "confirmed"
	AllocationCancelled AllocationStatus = "cancelled"
)

// FulfillmentStatus is the shipment readiness of one order line
type FulfillmentStatus string

const (
	FulfillmentPending   FulfillmentStatus = "pending"
	FulfillmentPicking   FulfillmentStatus = "picking"
	FulfillmentPacked    FulfillmentStatus = "packed"
	FulfillmentShipped   FulfillmentStatus = "shipped"
	FulfillmentDelivered FulfillmentStatus = "delivered"
	FulfillmentCompleted FulfillmentStatus = "completed"
	FulfillmentCancelled FulfillmentStatus = "cancelled"
)

// ShipmentStatus is the status of a shipment
type ShipmentStatus string

const (
	ShipmentPending    ShipmentStatus = "pending"
	ShipmentPicking    ShipmentStatus = "picking"
	ShipmentPacked     ShipmentStatus = "packed"
	ShipmentDispatched ShipmentStatus = "dispatched"
	ShipmentDelivered  ShipmentStatus = "delivered"
	ShipmentCompleted  ShipmentStatus = "completed"
	ShipmentCancelled  ShipmentStatus = "cancelled"
)

// Method is how goods leave the warehouse; it selects the transition table.
type Method string

const (
	MethodCarrier Method = "carrier"
	MethodManual  Method = "manual"
)

var (
	orderStatuses = []OrderStatus{
		OrderPending, OrderPartiallyAllocated, OrderAllocated, OrderConfirmed,
		OrderFulfillmentInProgress, OrderShipped, OrderDelivered, OrderCompleted, OrderCancelled,
	}
	fulfillmentStatuses = []FulfillmentStatus{
		FulfillmentPending, FulfillmentPicking, FulfillmentPacked, FulfillmentShipped,
		FulfillmentDelivered, FulfillmentCompleted, FulfillmentCancelled,
	}
	shipmentStatuses = []ShipmentStatus{
		ShipmentPending, ShipmentPicking, ShipmentPacked, ShipmentDispatched,
		ShipmentDelivered, ShipmentCompleted, ShipmentCancelled,
	}
)

func parse[S ~string](field, raw string, known []S, normalize func(string) string) (S, error) {
	candidate := S(normalize(strings.TrimSpace(raw)))
	for _, s := range known {
		if s == candidate {
			return s, nil
		}
	}
	return "", errors.Validation(map[string]string{
		field: fmt.Sprintf("unknown status %q", raw),
	})
}

// ParseOrderStatus parses an order status code, case-insensitively
func ParseOrderStatus(raw string) (OrderStatus, error) {
	return parse("order", raw, orderStatuses, strings.ToUpper)
}

// ParseFulfillmentStatus parses a fulfillment status code, case-insensitively
func ParseFulfillmentStatus(raw string) (FulfillmentStatus, error) {
	return parse("fulfillment", raw, fulfillmentStatuses, strings.ToLower)
}

// ParseShipmentStatus parses a shipment status code, case-insensitively
func ParseShipmentStatus(raw string) (ShipmentStatus, error) {
	return parse("shipment", raw, shipmentStatuses, strings.ToLower)
}

// ParseMethod parses a shipment method; empty means carrier.
func ParseMethod(raw string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(raw))) {
	case "", MethodCarrier:
		return MethodCarrier, nil
	case MethodManual:
		return MethodManual, nil
	}
	return "", errors.Validation(map[string]string{"method": "must be one of: carrier manual"})
}

// DeriveItemStatus computes a line's status from its counters
func DeriveItemStatus(requested, allocated, fulfilled int64) ItemStatus {
	switch {
	case requested > 0 && fulfilled == requested:
		return ItemFulfilled
	case requested > 0 && allocated == requested:
		return ItemFullyAllocated
	case allocated > 0:
		return ItemPartiallyAllocated
	default:
		return ItemPending
	}
}
