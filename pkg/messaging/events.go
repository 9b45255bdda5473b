package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types published by the fulfillment service
const (
	EventAllocationProposed    = "outbound.allocation.proposed"
	EventAllocationConfirmed   = "outbound.allocation.confirmed"
	EventAllocationCancelled   = "outbound.allocation.cancelled"
	EventFulfillmentInitiated  = "outbound.fulfillment.initiated"
	EventFulfillmentProgressed = "outbound.fulfillment.progressed"
	EventOrderCancelled        = "outbound.order.cancelled"
	EventLotAdjusted           = "inventory.lot.adjusted"
	EventLotReceived           = "inventory.lot.received"
)

// Event types consumed from the order-management layer
const (
	EventOrderSubmitted       = "order.created"
	EventOrderSubmitCancelled = "order.cancelled"
)

// Exchange names
const (
	ExchangeOutboundEvents = "outbound.events"
	ExchangeOrderEvents    = "order.events"
)

// Event is the envelope every message travels in
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into v
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Event payloads

// AllocationLine describes one allocation in an event payload
type AllocationLine struct {
	AllocationID string `json:"allocation_id"`
	OrderItemID  string `json:"order_item_id"`
	LotID        string `json:"lot_id"`
	Quantity     int64  `json:"quantity"`
}

// UnmetLine describes demand no lot could cover
type UnmetLine struct {
	OrderItemID string `json:"order_item_id"`
	SKUID       string `json:"sku_id"`
	Requested   int64  `json:"requested"`
	Unmet       int64  `json:"unmet"`
}

// AllocationProposedEvent is published after allocations were proposed
type AllocationProposedEvent struct {
	OrderID     string           `json:"order_id"`
	OrderStatus string           `json:"order_status"`
	Strategy    string           `json:"strategy"`
	Allocations []AllocationLine `json:"allocations"`
	Unmet       []UnmetLine      `json:"unmet,omitempty"`
	ActorID     string           `json:"actor_id"`
}

// AllocationConfirmedEvent is published after proposals were confirmed
type AllocationConfirmedEvent struct {
	OrderID       string   `json:"order_id"`
	OrderStatus   string   `json:"order_status"`
	AllocationIDs []string `json:"allocation_ids"`
	ActorID       string   `json:"actor_id"`
}

// AllocationCancelledEvent is published after allocations were released
type AllocationCancelledEvent struct {
	OrderID       string   `json:"order_id"`
	OrderStatus   string   `json:"order_status"`
	AllocationIDs []string `json:"allocation_ids"`
	Reason        string   `json:"reason"`
	ActorID       string   `json:"actor_id"`
}

// FulfillmentInitiatedEvent is published when a shipment was opened
type FulfillmentInitiatedEvent struct {
	OrderID        string   `json:"order_id"`
	ShipmentID     string   `json:"shipment_id"`
	Method         string   `json:"method"`
	FulfillmentIDs []string `json:"fulfillment_ids"`
	ActorID        string   `json:"actor_id"`
}

// StatusChange records one entity moving between statuses
type StatusChange struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

// InventoryDelta records one lot counter change
type InventoryDelta struct {
	LotID        string `json:"lot_id"`
	QuantityKind string `json:"quantity_kind"`
	Previous     int64  `json:"previous"`
	Delta        int64  `json:"delta"`
	New          int64  `json:"new"`
}

// FulfillmentProgressedEvent is published after shipment progress was applied
type FulfillmentProgressedEvent struct {
	OrderID         string           `json:"order_id"`
	OrderStatus     string           `json:"order_status"`
	Shipments       []StatusChange   `json:"shipments"`
	Fulfillments    []StatusChange   `json:"fulfillments"`
	InventoryDeltas []InventoryDelta `json:"inventory_deltas,omitempty"`
	ActorID         string           `json:"actor_id"`
}

// OrderCancelledEvent is published after an order was cancelled
type OrderCancelledEvent struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id"`
}

// LotAdjustedEvent is published after a manual lot adjustment
type LotAdjustedEvent struct {
	LotID    string `json:"lot_id"`
	Delta    int64  `json:"delta"`
	NewTotal int64  `json:"new_total"`
	Reason   string `json:"reason"`
	ActorID  string `json:"actor_id"`
}

// LotReceivedEvent is published after a lot was registered
type LotReceivedEvent struct {
	LotID       string `json:"lot_id"`
	SKUID       string `json:"sku_id"`
	WarehouseID string `json:"warehouse_id"`
	LotNumber   string `json:"lot_number"`
	Quantity    int64  `json:"quantity"`
	ActorID     string `json:"actor_id"`
}

// OrderLine is one line of a submitted order
type OrderLine struct {
	LineNumber int    `json:"line_number" validate:"required,gt=0"`
	SKUID      string `json:"sku_id" validate:"required,uuid"`
	ItemKind   string `json:"item_kind,omitempty" validate:"omitempty,oneof=sku packaging_material"`
	Quantity   int64  `json:"quantity" validate:"required,gt=0"`
}

// OrderSubmittedEvent is consumed when the order-management layer accepts an order
type OrderSubmittedEvent struct {
	OrderID     string      `json:"order_id" validate:"required,uuid"`
	OrderNumber string      `json:"order_number" validate:"required"`
	Category    string      `json:"category" validate:"omitempty,oneof=sales transfer"`
	RequesterID string      `json:"requester_id" validate:"required"`
	WarehouseID *string     `json:"warehouse_id,omitempty" validate:"omitempty,uuid"`
	Items       []OrderLine `json:"items" validate:"required,min=1,dive"`
}

// OrderSubmitCancelledEvent is consumed when the order-management layer withdraws an order
type OrderSubmitCancelledEvent struct {
	OrderID string `json:"order_id" validate:"required,uuid"`
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id,omitempty"`
}
