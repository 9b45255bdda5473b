package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/outflow/outflow-backend/internal/fulfillment/service"
	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/outflow/outflow-backend/pkg/httputil"
	"github.com/outflow/outflow-backend/pkg/logger"
)

// OutboundHandler handles allocation, fulfillment and order endpoints
type OutboundHandler struct {
	allocations  AllocationOperations
	fulfillments FulfillmentOperations
	orders       OrderReader
	logger       *logger.Logger
}

// NewOutboundHandler creates a new outbound handler
func NewOutboundHandler(allocations AllocationOperations, fulfillments FulfillmentOperations, orders OrderReader, log *logger.Logger) *OutboundHandler {
	return &OutboundHandler{
		allocations:  allocations,
		fulfillments: fulfillments,
		orders:       orders,
		logger:       log,
	}
}

// AllocateRequest is the body of POST /orders/{id}/allocations
type AllocateRequest struct {
	Strategy     string  `json:"strategy,omitempty"`
	WarehouseID  *string `json:"warehouse_id,omitempty"`
	AllowPartial *bool   `json:"allow_partial,omitempty"`
}

// ReviewRequest is the body of POST /orders/{id}/allocations/review
type ReviewRequest struct {
	AllocationIDs []string `json:"allocation_ids,omitempty"`
	WarehouseIDs  []string `json:"warehouse_ids,omitempty"`
}

// CancelAllocationsRequest is the body of POST /orders/{id}/allocations/cancel
type CancelAllocationsRequest struct {
	AllocationIDs []string `json:"allocation_ids,omitempty"`
	Reason        string   `json:"reason"`
}

// InitiateRequest is the body of POST /orders/{id}/fulfillments
type InitiateRequest struct {
	AllocationIDs []string `json:"allocation_ids"`
	Method        string   `json:"method,omitempty"`
	Notes         *string  `json:"notes,omitempty"`
}

// ConfirmFulfillmentRequest is the body of POST /orders/{id}/fulfillments/confirm
type ConfirmFulfillmentRequest struct {
	ShipmentID     *string         `json:"shipment_id,omitempty"`
	Targets        service.Targets `json:"targets"`
	Carrier        *string         `json:"carrier,omitempty"`
	TrackingNumber *string         `json:"tracking_number,omitempty"`
}

// CompleteShipmentRequest is the body of POST /shipments/{id}/complete
type CompleteShipmentRequest struct {
	Targets service.Targets `json:"targets"`
}

// CancelOrderRequest is the body of POST /orders/{id}/cancel
type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

// GetOrder returns an order with its lines, allocations and fulfillments
func (h *OutboundHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, view)
}

// Allocate proposes allocations for the order
func (h *OutboundHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	a, ok := requester(w, r)
	if !ok {
		return
	}

	var req AllocateRequest
	if err := decodeOptional(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.allocations.AllocateForOrder(r.Context(), service.AllocateInput{
		OrderID:      chi.URLParam(r, "id"),
		Strategy:     req.Strategy,
		WarehouseID:  req.WarehouseID,
		AllowPartial: req.AllowPartial,
		Actor:        a,
	})
	if err != nil {
		if errors.Is(err, errors.ErrInsufficientInventory) {
			h.logger.Info().Str("order_id", chi.URLParam(r, "id")).Msg("allocation rejected, demand not covered")
		}
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, result)
}

// Review returns a consistent snapshot of the order's allocations
func (h *OutboundHandler) Review(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := decodeOptional(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.allocations.ReviewAllocations(r.Context(), service.ReviewInput{
		OrderID:       chi.URLParam(r, "id"),
		AllocationIDs: req.AllocationIDs,
		WarehouseIDs:  req.WarehouseIDs,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// Confirm confirms every proposed allocation of the order
func (h *OutboundHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	a, ok := requester(w, r)
	if !ok {
		return
	}

	result, err := h.allocations.ConfirmAllocations(r.Context(), service.ConfirmAllocationsInput{
		OrderID: chi.URLParam(r, "id"),
		Actor:   a,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// CancelAllocations releases selected or all live unbound allocations
func (h *OutboundHandler) CancelAllocations(w http.ResponseWriter, r *http.Request) {
	a, ok := requester(w, r)
	if !ok {
		return
	}

	var req CancelAllocationsRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.allocations.CancelAllocations(r.Context(), service.CancelAllocationsInput{
		OrderID:       chi.URLParam(r, "id"),
		AllocationIDs: req.AllocationIDs,
		Reason:        req.Reason,
		Actor:         a,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// Initiate opens a shipment for confirmed allocations
func (h *OutboundHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	a, ok := requester(w, r)
	if !ok {
		return
	}

	var req InitiateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.fulfillments.InitiateFulfillment(r.Context(), service.InitiateInput{
		OrderID:       chi.URLParam(r, "id"),
		AllocationIDs: req.AllocationIDs,
		Method:        req.Method,
		Notes:         req.Notes,
		Actor:         a,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, result)
}

// ConfirmFulfillment moves the order's carrier shipments to the target statuses
func (h *OutboundHandler) ConfirmFulfillment(w http.ResponseWriter, r *http.Request) {
	a, ok := requester(w, r)
	if !ok {
		return
	}

	var req ConfirmFulfillmentRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.fulfillments.ConfirmFulfillment(r.Context(), service.ConfirmFulfillmentInput{
		OrderID:        chi.URLParam(r, "id"),
		ShipmentID:     req.ShipmentID,
		Targets:        req.Targets,
		Carrier:        req.Carrier,
		TrackingNumber: req.TrackingNumber,
		Actor:          a,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// CompleteShipment advances a manual shipment, by default to completed
func (h *OutboundHandler) CompleteShipment(w http.ResponseWriter, r *http.Request) {
	a, ok := requester(w, r)
	if !ok {
		return
	}

	var req CompleteShipmentRequest
	if err := decodeOptional(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.fulfillments.CompleteManualFulfillment(r.Context(), service.CompleteManualInput{
		ShipmentID: chi.URLParam(r, "id"),
		Targets:    req.Targets,
		Actor:      a,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// CancelOrder cancels an order that has not shipped
func (h *OutboundHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	a, ok := requester(w, r)
	if !ok {
		return
	}

	var req CancelOrderRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.fulfillments.CancelOrder(r.Context(), service.CancelOrderInput{
		OrderID: chi.URLParam(r, "id"),
		Reason:  req.Reason,
		Actor:   a,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}
