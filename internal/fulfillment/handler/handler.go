package handler

import (
	"context"
	"net/http"

	"github.com/outflow/outflow-backend/internal/fulfillment/repository"
	"github.com/outflow/outflow-backend/internal/fulfillment/service"
	"github.com/outflow/outflow-backend/pkg/actor"
	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/outflow/outflow-backend/pkg/httputil"
)

// AllocationOperations is the allocation engine as the HTTP layer sees it
type AllocationOperations interface {
	AllocateForOrder(ctx context.Context, in service.AllocateInput) (*service.AllocationResult, error)
	ReviewAllocations(ctx context.Context, in service.ReviewInput) (*service.ReviewResult, error)
	ConfirmAllocations(ctx context.Context, in service.ConfirmAllocationsInput) (*service.ConfirmResult, error)
	CancelAllocations(ctx context.Context, in service.CancelAllocationsInput) (*service.CancelAllocationsResult, error)
}

// FulfillmentOperations is the fulfillment orchestrator as the HTTP layer sees it
type FulfillmentOperations interface {
	InitiateFulfillment(ctx context.Context, in service.InitiateInput) (*service.InitiateResult, error)
	ConfirmFulfillment(ctx context.Context, in service.ConfirmFulfillmentInput) (*service.ProgressResult, error)
	CompleteManualFulfillment(ctx context.Context, in service.CompleteManualInput) (*service.ProgressResult, error)
	CancelOrder(ctx context.Context, in service.CancelOrderInput) (*service.CancelOrderResult, error)
}

// OrderReader loads an order with its lines, allocations and fulfillments
type OrderReader interface {
	Get(ctx context.Context, orderID string) (*service.OrderView, error)
}

// LedgerOperations is the inventory ledger as the HTTP layer sees it
type LedgerOperations interface {
	ReceiveLot(ctx context.Context, in service.ReceiveInput) (*repository.InventoryLot, error)
	AdjustLot(ctx context.Context, in service.AdjustInput) (*service.AdjustResult, error)
	History(ctx context.Context, lotID string) ([]*repository.LedgerEntry, error)
	VerifyLot(ctx context.Context, lotID string) (*service.VerifyReport, error)
}

// requester returns the actor the middleware attached to the request
func requester(w http.ResponseWriter, r *http.Request) (actor.Actor, bool) {
	a, ok := actor.FromContext(r.Context())
	if !ok {
		httputil.Error(w, errors.Unauthorized("missing requester identity"))
	}
	return a, ok
}

// decodeOptional decodes a JSON body when one was sent
func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return httputil.DecodeJSON(r, v)
}
