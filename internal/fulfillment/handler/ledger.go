package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/outflow/outflow-backend/internal/fulfillment/service"
	"github.com/outflow/outflow-backend/pkg/httputil"
	"github.com/outflow/outflow-backend/pkg/logger"
)

// LedgerHandler handles lot and ledger endpoints
type LedgerHandler struct {
	ledger LedgerOperations
	logger *logger.Logger
}

// NewLedgerHandler creates a new ledger handler
func NewLedgerHandler(ledger LedgerOperations, log *logger.Logger) *LedgerHandler {
	return &LedgerHandler{
		ledger: ledger,
		logger: log,
	}
}

// ReceiveLotRequest is the body of POST /lots
type ReceiveLotRequest struct {
	SKUID           string     `json:"sku_id"`
	WarehouseID     string     `json:"warehouse_id"`
	LotNumber       string     `json:"lot_number"`
	Quantity        int64      `json:"quantity"`
	ExpiryDate      *time.Time `json:"expiry_date,omitempty"`
	ManufactureDate *time.Time `json:"manufacture_date,omitempty"`
	ReceivedAt      *time.Time `json:"received_at,omitempty"`
}

// AdjustLotRequest is the body of POST /lots/{id}/adjust
type AdjustLotRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

// Receive registers a received lot
func (h *LedgerHandler) Receive(w http.ResponseWriter, r *http.Request) {
	a, ok := requester(w, r)
	if !ok {
		return
	}

	var req ReceiveLotRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	lot, err := h.ledger.ReceiveLot(r.Context(), service.ReceiveInput{
		SKUID:           req.SKUID,
		WarehouseID:     req.WarehouseID,
		LotNumber:       req.LotNumber,
		Quantity:        req.Quantity,
		ExpiryDate:      req.ExpiryDate,
		ManufactureDate: req.ManufactureDate,
		ReceivedAt:      req.ReceivedAt,
		Actor:           a,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, lot)
}

// Adjust applies a manual quantity adjustment
func (h *LedgerHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	a, ok := requester(w, r)
	if !ok {
		return
	}

	var req AdjustLotRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.ledger.AdjustLot(r.Context(), service.AdjustInput{
		LotID:  chi.URLParam(r, "id"),
		Delta:  req.Delta,
		Reason: req.Reason,
		Actor:  a,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// History lists the lot's ledger entries in sequence
func (h *LedgerHandler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, entries)
}

// Verify replays the lot's ledger against its counters
func (h *LedgerHandler) Verify(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.VerifyLot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, report)
}
