package service

import (
	"context"
	"time"

	"github.com/outflow/outflow-backend/internal/fulfillment/domain"
	"github.com/outflow/outflow-backend/internal/fulfillment/repository"
	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/outflow/outflow-backend/pkg/messaging"
)

// InventoryDelta is one lot counter change made by an operation
type InventoryDelta struct {
	LotID        string                  `json:"lot_id"`
	QuantityKind repository.QuantityKind `json:"quantity_kind"`
	Previous     int64                   `json:"previous"`
	Delta        int64                   `json:"delta"`
	New          int64                   `json:"new"`
}

func toMessageDeltas(deltas []InventoryDelta) []messaging.InventoryDelta {
	out := make([]messaging.InventoryDelta, len(deltas))
	for i, d := range deltas {
		out[i] = messaging.InventoryDelta{
			LotID:        d.LotID,
			QuantityKind: string(d.QuantityKind),
			Previous:     d.Previous,
			Delta:        d.Delta,
			New:          d.New,
		}
	}
	return out
}

// stockWriter changes lot counters inside one transaction and records a
// ledger entry for every change. All entries share one timestamp.
type stockWriter struct {
	repos   *repository.Repositories
	actorID string
	at      time.Time
	deltas  []InventoryDelta
}

func newStockWriter(repos *repository.Repositories, actorID string, at time.Time) *stockWriter {
	return &stockWriter{repos: repos, actorID: actorID, at: at}
}

func (w *stockWriter) record(ctx context.Context, lot *repository.InventoryLot, action repository.ActionType, kind repository.QuantityKind, prev, delta int64, meta map[string]string) error {
	lotID := lot.ID
	entry := &repository.LedgerEntry{
		WarehouseLotID:   &lotID,
		ActionType:       action,
		QuantityKind:     kind,
		PreviousQuantity: prev,
		Delta:            delta,
		NewQuantity:      prev + delta,
		ActorID:          w.actorID,
		OccurredAt:       w.at,
		Metadata:         repository.Metadata(meta),
	}
	if err := w.repos.Ledger.Append(ctx, entry); err != nil {
		return err
	}

	if delta != 0 {
		w.deltas = append(w.deltas, InventoryDelta{
			LotID:        lot.ID,
			QuantityKind: kind,
			Previous:     prev,
			Delta:        delta,
			New:          prev + delta,
		})
	}
	return nil
}

func (w *stockWriter) save(ctx context.Context, lot *repository.InventoryLot) error {
	lot.SyncStatus()
	return w.repos.Lots.UpdateQuantities(ctx, lot)
}

// reserve moves q units of the lot from available to reserved
func (w *stockWriter) reserve(ctx context.Context, lot *repository.InventoryLot, q int64, meta map[string]string) error {
	if q <= 0 || lot.Available() < q {
		return errors.InsufficientInventory("lot cannot cover the reservation").
			WithDetail("lot_id", lot.ID)
	}
	prev := lot.ReservedQuantity
	lot.ReservedQuantity += q
	if err := w.save(ctx, lot); err != nil {
		return err
	}
	return w.record(ctx, lot, repository.ActionReserve, repository.QuantityReserved, prev, q, meta)
}

// confirm records that a reservation was confirmed. Quantities do not move.
func (w *stockWriter) confirm(ctx context.Context, lot *repository.InventoryLot, meta map[string]string) error {
	return w.record(ctx, lot, repository.ActionConfirm, repository.QuantityReserved, lot.ReservedQuantity, 0, meta)
}

// release returns q reserved units of the lot to available
func (w *stockWriter) release(ctx context.Context, lot *repository.InventoryLot, q int64, meta map[string]string) error {
	if lot.ReservedQuantity < q {
		return errors.Integrity("lot holds less reserved stock than the allocation").
			WithDetail("lot_id", lot.ID)
	}
	prev := lot.ReservedQuantity
	lot.ReservedQuantity -= q
	if err := w.save(ctx, lot); err != nil {
		return err
	}
	return w.record(ctx, lot, repository.ActionRelease, repository.QuantityReserved, prev, -q, meta)
}

// consume removes q reserved units from the lot entirely
func (w *stockWriter) consume(ctx context.Context, lot *repository.InventoryLot, q int64, meta map[string]string) error {
	if lot.ReservedQuantity < q || lot.TotalQuantity < q {
		return errors.Integrity("lot holds less stock than the shipped allocation").
			WithDetail("lot_id", lot.ID)
	}
	prevReserved, prevTotal := lot.ReservedQuantity, lot.TotalQuantity
	lot.ReservedQuantity -= q
	lot.TotalQuantity -= q
	if err := w.save(ctx, lot); err != nil {
		return err
	}
	if err := w.record(ctx, lot, repository.ActionConsume, repository.QuantityReserved, prevReserved, -q, meta); err != nil {
		return err
	}
	return w.record(ctx, lot, repository.ActionConsume, repository.QuantityTotal, prevTotal, -q, meta)
}

// adjust changes the lot's total quantity by delta
func (w *stockWriter) adjust(ctx context.Context, lot *repository.InventoryLot, delta int64, meta map[string]string) error {
	if lot.TotalQuantity+delta < lot.ReservedQuantity {
		return errors.Validation(map[string]string{
			"delta": "adjustment would drop total below the reserved quantity",
		}).WithDetail("lot_id", lot.ID)
	}
	prev := lot.TotalQuantity
	lot.TotalQuantity += delta
	if err := w.save(ctx, lot); err != nil {
		return err
	}
	return w.record(ctx, lot, repository.ActionAdjust, repository.QuantityTotal, prev, delta, meta)
}

// receipt writes the opening entry of a freshly created lot
func (w *stockWriter) receipt(ctx context.Context, lot *repository.InventoryLot, meta map[string]string) error {
	return w.record(ctx, lot, repository.ActionReceipt, repository.QuantityTotal, 0, lot.TotalQuantity, meta)
}

// releaseAllocation cancels a live allocation, returns its reserved stock
// to the lot and takes it off the order line.
func (w *stockWriter) releaseAllocation(ctx context.Context, a *repository.Allocation, lot *repository.InventoryLot, item *repository.OrderItem, reason string) error {
	if !a.Status.IsLive() {
		return errors.Conflict("allocation is already cancelled").WithDetail("allocation_id", a.ID)
	}
	if lot == nil || item == nil {
		return errors.Integrity("allocation references a lot or line outside the locked set").
			WithDetail("allocation_id", a.ID)
	}

	meta := map[string]string{
		"order_id":      a.OrderID,
		"order_item_id": a.OrderItemID,
		"allocation_id": a.ID,
		"reason":        reason,
	}
	if err := w.release(ctx, lot, a.Quantity, meta); err != nil {
		return err
	}
	if err := w.repos.Allocations.Cancel(ctx, a, reason, w.at); err != nil {
		return err
	}

	item.AllocatedQuantity -= a.Quantity
	item.Status = domain.DeriveItemStatus(item.RequestedQuantity, item.AllocatedQuantity, item.FulfilledQuantity)
	return w.repos.Orders.UpdateItem(ctx, item)
}

// indexItems maps order lines by id
func indexItems(items []*repository.OrderItem) map[string]*repository.OrderItem {
	out := make(map[string]*repository.OrderItem, len(items))
	for _, i := range items {
		out[i.ID] = i
	}
	return out
}

// allocationProgress reports whether every active line is fully allocated
// and whether anything is allocated at all.
func allocationProgress(items []*repository.OrderItem) (all, some bool) {
	all = true
	active := 0
	for _, item := range items {
		if item.Status == domain.ItemCancelled {
			continue
		}
		active++
		if !item.FullyAllocated() {
			all = false
		}
		if item.AllocatedQuantity > 0 {
			some = true
		}
	}
	return all && active > 0, some
}

// statusAfterRelease recomputes the status of an order that lost
// allocations. Orders already handed to fulfillment keep their status.
func statusAfterRelease(current domain.OrderStatus, items []*repository.OrderItem) domain.OrderStatus {
	switch current {
	case domain.OrderPending, domain.OrderPartiallyAllocated, domain.OrderAllocated, domain.OrderConfirmed:
	default:
		return current
	}

	all, some := allocationProgress(items)
	switch {
	case all:
		return current
	case some:
		return domain.OrderPartiallyAllocated
	default:
		return domain.OrderPending
	}
}
