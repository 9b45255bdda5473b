package allocation

import (
	"sort"
	"time"

	"github.com/outflow/outflow-backend/internal/fulfillment/domain"
)

// Lot is the selector's view of an inventory lot
type Lot struct {
	ID          string
	SKUID       string
	WarehouseID string
	LotNumber   string
	ExpiryDate  *time.Time
	ReceivedAt  time.Time
	Total       int64
	Reserved    int64
	Status      domain.LotStatus
}

// Available is the quantity not yet reserved
func (l Lot) Available() int64 {
	return l.Total - l.Reserved
}

// Pick draws Quantity units from one lot
type Pick struct {
	LotID       string
	WarehouseID string
	Quantity    int64
}

// Result is the outcome of one selection. Unmet is the part of the demand
// no eligible lot could cover.
type Result struct {
	Picks     []Pick
	Allocated int64
	Unmet     int64
}

// Complete reports whether the whole demand was covered
func (r Result) Complete() bool {
	return r.Unmet == 0
}

// Eligible reports whether lot may be drawn from. An empty warehouseID
// matches every warehouse.
func Eligible(lot Lot, warehouseID string) bool {
	if lot.Status != domain.LotAvailable || lot.Available() <= 0 {
		return false
	}
	return warehouseID == "" || lot.WarehouseID == warehouseID
}

// Select covers required units from lots in the order strategy defines,
// drawing each lot up to its available quantity. lots is not modified.
func Select(required int64, lots []Lot, strategy Strategy, warehouseID string) Result {
	if required <= 0 {
		return Result{}
	}

	candidates := make([]*Lot, 0, len(lots))
	for i := range lots {
		if Eligible(lots[i], warehouseID) {
			lot := lots[i]
			candidates = append(candidates, &lot)
		}
	}

	less := strategy.comparator()
	sort.SliceStable(candidates, func(i, j int) bool {
		return less(candidates[i], candidates[j])
	})

	result := Result{Unmet: required}
	for _, lot := range candidates {
		if result.Unmet == 0 {
			break
		}
		take := min(lot.Available(), result.Unmet)
		result.Picks = append(result.Picks, Pick{
			LotID:       lot.ID,
			WarehouseID: lot.WarehouseID,
			Quantity:    take,
		})
		result.Allocated += take
		result.Unmet -= take
	}

	return result
}
