package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/outflow/outflow-backend/internal/fulfillment/domain"
	"github.com/outflow/outflow-backend/internal/fulfillment/repository"
)

// LineFixture describes one order line
type LineFixture struct {
	SKUID    string
	Quantity int64
}

// LotFixture describes one lot to seed
type LotFixture struct {
	SKUID       string
	WarehouseID string
	Total       int64
	Reserved    int64
	Expiry      *time.Time
	ReceivedAt  time.Time
	Status      domain.LotStatus
}

// FixtureFactory creates test fixtures with sensible defaults
type FixtureFactory struct {
	sequence int
}

// NewFixtureFactory creates a new fixture factory
func NewFixtureFactory() *FixtureFactory {
	return &FixtureFactory{sequence: 0}
}

func (f *FixtureFactory) next() int {
	f.sequence++
	return f.sequence
}

// Order builds an order with one line per fixture, numbered from 1
func (f *FixtureFactory) Order(lines ...LineFixture) (*repository.Order, []*repository.OrderItem) {
	n := f.next()
	order := &repository.Order{
		ID:          uuid.NewString(),
		OrderNumber: fmt.Sprintf("SO-%06d", n),
		Category:    "sales",
		Status:      domain.OrderPending,
		RequesterID: uuid.NewString(),
	}

	items := make([]*repository.OrderItem, 0, len(lines))
	for i, line := range lines {
		items = append(items, &repository.OrderItem{
			ID:                uuid.NewString(),
			OrderID:           order.ID,
			LineNumber:        i + 1,
			SKUID:             line.SKUID,
			ItemKind:          domain.ItemKindSKU,
			RequestedQuantity: line.Quantity,
			Status:            domain.ItemPending,
		})
	}
	return order, items
}

// Lot builds an inventory lot from the fixture
func (f *FixtureFactory) Lot(lf LotFixture) *repository.InventoryLot {
	n := f.next()
	if lf.WarehouseID == "" {
		lf.WarehouseID = DefaultWarehouseID
	}
	if lf.ReceivedAt.IsZero() {
		lf.ReceivedAt = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Minute)
	}
	if lf.Status == "" {
		lf.Status = domain.LotAvailable
	}
	return &repository.InventoryLot{
		ID:               uuid.NewString(),
		SKUID:            lf.SKUID,
		WarehouseID:      lf.WarehouseID,
		LotNumber:        fmt.Sprintf("LOT-%05d", n),
		ExpiryDate:       lf.Expiry,
		ReceivedAt:       lf.ReceivedAt,
		TotalQuantity:    lf.Total,
		ReservedQuantity: lf.Reserved,
		Status:           lf.Status,
	}
}

// DefaultWarehouseID is the warehouse fixtures use unless told otherwise
const DefaultWarehouseID = "7d1f6f0e-2b8c-4d5e-9a61-0c4b5e8f1a20"

// Date returns midnight UTC of the given day
func Date(year int, month time.Month, day int) *time.Time {
	d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &d
}

// SeedOrder inserts an order with its lines
func (s *IntegrationSuite) SeedOrder(t *testing.T, ctx context.Context, lines ...LineFixture) (*repository.Order, []*repository.OrderItem) {
	t.Helper()
	order, items := s.Fixtures.Order(lines...)
	inserted, err := repository.NewOrderRepository(s.DB).Create(ctx, order, items)
	if err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
	if !inserted {
		t.Fatalf("order %s already exists", order.ID)
	}
	return order, items
}

// SeedLot inserts a lot without a ledger history. Use the ledger service
// to receive lots whose history must verify.
func (s *IntegrationSuite) SeedLot(t *testing.T, ctx context.Context, lf LotFixture) *repository.InventoryLot {
	t.Helper()
	lot := s.Fixtures.Lot(lf)
	if err := repository.NewLotRepository(s.DB).Create(ctx, lot); err != nil {
		t.Fatalf("failed to seed lot: %v", err)
	}
	return lot
}
