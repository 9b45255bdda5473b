package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/outflow/outflow-backend/internal/fulfillment/allocation"
	"github.com/outflow/outflow-backend/internal/fulfillment/domain"
	"github.com/outflow/outflow-backend/pkg/database"
)

// InventoryLot is a received batch of one SKU in one warehouse
type InventoryLot struct {
	ID               string           `db:"id" json:"id"`
	SKUID            string           `db:"sku_id" json:"sku_id"`
	WarehouseID      string           `db:"warehouse_id" json:"warehouse_id"`
	LotNumber        string           `db:"lot_number" json:"lot_number"`
	ExpiryDate       *time.Time       `db:"expiry_date" json:"expiry_date,omitempty"`
	ManufactureDate  *time.Time       `db:"manufacture_date" json:"manufacture_date,omitempty"`
	ReceivedAt       time.Time        `db:"received_at" json:"received_at"`
	TotalQuantity    int64            `db:"total_quantity" json:"total_quantity"`
	ReservedQuantity int64            `db:"reserved_quantity" json:"reserved_quantity"`
	Status           domain.LotStatus `db:"status" json:"status"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// Available is the unreserved quantity
func (l *InventoryLot) Available() int64 {
	return l.TotalQuantity - l.ReservedQuantity
}

// Selectable converts the lot into the selector's view
func (l *InventoryLot) Selectable() allocation.Lot {
	return allocation.Lot{
		ID:          l.ID,
		SKUID:       l.SKUID,
		WarehouseID: l.WarehouseID,
		LotNumber:   l.LotNumber,
		ExpiryDate:  l.ExpiryDate,
		ReceivedAt:  l.ReceivedAt,
		Total:       l.TotalQuantity,
		Reserved:    l.ReservedQuantity,
		Status:      l.Status,
	}
}

// SyncStatus flips the lot between available, reserved and consumed to
// match its quantities. Quarantined, expired and disposed lots keep their
// status.
func (l *InventoryLot) SyncStatus() {
	switch l.Status {
	case domain.LotAvailable, domain.LotReserved, domain.LotConsumed:
	default:
		return
	}
	switch {
	case l.TotalQuantity == 0:
		l.Status = domain.LotConsumed
	case l.ReservedQuantity == l.TotalQuantity:
		l.Status = domain.LotReserved
	default:
		l.Status = domain.LotAvailable
	}
}

const lotColumns = `id, sku_id, warehouse_id, lot_number, expiry_date, manufacture_date, received_at,
	total_quantity, reserved_quantity, status, created_at, updated_at`

// LotRepository handles inventory lot persistence
type LotRepository struct {
	q database.Querier
}

// NewLotRepository creates a new lot repository
func NewLotRepository(q database.Querier) *LotRepository {
	return &LotRepository{q: q}
}

// WithTx returns a repository bound to tx
func (r *LotRepository) WithTx(tx *sqlx.Tx) *LotRepository {
	return &LotRepository{q: tx}
}

// Create inserts a lot
func (r *LotRepository) Create(ctx context.Context, lot *InventoryLot) error {
	if lot.ID == "" {
		lot.ID = uuid.NewString()
	}
	if lot.Status == "" {
		lot.Status = domain.LotAvailable
	}
	if lot.ReceivedAt.IsZero() {
		lot.ReceivedAt = time.Now().UTC()
	}

	return r.q.QueryRowxContext(ctx, `
		INSERT INTO inventory_lots (
			id, sku_id, warehouse_id, lot_number, expiry_date, manufacture_date,
			received_at, total_quantity, reserved_quantity, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		lot.ID, lot.SKUID, lot.WarehouseID, lot.LotNumber, lot.ExpiryDate, lot.ManufactureDate,
		lot.ReceivedAt, lot.TotalQuantity, lot.ReservedQuantity, lot.Status,
	).Scan(&lot.CreatedAt, &lot.UpdatedAt)
}

// GetByID gets a lot without locking it
func (r *LotRepository) GetByID(ctx context.Context, id string) (*InventoryLot, error) {
	var lot InventoryLot
	query := `SELECT ` + lotColumns + ` FROM inventory_lots WHERE id = $1`
	if err := r.q.GetContext(ctx, &lot, query, id); err != nil {
		return nil, notFound(err, "lot", id)
	}
	return &lot, nil
}

// ListIDs returns up to limit lot ids greater than after, in id order
func (r *LotRepository) ListIDs(ctx context.Context, after string, limit int) ([]string, error) {
	var ids []string
	query := `SELECT id FROM inventory_lots WHERE id > $1::uuid ORDER BY id LIMIT $2`
	if after == "" {
		after = "00000000-0000-0000-0000-000000000000"
	}
	if err := r.q.SelectContext(ctx, &ids, query, after, limit); err != nil {
		return nil, err
	}
	return ids, nil
}

// LockByID locks one lot
func (r *LotRepository) LockByID(ctx context.Context, id string) (*InventoryLot, error) {
	var lot InventoryLot
	query := `SELECT ` + lotColumns + ` FROM inventory_lots WHERE id = $1 FOR UPDATE`
	if err := r.q.GetContext(ctx, &lot, query, id); err != nil {
		return nil, notFound(err, "lot", id)
	}
	return &lot, nil
}

// LockCandidates locks every lot that could serve the given SKUs in one
// statement, in id order. Lots expired as of asOf are skipped. A nil
// warehouseID matches every warehouse.
func (r *LotRepository) LockCandidates(ctx context.Context, skuIDs []string, warehouseID *string, asOf time.Time) ([]*InventoryLot, error) {
	if len(skuIDs) == 0 {
		return nil, nil
	}

	var lots []*InventoryLot
	query := `SELECT ` + lotColumns + ` FROM inventory_lots
		WHERE sku_id = ANY($1)
		  AND status = 'available'
		  AND total_quantity > reserved_quantity
		  AND (expiry_date IS NULL OR expiry_date >= $2::date)
		  AND ($3::uuid IS NULL OR warehouse_id = $3::uuid)
		ORDER BY id
		FOR UPDATE`
	if err := r.q.SelectContext(ctx, &lots, query, pq.Array(skuIDs), asOf, warehouseID); err != nil {
		return nil, err
	}
	return lots, nil
}

// LockByIDs locks the given lots in id order
func (r *LotRepository) LockByIDs(ctx context.Context, ids []string) ([]*InventoryLot, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var lots []*InventoryLot
	query := `SELECT ` + lotColumns + ` FROM inventory_lots
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`
	if err := r.q.SelectContext(ctx, &lots, query, pq.Array(ids)); err != nil {
		return nil, err
	}
	return lots, nil
}

// UpdateQuantities persists total, reserved and status
func (r *LotRepository) UpdateQuantities(ctx context.Context, lot *InventoryLot) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE inventory_lots SET
			total_quantity = $2, reserved_quantity = $3, status = $4, updated_at = NOW()
		WHERE id = $1`,
		lot.ID, lot.TotalQuantity, lot.ReservedQuantity, lot.Status,
	)
	if err != nil {
		return err
	}
	return checkAffected(res, "lot", lot.ID)
}

// IndexLots maps lots by id
func IndexLots(lots []*InventoryLot) map[string]*InventoryLot {
	out := make(map[string]*InventoryLot, len(lots))
	for _, l := range lots {
		out[l.ID] = l
	}
	return out
}
