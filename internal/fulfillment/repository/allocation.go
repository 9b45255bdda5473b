package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/outflow/outflow-backend/internal/fulfillment/domain"
	"github.com/outflow/outflow-backend/pkg/database"
)

// Allocation reserves Quantity units of one lot for one order line
type Allocation struct {
	ID            string                  `db:"id" json:"id"`
	OrderID       string                  `db:"order_id" json:"order_id"`
	OrderItemID   string                  `db:"order_item_id" json:"order_item_id"`
	LotID         string                  `db:"lot_id" json:"lot_id"`
	Quantity      int64                   `db:"quantity" json:"quantity"`
	Strategy      string                  `db:"strategy" json:"strategy"`
	Status        domain.AllocationStatus `db:"status" json:"status"`
	FulfillmentID *string                 `db:"fulfillment_id" json:"fulfillment_id,omitempty"`
	CreatedBy     string                  `db:"created_by" json:"created_by"`
	CreatedAt     time.Time               `db:"created_at" json:"created_at"`
	ConfirmedAt   *time.Time              `db:"confirmed_at" json:"confirmed_at,omitempty"`
	CancelledAt   *time.Time              `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancelReason  *string                 `db:"cancel_reason" json:"cancel_reason,omitempty"`
}

// AllocationDetail is an allocation joined with its line and lot for review
type AllocationDetail struct {
	Allocation
	LineNumber      int              `db:"line_number" json:"line_number"`
	SKUID           string           `db:"sku_id" json:"sku_id"`
	LotNumber       string           `db:"lot_number" json:"lot_number"`
	WarehouseID     string           `db:"warehouse_id" json:"warehouse_id"`
	ExpiryDate      *time.Time       `db:"expiry_date" json:"expiry_date,omitempty"`
	ManufactureDate *time.Time       `db:"manufacture_date" json:"manufacture_date,omitempty"`
	LotTotal        int64            `db:"lot_total" json:"lot_total"`
	LotReserved     int64            `db:"lot_reserved" json:"lot_reserved"`
	LotStatus       domain.LotStatus `db:"lot_status" json:"lot_status"`
}

const allocationColumns = `id, order_id, order_item_id, lot_id, quantity, strategy, status,
	fulfillment_id, created_by, created_at, confirmed_at, cancelled_at, cancel_reason`

// AllocationRepository handles allocation persistence
type AllocationRepository struct {
	q database.Querier
}

// NewAllocationRepository creates a new allocation repository
func NewAllocationRepository(q database.Querier) *AllocationRepository {
	return &AllocationRepository{q: q}
}

// WithTx returns a repository bound to tx
func (r *AllocationRepository) WithTx(tx *sqlx.Tx) *AllocationRepository {
	return &AllocationRepository{q: tx}
}

// Create inserts a proposed allocation
func (r *AllocationRepository) Create(ctx context.Context, a *Allocation) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = domain.AllocationProposed
	}

	return r.q.QueryRowxContext(ctx, `
		INSERT INTO allocations (id, order_id, order_item_id, lot_id, quantity, strategy, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		a.ID, a.OrderID, a.OrderItemID, a.LotID, a.Quantity, a.Strategy, a.Status, a.CreatedBy,
	).Scan(&a.CreatedAt)
}

// ListByOrder lists every allocation of the order, oldest first
func (r *AllocationRepository) ListByOrder(ctx context.Context, orderID string) ([]*Allocation, error) {
	var out []*Allocation
	query := `SELECT ` + allocationColumns + ` FROM allocations WHERE order_id = $1 ORDER BY created_at, id`
	if err := r.q.SelectContext(ctx, &out, query, orderID); err != nil {
		return nil, err
	}
	return out, nil
}

// ListDetails lists the allocations of the order with line and lot
// metadata. An empty ids slice lists every allocation of the order.
func (r *AllocationRepository) ListDetails(ctx context.Context, orderID string, ids []string) ([]*AllocationDetail, error) {
	var out []*AllocationDetail
	query := `
		SELECT a.id, a.order_id, a.order_item_id, a.lot_id, a.quantity, a.strategy, a.status,
			a.fulfillment_id, a.created_by, a.created_at, a.confirmed_at, a.cancelled_at, a.cancel_reason,
			i.line_number, i.sku_id,
			l.lot_number, l.warehouse_id, l.expiry_date, l.manufacture_date,
			l.total_quantity AS lot_total, l.reserved_quantity AS lot_reserved, l.status AS lot_status
		FROM allocations a
		JOIN order_items i ON i.id = a.order_item_id
		JOIN inventory_lots l ON l.id = a.lot_id
		WHERE a.order_id = $1
		  AND (cardinality($2::uuid[]) = 0 OR a.id = ANY($2::uuid[]))
		ORDER BY i.line_number, a.created_at, a.id`
	if ids == nil {
		ids = []string{}
	}
	if err := r.q.SelectContext(ctx, &out, query, orderID, pq.Array(ids)); err != nil {
		return nil, err
	}
	return out, nil
}

// LockByOrder locks the order's allocations in the given statuses
func (r *AllocationRepository) LockByOrder(ctx context.Context, orderID string, statuses ...domain.AllocationStatus) ([]*Allocation, error) {
	var out []*Allocation
	query := `SELECT ` + allocationColumns + ` FROM allocations
		WHERE order_id = $1 AND status = ANY($2)
		ORDER BY id
		FOR UPDATE`
	if err := r.q.SelectContext(ctx, &out, query, orderID, pq.Array(statusStrings(statuses))); err != nil {
		return nil, err
	}
	return out, nil
}

// LockByIDs locks the given allocations whatever order they belong to
func (r *AllocationRepository) LockByIDs(ctx context.Context, ids []string) ([]*Allocation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var out []*Allocation
	query := `SELECT ` + allocationColumns + ` FROM allocations
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`
	if err := r.q.SelectContext(ctx, &out, query, pq.Array(ids)); err != nil {
		return nil, err
	}
	return out, nil
}

// LockByFulfillments locks the live allocations bound to the fulfillments
func (r *AllocationRepository) LockByFulfillments(ctx context.Context, fulfillmentIDs []string) ([]*Allocation, error) {
	if len(fulfillmentIDs) == 0 {
		return nil, nil
	}

	var out []*Allocation
	query := `SELECT ` + allocationColumns + ` FROM allocations
		WHERE fulfillment_id = ANY($1) AND status = 'confirmed'
		ORDER BY id
		FOR UPDATE`
	if err := r.q.SelectContext(ctx, &out, query, pq.Array(fulfillmentIDs)); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkConfirmed moves a proposed allocation to confirmed
func (r *AllocationRepository) MarkConfirmed(ctx context.Context, a *Allocation, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE allocations SET status = 'confirmed', confirmed_at = $2 WHERE id = $1 AND status = 'proposed'`,
		a.ID, at,
	)
	if err != nil {
		return err
	}
	if err := checkAffected(res, "allocation", a.ID); err != nil {
		return err
	}
	a.Status = domain.AllocationConfirmed
	a.ConfirmedAt = &at
	return nil
}

// Cancel marks a live allocation cancelled
func (r *AllocationRepository) Cancel(ctx context.Context, a *Allocation, reason string, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE allocations SET status = 'cancelled', cancelled_at = $2, cancel_reason = $3
		WHERE id = $1 AND status <> 'cancelled'`,
		a.ID, at, reason,
	)
	if err != nil {
		return err
	}
	if err := checkAffected(res, "allocation", a.ID); err != nil {
		return err
	}
	a.Status = domain.AllocationCancelled
	a.CancelledAt = &at
	a.CancelReason = &reason
	return nil
}

// BindFulfillment attaches a confirmed allocation to a fulfillment
func (r *AllocationRepository) BindFulfillment(ctx context.Context, a *Allocation, fulfillmentID string) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE allocations SET fulfillment_id = $2 WHERE id = $1 AND fulfillment_id IS NULL`,
		a.ID, fulfillmentID,
	)
	if err != nil {
		return err
	}
	if err := checkAffected(res, "allocation", a.ID); err != nil {
		return err
	}
	a.FulfillmentID = &fulfillmentID
	return nil
}

// ListStaleProposedOrders lists orders holding proposed allocations created
// before cutoff, oldest first.
func (r *AllocationRepository) ListStaleProposedOrders(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	query := `
		SELECT order_id FROM allocations
		WHERE status = 'proposed' AND created_at < $1
		GROUP BY order_id
		ORDER BY MIN(created_at)
		LIMIT $2`
	if err := r.q.SelectContext(ctx, &ids, query, cutoff, limit); err != nil {
		return nil, err
	}
	return ids, nil
}

func statusStrings(statuses []domain.AllocationStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// LotIDs returns the distinct lot ids of the allocations
func LotIDs(allocs []*Allocation) []string {
	seen := make(map[string]struct{}, len(allocs))
	ids := make([]string, 0, len(allocs))
	for _, a := range allocs {
		if _, ok := seen[a.LotID]; ok {
			continue
		}
		seen[a.LotID] = struct{}{}
		ids = append(ids, a.LotID)
	}
	return ids
}
