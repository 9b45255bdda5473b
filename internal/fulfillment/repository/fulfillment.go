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

// Fulfillment tracks one order line through a shipment
type Fulfillment struct {
	ID          string                   `db:"id" json:"id"`
	OrderID     string                   `db:"order_id" json:"order_id"`
	OrderItemID string                   `db:"order_item_id" json:"order_item_id"`
	ShipmentID  string                   `db:"shipment_id" json:"shipment_id"`
	Quantity    int64                    `db:"quantity" json:"quantity"`
	Status      domain.FulfillmentStatus `db:"status" json:"status"`
	CreatedAt   time.Time                `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time                `db:"updated_at" json:"updated_at"`
}

const fulfillmentColumns = `id, order_id, order_item_id, shipment_id, quantity, status, created_at, updated_at`

var openFulfillmentStatuses = []string{
	string(domain.FulfillmentPending), string(domain.FulfillmentPicking), string(domain.FulfillmentPacked),
	string(domain.FulfillmentShipped), string(domain.FulfillmentDelivered),
}

// FulfillmentRepository handles fulfillment persistence
type FulfillmentRepository struct {
	q database.Querier
}

// NewFulfillmentRepository creates a new fulfillment repository
func NewFulfillmentRepository(q database.Querier) *FulfillmentRepository {
	return &FulfillmentRepository{q: q}
}

// WithTx returns a repository bound to tx
func (r *FulfillmentRepository) WithTx(tx *sqlx.Tx) *FulfillmentRepository {
	return &FulfillmentRepository{q: tx}
}

// Create inserts a pending fulfillment
func (r *FulfillmentRepository) Create(ctx context.Context, f *Fulfillment) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = domain.FulfillmentPending
	}

	return r.q.QueryRowxContext(ctx, `
		INSERT INTO fulfillments (id, order_id, order_item_id, shipment_id, quantity, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		f.ID, f.OrderID, f.OrderItemID, f.ShipmentID, f.Quantity, f.Status,
	).Scan(&f.CreatedAt, &f.UpdatedAt)
}

// LockOpenByShipments locks the open fulfillments of the shipments
func (r *FulfillmentRepository) LockOpenByShipments(ctx context.Context, shipmentIDs []string) ([]*Fulfillment, error) {
	if len(shipmentIDs) == 0 {
		return nil, nil
	}

	var out []*Fulfillment
	query := `SELECT ` + fulfillmentColumns + ` FROM fulfillments
		WHERE shipment_id = ANY($1) AND status = ANY($2)
		ORDER BY id
		FOR UPDATE`
	if err := r.q.SelectContext(ctx, &out, query, pq.Array(shipmentIDs), pq.Array(openFulfillmentStatuses)); err != nil {
		return nil, err
	}
	return out, nil
}

// ListByOrder lists every fulfillment of the order
func (r *FulfillmentRepository) ListByOrder(ctx context.Context, orderID string) ([]*Fulfillment, error) {
	var out []*Fulfillment
	query := `SELECT ` + fulfillmentColumns + ` FROM fulfillments WHERE order_id = $1 ORDER BY created_at, id`
	if err := r.q.SelectContext(ctx, &out, query, orderID); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateStatus persists the fulfillment status
func (r *FulfillmentRepository) UpdateStatus(ctx context.Context, f *Fulfillment) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE fulfillments SET status = $2, updated_at = NOW() WHERE id = $1`,
		f.ID, f.Status,
	)
	if err != nil {
		return err
	}
	return checkAffected(res, "fulfillment", f.ID)
}
