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

// Shipment groups the fulfillments that leave the warehouse together
type Shipment struct {
	ID             string                `db:"id" json:"id"`
	OrderID        string                `db:"order_id" json:"order_id"`
	Method         domain.Method         `db:"method" json:"method"`
	Status         domain.ShipmentStatus `db:"status" json:"status"`
	Carrier        *string               `db:"carrier" json:"carrier,omitempty"`
	TrackingNumber *string               `db:"tracking_number" json:"tracking_number,omitempty"`
	Notes          *string               `db:"notes" json:"notes,omitempty"`
	CreatedBy      string                `db:"created_by" json:"created_by"`
	CreatedAt      time.Time             `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time             `db:"updated_at" json:"updated_at"`
	DispatchedAt   *time.Time            `db:"dispatched_at" json:"dispatched_at,omitempty"`
}

const shipmentColumns = `id, order_id, method, status, carrier, tracking_number, notes,
	created_by, created_at, updated_at, dispatched_at`

var openShipmentStatuses = []string{
	string(domain.ShipmentPending), string(domain.ShipmentPicking), string(domain.ShipmentPacked),
	string(domain.ShipmentDispatched), string(domain.ShipmentDelivered),
}

// ShipmentRepository handles shipment persistence
type ShipmentRepository struct {
	q database.Querier
}

// NewShipmentRepository creates a new shipment repository
func NewShipmentRepository(q database.Querier) *ShipmentRepository {
	return &ShipmentRepository{q: q}
}

// WithTx returns a repository bound to tx
func (r *ShipmentRepository) WithTx(tx *sqlx.Tx) *ShipmentRepository {
	return &ShipmentRepository{q: tx}
}

// Create inserts a shipment
func (r *ShipmentRepository) Create(ctx context.Context, s *Shipment) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Method == "" {
		s.Method = domain.MethodCarrier
	}
	if s.Status == "" {
		s.Status = domain.ShipmentPending
	}

	return r.q.QueryRowxContext(ctx, `
		INSERT INTO shipments (id, order_id, method, status, carrier, tracking_number, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		s.ID, s.OrderID, s.Method, s.Status, s.Carrier, s.TrackingNumber, s.Notes, s.CreatedBy,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

// GetByID gets a shipment without locking it
func (r *ShipmentRepository) GetByID(ctx context.Context, id string) (*Shipment, error) {
	var s Shipment
	query := `SELECT ` + shipmentColumns + ` FROM shipments WHERE id = $1`
	if err := r.q.GetContext(ctx, &s, query, id); err != nil {
		return nil, notFound(err, "shipment", id)
	}
	return &s, nil
}

// LockByID locks one shipment
func (r *ShipmentRepository) LockByID(ctx context.Context, id string) (*Shipment, error) {
	var s Shipment
	query := `SELECT ` + shipmentColumns + ` FROM shipments WHERE id = $1 FOR UPDATE`
	if err := r.q.GetContext(ctx, &s, query, id); err != nil {
		return nil, notFound(err, "shipment", id)
	}
	return &s, nil
}

// LockOpenByOrder locks the order's shipments that still accept
// transitions. A non-empty method narrows the result.
func (r *ShipmentRepository) LockOpenByOrder(ctx context.Context, orderID string, method domain.Method) ([]*Shipment, error) {
	var out []*Shipment
	query := `SELECT ` + shipmentColumns + ` FROM shipments
		WHERE order_id = $1 AND status = ANY($2) AND ($3 = '' OR method = $3)
		ORDER BY id
		FOR UPDATE`
	if err := r.q.SelectContext(ctx, &out, query, orderID, pq.Array(openShipmentStatuses), string(method)); err != nil {
		return nil, err
	}
	return out, nil
}

// Update persists status and carrier details
func (r *ShipmentRepository) Update(ctx context.Context, s *Shipment) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE shipments SET
			status = $2, carrier = $3, tracking_number = $4, dispatched_at = $5, updated_at = NOW()
		WHERE id = $1`,
		s.ID, s.Status, s.Carrier, s.TrackingNumber, s.DispatchedAt,
	)
	if err != nil {
		return err
	}
	return checkAffected(res, "shipment", s.ID)
}
