package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/outflow/outflow-backend/internal/fulfillment/domain"
	"github.com/outflow/outflow-backend/pkg/database"
	"github.com/outflow/outflow-backend/pkg/errors"
)

// Order is an outbound order header
type Order struct {
	ID          string             `db:"id" json:"id"`
	OrderNumber string             `db:"order_number" json:"order_number"`
	Category    string             `db:"category" json:"category"`
	Status      domain.OrderStatus `db:"status" json:"status"`
	RequesterID string             `db:"requester_id" json:"requester_id"`
	WarehouseID *string            `db:"warehouse_id" json:"warehouse_id,omitempty"`
	CreatedAt   time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time          `db:"updated_at" json:"updated_at"`
}

// OrderItem is one order line
type OrderItem struct {
	ID                string            `db:"id" json:"id"`
	OrderID           string            `db:"order_id" json:"order_id"`
	LineNumber        int               `db:"line_number" json:"line_number"`
	SKUID             string            `db:"sku_id" json:"sku_id"`
	ItemKind          domain.ItemKind   `db:"item_kind" json:"item_kind"`
	RequestedQuantity int64             `db:"requested_quantity" json:"requested_quantity"`
	AllocatedQuantity int64             `db:"allocated_quantity" json:"allocated_quantity"`
	FulfilledQuantity int64             `db:"fulfilled_quantity" json:"fulfilled_quantity"`
	Status            domain.ItemStatus `db:"status" json:"status"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// Outstanding is the quantity still to allocate
func (i *OrderItem) Outstanding() int64 {
	return i.RequestedQuantity - i.AllocatedQuantity
}

// FullyAllocated reports whether the line needs no more allocations
func (i *OrderItem) FullyAllocated() bool {
	return i.AllocatedQuantity == i.RequestedQuantity
}

const orderColumns = `id, order_number, category, status, requester_id, warehouse_id, created_at, updated_at`

const orderItemColumns = `id, order_id, line_number, sku_id, item_kind, requested_quantity,
	allocated_quantity, fulfilled_quantity, status, created_at, updated_at`

// OrderRepository handles order persistence
type OrderRepository struct {
	q database.Querier
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(q database.Querier) *OrderRepository {
	return &OrderRepository{q: q}
}

// WithTx returns a repository bound to tx
func (r *OrderRepository) WithTx(tx *sqlx.Tx) *OrderRepository {
	return &OrderRepository{q: tx}
}

// Create inserts an order and its lines. It reports false without writing
// when an order with the same id already exists.
func (r *OrderRepository) Create(ctx context.Context, order *Order, items []*OrderItem) (bool, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.Status == "" {
		order.Status = domain.OrderPending
	}

	rows, err := r.q.QueryxContext(ctx, `
		INSERT INTO orders (id, order_number, category, status, requester_id, warehouse_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at, updated_at`,
		order.ID, order.OrderNumber, order.Category, order.Status, order.RequesterID, order.WarehouseID,
	)
	if err != nil {
		return false, err
	}
	inserted := rows.Next()
	if inserted {
		err = rows.Scan(&order.CreatedAt, &order.UpdatedAt)
	}
	rows.Close()
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	for _, item := range items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.OrderID = order.ID
		if item.ItemKind == "" {
			item.ItemKind = domain.ItemKindSKU
		}
		item.Status = domain.ItemPending

		err := r.q.QueryRowxContext(ctx, `
			INSERT INTO order_items (id, order_id, line_number, sku_id, item_kind, requested_quantity, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at, updated_at`,
			item.ID, item.OrderID, item.LineNumber, item.SKUID, item.ItemKind, item.RequestedQuantity, item.Status,
		).Scan(&item.CreatedAt, &item.UpdatedAt)
		if err != nil {
			return false, err
		}
	}

	return true, nil
}

// GetByID gets an order without locking it
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*Order, error) {
	var order Order
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if err := r.q.GetContext(ctx, &order, query, id); err != nil {
		return nil, notFound(err, "order", id)
	}
	return &order, nil
}

// LockNoWait locks the order row or fails immediately with a conflict when
// another transaction holds it.
func (r *OrderRepository) LockNoWait(ctx context.Context, id string) (*Order, error) {
	var order Order
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE NOWAIT`
	if err := r.q.GetContext(ctx, &order, query, id); err != nil {
		if isLockNotAvailable(err) {
			return nil, errors.Conflict("another operation on this order is in flight").
				WithDetail("order_id", id)
		}
		return nil, notFound(err, "order", id)
	}
	return &order, nil
}

// LockItems locks every line of the order in line number order
func (r *OrderRepository) LockItems(ctx context.Context, orderID string) ([]*OrderItem, error) {
	var items []*OrderItem
	query := `SELECT ` + orderItemColumns + ` FROM order_items
		WHERE order_id = $1
		ORDER BY line_number
		FOR UPDATE`
	if err := r.q.SelectContext(ctx, &items, query, orderID); err != nil {
		return nil, err
	}
	return items, nil
}

// ListItems lists the lines of the order without locking them
func (r *OrderRepository) ListItems(ctx context.Context, orderID string) ([]*OrderItem, error) {
	var items []*OrderItem
	query := `SELECT ` + orderItemColumns + ` FROM order_items WHERE order_id = $1 ORDER BY line_number`
	if err := r.q.SelectContext(ctx, &items, query, orderID); err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateStatus sets the order status
func (r *OrderRepository) UpdateStatus(ctx context.Context, order *Order) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1`,
		order.ID, order.Status,
	)
	if err != nil {
		return err
	}
	return checkAffected(res, "order", order.ID)
}

// UpdateItem persists a line's counters and status
func (r *OrderRepository) UpdateItem(ctx context.Context, item *OrderItem) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE order_items SET
			allocated_quantity = $2, fulfilled_quantity = $3, status = $4, updated_at = NOW()
		WHERE id = $1`,
		item.ID, item.AllocatedQuantity, item.FulfilledQuantity, item.Status,
	)
	if err != nil {
		return err
	}
	return checkAffected(res, "order_item", item.ID)
}
