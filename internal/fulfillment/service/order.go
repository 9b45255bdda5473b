package service

import (
	"context"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/outflow/outflow-backend/internal/fulfillment/domain"
	"github.com/outflow/outflow-backend/internal/fulfillment/repository"
	"github.com/outflow/outflow-backend/pkg/database"
	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/outflow/outflow-backend/pkg/logger"
	"github.com/outflow/outflow-backend/pkg/messaging"
	"github.com/outflow/outflow-backend/pkg/validation"
)

// OrderService mirrors orders accepted by the order-management layer
type OrderService struct {
	db     *database.DB
	repos  *repository.Repositories
	logger *logger.Logger
}

// NewOrderService creates a new order service
func NewOrderService(db *database.DB, repos *repository.Repositories, log *logger.Logger) *OrderService {
	return &OrderService{
		db:     db,
		repos:  repos,
		logger: log.WithComponent("orders"),
	}
}

// Ingest stores a submitted order. Redelivered events for an order that
// already exists are ignored and reported as false.
func (s *OrderService) Ingest(ctx context.Context, in messaging.OrderSubmittedEvent) (bool, error) {
	if err := validation.Struct(in); err != nil {
		return false, err
	}

	order := &repository.Order{
		ID:          in.OrderID,
		OrderNumber: in.OrderNumber,
		Category:    in.Category,
		Status:      domain.OrderPending,
		RequesterID: in.RequesterID,
		WarehouseID: in.WarehouseID,
	}
	if order.Category == "" {
		order.Category = "sales"
	}

	seen := make(map[int]struct{}, len(in.Items))
	items := make([]*repository.OrderItem, 0, len(in.Items))
	for _, line := range in.Items {
		if _, dup := seen[line.LineNumber]; dup {
			return false, errors.Validation(map[string]string{
				"items": "duplicate line number " + strconv.Itoa(line.LineNumber),
			})
		}
		seen[line.LineNumber] = struct{}{}

		items = append(items, &repository.OrderItem{
			LineNumber:        line.LineNumber,
			SKUID:             line.SKUID,
			ItemKind:          domain.ItemKind(line.ItemKind),
			RequestedQuantity: line.Quantity,
		})
	}

	var created bool
	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		var err error
		created, err = s.repos.WithTx(tx).Orders.Create(ctx, order, items)
		return err
	})
	if err != nil {
		return false, database.MapError(err, "failed to store order")
	}

	if created {
		s.logger.Info().
			Str("order_id", order.ID).
			Str("order_number", order.OrderNumber).
			Int("items", len(items)).
			Msg("order ingested")
	} else {
		s.logger.Debug().Str("order_id", order.ID).Msg("order already ingested")
	}
	return created, nil
}

// OrderView is an order with its lines, allocations and fulfillments
type OrderView struct {
	Order        *repository.Order         `json:"order"`
	Items        []*repository.OrderItem   `json:"items"`
	Allocations  []*repository.Allocation  `json:"allocations"`
	Fulfillments []*repository.Fulfillment `json:"fulfillments"`
}

// Get reads the order in one consistent snapshot
func (s *OrderService) Get(ctx context.Context, orderID string) (*OrderView, error) {
	if err := validation.Var(orderID, "required,uuid", "order_id"); err != nil {
		return nil, err
	}

	view := &OrderView{}
	err := s.db.ReadOnly(ctx, func(tx *sqlx.Tx) error {
		repos := s.repos.WithTx(tx)

		var err error
		if view.Order, err = repos.Orders.GetByID(ctx, orderID); err != nil {
			return err
		}
		if view.Items, err = repos.Orders.ListItems(ctx, orderID); err != nil {
			return err
		}
		if view.Allocations, err = repos.Allocations.ListByOrder(ctx, orderID); err != nil {
			return err
		}
		view.Fulfillments, err = repos.Fulfillments.ListByOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, database.MapError(err, "failed to load order")
	}
	return view, nil
}
