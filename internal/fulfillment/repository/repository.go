// Package repository persists orders, lots, allocations, fulfillments,
// shipments and ledger entries. Every repository is bound to a
// database.Querier so the services can run it inside a transaction.
package repository

import (
	"database/sql"
	stderrors "errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/outflow/outflow-backend/pkg/database"
	"github.com/outflow/outflow-backend/pkg/errors"
)

// Repositories groups the repositories the services work with
type Repositories struct {
	Orders       *OrderRepository
	Lots         *LotRepository
	Allocations  *AllocationRepository
	Fulfillments *FulfillmentRepository
	Shipments    *ShipmentRepository
	Ledger       *LedgerRepository
}

// New binds every repository to q
func New(q database.Querier) *Repositories {
	return &Repositories{
		Orders:       NewOrderRepository(q),
		Lots:         NewLotRepository(q),
		Allocations:  NewAllocationRepository(q),
		Fulfillments: NewFulfillmentRepository(q),
		Shipments:    NewShipmentRepository(q),
		Ledger:       NewLedgerRepository(q),
	}
}

// WithTx returns the same repositories bound to tx
func (r *Repositories) WithTx(tx *sqlx.Tx) *Repositories {
	return &Repositories{
		Orders:       r.Orders.WithTx(tx),
		Lots:         r.Lots.WithTx(tx),
		Allocations:  r.Allocations.WithTx(tx),
		Fulfillments: r.Fulfillments.WithTx(tx),
		Shipments:    r.Shipments.WithTx(tx),
		Ledger:       r.Ledger.WithTx(tx),
	}
}

func isLockNotAvailable(err error) bool {
	var pqErr *pq.Error
	return stderrors.As(err, &pqErr) && pqErr.Code == "55P03"
}

func notFound(err error, resource, id string) error {
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NotFound(resource).WithDetail(resource+"_id", id)
	}
	return err
}

func checkAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.NotFound(resource).WithDetail(resource+"_id", id)
	}
	return nil
}
