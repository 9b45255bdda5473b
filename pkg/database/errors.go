package database

import (
	stderrors "errors"
	"strings"

	"github.com/lib/pq"
	"github.com/outflow/outflow-backend/pkg/errors"
)

// PostgreSQL error codes the engine reacts to
const (
	codeLockNotAvailable     = "55P03"
	codeDeadlockDetected     = "40P01"
	codeSerializationFailure = "40001"
	codeCheckViolation       = "23514"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeNotNullViolation     = "23502"
	codeRaiseException       = "P0001"
)

// MapPQError converts a PostgreSQL error to an AppError.
// Returns nil if err does not wrap a *pq.Error or the code is not mapped.
func MapPQError(err error) *errors.AppError {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return nil
	}

	switch pqErr.Code {
	case codeLockNotAvailable:
		return errors.Conflict("resource is locked by another operation, retry later")

	case codeDeadlockDetected, codeSerializationFailure:
		return errors.Conflict("concurrent update detected, retry later")

	case codeCheckViolation:
		return mapCheckConstraint(pqErr)

	case codeUniqueViolation:
		return errors.Conflict(formatConstraintMessage(pqErr))

	case codeForeignKeyViolation:
		return errors.BadRequest("referenced record does not exist")

	case codeNotNullViolation:
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{
			col: "must not be empty",
		})

	case codeRaiseException:
		if strings.Contains(pqErr.Message, "append-only") {
			return errors.Integrity(pqErr.Message)
		}
		return nil

	default:
		return nil
	}
}

// MapError returns err unchanged when it already is an AppError, its mapped
// form when it is a known PostgreSQL error, and an internal error otherwise.
func MapError(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}

	if mapped := MapPQError(err); mapped != nil {
		mapped.Err = stderrors.Join(mapped.Err, err)
		return mapped
	}

	return errors.Wrap(err, errors.CodeInternal, message, 500)
}

func mapCheckConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "reserved_within_total"),
		strings.Contains(constraint, "quantity_nonnegative"):
		return errors.Validation(map[string]string{
			"quantity": "reserved quantity must stay between 0 and total quantity",
		})

	case strings.Contains(constraint, "allocated_within_requested"):
		return errors.Validation(map[string]string{
			"allocated_quantity": "must not exceed requested quantity",
		})

	case strings.Contains(constraint, "fulfilled_within_allocated"):
		return errors.Validation(map[string]string{
			"fulfilled_quantity": "must not exceed allocated quantity",
		})

	case strings.Contains(constraint, "ledger_arithmetic"):
		return errors.Integrity("ledger entry arithmetic does not hold")

	case strings.Contains(constraint, "ledger_single_subject"):
		return errors.Validation(map[string]string{
			"subject": "exactly one of warehouse_lot_id or location_lot_id must be set",
		})

	default:
		return errors.BadRequest("data validation failed: " + constraint)
	}
}

func formatConstraintMessage(pqErr *pq.Error) string {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "order_number"):
		return "an order with this order number already exists"
	case strings.Contains(constraint, "lot_number"):
		return "a lot with this lot number already exists for the SKU in this warehouse"
	case strings.Contains(constraint, "line_number"):
		return "an order item with this line number already exists"
	default:
		return "a record with these values already exists"
	}
}
