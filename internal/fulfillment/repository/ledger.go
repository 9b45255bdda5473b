package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/outflow/outflow-backend/pkg/database"
	"github.com/outflow/outflow-backend/pkg/errors"
)

// ActionType is the business action behind a ledger entry
type ActionType string

const (
	ActionReceipt ActionType = "receipt"
	ActionReserve ActionType = "reserve"
	ActionConfirm ActionType = "confirm"
	ActionRelease ActionType = "release"
	ActionConsume ActionType = "consume"
	ActionAdjust  ActionType = "adjust"
)

// QuantityKind names the lot counter an entry moves
type QuantityKind string

const (
	QuantityTotal    QuantityKind = "total"
	QuantityReserved QuantityKind = "reserved"
)

// LedgerEntry is one immutable row of the inventory activity log.
// Exactly one of WarehouseLotID and LocationLotID is set.
type LedgerEntry struct {
	ID               string         `db:"id" json:"id"`
	Sequence         int64          `db:"sequence" json:"sequence"`
	WarehouseLotID   *string        `db:"warehouse_lot_id" json:"warehouse_lot_id,omitempty"`
	LocationLotID    *string        `db:"location_lot_id" json:"location_lot_id,omitempty"`
	ActionType       ActionType     `db:"action_type" json:"action_type"`
	QuantityKind     QuantityKind   `db:"quantity_kind" json:"quantity_kind"`
	PreviousQuantity int64          `db:"previous_quantity" json:"previous_quantity"`
	Delta            int64          `db:"delta" json:"delta"`
	NewQuantity      int64          `db:"new_quantity" json:"new_quantity"`
	ActorID          string         `db:"actor_id" json:"actor_id"`
	OccurredAt       time.Time      `db:"occurred_at" json:"occurred_at"`
	Checksum         string         `db:"checksum" json:"checksum"`
	Metadata         types.JSONText `db:"metadata" json:"metadata"`
}

// SubjectID returns whichever lot id the entry is about
func (e *LedgerEntry) SubjectID() string {
	if e.WarehouseLotID != nil {
		return *e.WarehouseLotID
	}
	if e.LocationLotID != nil {
		return *e.LocationLotID
	}
	return ""
}

// ComputeChecksum hashes the entry's identifying fields. The timestamp is
// normalised to UTC microseconds so the value survives a database round trip.
func (e *LedgerEntry) ComputeChecksum() string {
	fields := []string{
		e.SubjectID(),
		string(e.ActionType),
		strconv.FormatInt(e.PreviousQuantity, 10),
		strconv.FormatInt(e.Delta, 10),
		strconv.FormatInt(e.NewQuantity, 10),
		e.OccurredAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum reports whether the stored checksum matches the fields
func (e *LedgerEntry) VerifyChecksum() bool {
	return e.Checksum == e.ComputeChecksum()
}

func (e *LedgerEntry) validate() error {
	details := map[string]string{}
	if (e.WarehouseLotID == nil) == (e.LocationLotID == nil) {
		details["subject"] = "exactly one of warehouse_lot_id and location_lot_id is required"
	}
	if e.NewQuantity != e.PreviousQuantity+e.Delta {
		details["new_quantity"] = fmt.Sprintf("%d != %d + %d", e.NewQuantity, e.PreviousQuantity, e.Delta)
	}
	if e.QuantityKind != QuantityTotal && e.QuantityKind != QuantityReserved {
		details["quantity_kind"] = fmt.Sprintf("unknown quantity kind %q", e.QuantityKind)
	}
	if e.ActorID == "" {
		details["actor_id"] = "is required"
	}
	if len(details) > 0 {
		return errors.Validation(details)
	}
	return nil
}

const ledgerColumns = `id, sequence, warehouse_lot_id, location_lot_id, action_type, quantity_kind,
	previous_quantity, delta, new_quantity, actor_id, occurred_at, checksum, metadata`

// LedgerRepository appends to and reads the inventory activity log. It has
// no update or delete operations.
type LedgerRepository struct {
	q   database.Querier
	now func() time.Time
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(q database.Querier) *LedgerRepository {
	return &LedgerRepository{q: q, now: time.Now}
}

// WithTx returns a repository bound to tx
func (r *LedgerRepository) WithTx(tx *sqlx.Tx) *LedgerRepository {
	return &LedgerRepository{q: tx, now: r.now}
}

// Append validates and inserts an entry, filling id, timestamp, checksum
// and sequence.
func (r *LedgerRepository) Append(ctx context.Context, e *LedgerEntry) error {
	if err := e.validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now()
	}
	e.OccurredAt = e.OccurredAt.UTC().Truncate(time.Microsecond)
	if len(e.Metadata) == 0 {
		e.Metadata = types.JSONText("{}")
	}
	e.Checksum = e.ComputeChecksum()

	return r.q.QueryRowxContext(ctx, `
		INSERT INTO inventory_activity_log (
			id, warehouse_lot_id, location_lot_id, action_type, quantity_kind,
			previous_quantity, delta, new_quantity, actor_id, occurred_at, checksum, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING sequence`,
		e.ID, e.WarehouseLotID, e.LocationLotID, e.ActionType, e.QuantityKind,
		e.PreviousQuantity, e.Delta, e.NewQuantity, e.ActorID, e.OccurredAt, e.Checksum, e.Metadata,
	).Scan(&e.Sequence)
}

// ListByLot lists the entries of a warehouse lot in sequence order
func (r *LedgerRepository) ListByLot(ctx context.Context, lotID string) ([]*LedgerEntry, error) {
	var out []*LedgerEntry
	query := `SELECT ` + ledgerColumns + ` FROM inventory_activity_log
		WHERE warehouse_lot_id = $1
		ORDER BY sequence`
	if err := r.q.SelectContext(ctx, &out, query, lotID); err != nil {
		return nil, err
	}
	return out, nil
}

// Metadata builds a JSON metadata value from string pairs
func Metadata(pairs map[string]string) types.JSONText {
	if len(pairs) == 0 {
		return types.JSONText("{}")
	}
	raw, err := json.Marshal(pairs)
	if err != nil {
		return types.JSONText("{}")
	}
	return types.JSONText(raw)
}
