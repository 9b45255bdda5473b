package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/outflow/outflow-backend/internal/fulfillment/domain"
	"github.com/outflow/outflow-backend/internal/fulfillment/events"
	"github.com/outflow/outflow-backend/internal/fulfillment/repository"
	"github.com/outflow/outflow-backend/pkg/actor"
	"github.com/outflow/outflow-backend/pkg/database"
	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/outflow/outflow-backend/pkg/logger"
	"github.com/outflow/outflow-backend/pkg/validation"
)

// LedgerService registers and adjusts lots and verifies their activity log
type LedgerService struct {
	db        *database.DB
	repos     *repository.Repositories
	publisher *events.OutboundEventPublisher
	logger    *logger.Logger
	now       func() time.Time
}

// NewLedgerService creates a new ledger service
func NewLedgerService(
	db *database.DB,
	repos *repository.Repositories,
	publisher *events.OutboundEventPublisher,
	log *logger.Logger,
) *LedgerService {
	return &LedgerService{
		db:        db,
		repos:     repos,
		publisher: publisher,
		logger:    log.WithComponent("ledger"),
		now:       time.Now,
	}
}

// ReceiveInput registers a lot handed over by receiving
type ReceiveInput struct {
	SKUID           string      `json:"sku_id" validate:"required,uuid"`
	WarehouseID     string      `json:"warehouse_id" validate:"required,uuid"`
	LotNumber       string      `json:"lot_number" validate:"required"`
	Quantity        int64       `json:"quantity" validate:"gt=0"`
	ExpiryDate      *time.Time  `json:"expiry_date,omitempty"`
	ManufactureDate *time.Time  `json:"manufacture_date,omitempty"`
	ReceivedAt      *time.Time  `json:"received_at,omitempty"`
	Actor           actor.Actor `json:"actor"`
}

// ReceiveLot creates the lot and writes its opening receipt entry
func (s *LedgerService) ReceiveLot(ctx context.Context, in ReceiveInput) (*repository.InventoryLot, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if in.ExpiryDate != nil && in.ManufactureDate != nil && in.ExpiryDate.Before(*in.ManufactureDate) {
		return nil, errors.Validation(map[string]string{"expiry_date": "must not precede the manufacture date"})
	}

	now := s.now()
	lot := &repository.InventoryLot{
		SKUID:           in.SKUID,
		WarehouseID:     in.WarehouseID,
		LotNumber:       in.LotNumber,
		ExpiryDate:      in.ExpiryDate,
		ManufactureDate: in.ManufactureDate,
		ReceivedAt:      now.UTC(),
		TotalQuantity:   in.Quantity,
		Status:          domain.LotAvailable,
	}
	if in.ReceivedAt != nil {
		lot.ReceivedAt = in.ReceivedAt.UTC()
	}

	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		repos := s.repos.WithTx(tx)
		if err := repos.Lots.Create(ctx, lot); err != nil {
			return err
		}
		writer := newStockWriter(repos, in.Actor.ID, now)
		return writer.receipt(ctx, lot, map[string]string{"lot_number": lot.LotNumber})
	})
	if err != nil {
		return nil, database.MapError(err, "failed to receive lot")
	}

	s.publisher.PublishLotReceived(ctx, lot, in.Actor.ID)

	s.logger.Info().
		Str("lot_id", lot.ID).
		Str("sku_id", lot.SKUID).
		Int64("quantity", lot.TotalQuantity).
		Msg("lot received")

	return lot, nil
}

// AdjustInput changes a lot's total quantity by hand
type AdjustInput struct {
	LotID  string      `json:"lot_id" validate:"required,uuid"`
	Delta  int64       `json:"delta" validate:"ne=0"`
	Reason string      `json:"reason" validate:"required"`
	Actor  actor.Actor `json:"actor"`
}

// AdjustResult is the adjusted lot and the counter change
type AdjustResult struct {
	Lot             *repository.InventoryLot `json:"lot"`
	InventoryDeltas []InventoryDelta         `json:"inventory_deltas"`
}

// AdjustLot applies a manual adjustment. Total may not drop below the
// reserved quantity.
func (s *LedgerService) AdjustLot(ctx context.Context, in AdjustInput) (*AdjustResult, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	result := &AdjustResult{}
	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		repos := s.repos.WithTx(tx)

		lot, err := repos.Lots.LockByID(ctx, in.LotID)
		if err != nil {
			return err
		}
		result.Lot = lot

		writer := newStockWriter(repos, in.Actor.ID, s.now())
		if err := writer.adjust(ctx, lot, in.Delta, map[string]string{"reason": in.Reason}); err != nil {
			return err
		}
		result.InventoryDeltas = writer.deltas
		return nil
	})
	if err != nil {
		return nil, database.MapError(err, "lot adjustment failed")
	}

	s.publisher.PublishLotAdjusted(ctx, result.Lot, in.Delta, in.Reason, in.Actor.ID)

	s.logger.Info().
		Str("lot_id", in.LotID).
		Int64("delta", in.Delta).
		Int64("total", result.Lot.TotalQuantity).
		Str("reason", in.Reason).
		Msg("lot adjusted")

	return result, nil
}

// History returns the lot's entries in sequence order
func (s *LedgerService) History(ctx context.Context, lotID string) ([]*repository.LedgerEntry, error) {
	if err := validation.Var(lotID, "required,uuid", "lot_id"); err != nil {
		return nil, err
	}

	if _, err := s.repos.Lots.GetByID(ctx, lotID); err != nil {
		return nil, database.MapError(err, "failed to load lot")
	}
	entries, err := s.repos.Ledger.ListByLot(ctx, lotID)
	if err != nil {
		return nil, database.MapError(err, "failed to load ledger")
	}
	return entries, nil
}

// VerifyReport summarises a successful verification
type VerifyReport struct {
	LotID            string `json:"lot_id"`
	Entries          int    `json:"entries"`
	TotalQuantity    int64  `json:"total_quantity"`
	ReservedQuantity int64  `json:"reserved_quantity"`
}

// VerifyLot recomputes every checksum, checks that each counter's entries
// chain from zero without gaps, and compares the replayed counters with the
// lot row. Any failure is an integrity error.
func (s *LedgerService) VerifyLot(ctx context.Context, lotID string) (*VerifyReport, error) {
	if err := validation.Var(lotID, "required,uuid", "lot_id"); err != nil {
		return nil, err
	}

	var report *VerifyReport
	err := s.db.ReadOnly(ctx, func(tx *sqlx.Tx) error {
		repos := s.repos.WithTx(tx)

		lot, err := repos.Lots.GetByID(ctx, lotID)
		if err != nil {
			return err
		}
		entries, err := repos.Ledger.ListByLot(ctx, lotID)
		if err != nil {
			return err
		}

		report, err = replay(lot, entries)
		return err
	})
	if err != nil {
		if errors.Is(err, errors.ErrIntegrity) {
			s.logger.Error().Err(err).Str("lot_id", lotID).Msg("ledger verification failed")
		}
		return nil, database.MapError(err, "ledger verification failed")
	}

	s.logger.Info().
		Str("lot_id", lotID).
		Int("entries", report.Entries).
		Msg("ledger verified")

	return report, nil
}

// verifyBatch bounds how many lot ids one VerifyAll page loads
const verifyBatch = 500

// VerifyFailure is a lot whose ledger did not verify
type VerifyFailure struct {
	LotID   string `json:"lot_id"`
	Message string `json:"message"`
}

// VerifySummary is the outcome of verifying every lot
type VerifySummary struct {
	Checked  int             `json:"checked"`
	Failures []VerifyFailure `json:"failures,omitempty"`
}

// VerifyAll verifies every lot in id order. Integrity failures are
// collected; any other error stops the run.
func (s *LedgerService) VerifyAll(ctx context.Context) (*VerifySummary, error) {
	summary := &VerifySummary{}
	after := ""
	for {
		ids, err := s.repos.Lots.ListIDs(ctx, after, verifyBatch)
		if err != nil {
			return summary, database.MapError(err, "failed to list lots")
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			summary.Checked++
			if _, err := s.VerifyLot(ctx, id); err != nil {
				if !errors.Is(err, errors.ErrIntegrity) {
					return summary, err
				}
				summary.Failures = append(summary.Failures, VerifyFailure{LotID: id, Message: err.Error()})
			}
		}
		if len(ids) < verifyBatch {
			return summary, nil
		}
		after = ids[len(ids)-1]
	}
}

// replay walks the entries in sequence order
func replay(lot *repository.InventoryLot, entries []*repository.LedgerEntry) (*VerifyReport, error) {
	counters := map[repository.QuantityKind]int64{
		repository.QuantityTotal:    0,
		repository.QuantityReserved: 0,
	}

	for _, e := range entries {
		seq := strconv.FormatInt(e.Sequence, 10)
		if !e.VerifyChecksum() {
			return nil, errors.Integrity("ledger entry checksum mismatch").
				WithDetail("lot_id", lot.ID).
				WithDetail("entry_id", e.ID).
				WithDetail("sequence", seq)
		}
		if e.NewQuantity != e.PreviousQuantity+e.Delta {
			return nil, errors.Integrity("ledger entry arithmetic does not hold").
				WithDetail("lot_id", lot.ID).
				WithDetail("entry_id", e.ID).
				WithDetail("sequence", seq)
		}

		current, ok := counters[e.QuantityKind]
		if !ok {
			return nil, errors.Integrity("ledger entry has an unknown quantity kind").
				WithDetail("entry_id", e.ID)
		}
		if e.PreviousQuantity != current {
			return nil, errors.Integrity(fmt.Sprintf("ledger chain broken: expected previous %s quantity %d, found %d",
				e.QuantityKind, current, e.PreviousQuantity)).
				WithDetail("lot_id", lot.ID).
				WithDetail("entry_id", e.ID).
				WithDetail("sequence", seq)
		}
		counters[e.QuantityKind] = e.NewQuantity
	}

	total, reserved := counters[repository.QuantityTotal], counters[repository.QuantityReserved]
	if total != lot.TotalQuantity || reserved != lot.ReservedQuantity {
		return nil, errors.Integrity(fmt.Sprintf("ledger replay diverges from lot: total %d/%d, reserved %d/%d",
			total, lot.TotalQuantity, reserved, lot.ReservedQuantity)).
			WithDetail("lot_id", lot.ID)
	}

	return &VerifyReport{
		LotID:            lot.ID,
		Entries:          len(entries),
		TotalQuantity:    total,
		ReservedQuantity: reserved,
	}, nil
}
