package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/outflow/outflow-backend/internal/fulfillment/repository"
	"github.com/outflow/outflow-backend/internal/fulfillment/service"
	"github.com/outflow/outflow-backend/pkg/config"
	"github.com/outflow/outflow-backend/pkg/database"
	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/outflow/outflow-backend/pkg/logger"
)

// ledger-verify replays the inventory activity log of the given lots, or of
// every lot with -all, and exits non-zero when any lot fails verification.
func main() {
	all := flag.Bool("all", false, "verify every lot")
	flag.Parse()

	lotIDs := flag.Args()
	if !*all && len(lotIDs) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ledger-verify -all | ledger-verify <lot-id>...")
		os.Exit(2)
	}

	cfg, err := config.Load(config.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("ledger-verify", cfg.Server.Environment)
	log.SetLevel(cfg.Server.LogLevel)

	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Verification only reads, events are never published
	ledger := service.NewLedgerService(db, repository.New(db), nil, log)

	var summary *service.VerifySummary
	if *all {
		summary, err = ledger.VerifyAll(ctx)
	} else {
		summary, err = verifyLots(ctx, ledger, lotIDs)
	}
	if err != nil {
		log.Error().Err(err).Msg("verification aborted")
	}

	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))

	if err != nil || len(summary.Failures) > 0 {
		os.Exit(1)
	}
}

func verifyLots(ctx context.Context, ledger *service.LedgerService, ids []string) (*service.VerifySummary, error) {
	summary := &service.VerifySummary{}
	for _, id := range ids {
		summary.Checked++
		if _, err := ledger.VerifyLot(ctx, id); err != nil {
			if !errors.Is(err, errors.ErrIntegrity) {
				return summary, err
			}
			summary.Failures = append(summary.Failures, service.VerifyFailure{LotID: id, Message: err.Error()})
		}
	}
	return summary, nil
}
