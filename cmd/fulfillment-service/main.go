package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/outflow/outflow-backend/internal/fulfillment/allocation"
	"github.com/outflow/outflow-backend/internal/fulfillment/client"
	"github.com/outflow/outflow-backend/internal/fulfillment/consumers"
	"github.com/outflow/outflow-backend/internal/fulfillment/events"
	"github.com/outflow/outflow-backend/internal/fulfillment/handler"
	"github.com/outflow/outflow-backend/internal/fulfillment/repository"
	"github.com/outflow/outflow-backend/internal/fulfillment/service"
	"github.com/outflow/outflow-backend/migrations"
	"github.com/outflow/outflow-backend/pkg/cache"
	"github.com/outflow/outflow-backend/pkg/config"
	"github.com/outflow/outflow-backend/pkg/database"
	"github.com/outflow/outflow-backend/pkg/logger"
	"github.com/outflow/outflow-backend/pkg/messaging"
	"github.com/outflow/outflow-backend/pkg/permissions"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Fails fast in production if required config is missing
	cfg, err := config.LoadWithValidation(config.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(config.ServiceName, cfg.Server.Environment)
	log.SetLevel(cfg.Server.LogLevel)
	log.Info().Msg("starting Fulfillment Service")

	if cfg.Database.AutoMigrate {
		if err := migrate(cfg, log); err != nil {
			log.Fatal().Err(err).Msg("failed to apply migrations")
		}
	}

	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	if err := rmq.DeclareDeadLetterQueue(config.ServiceName); err != nil {
		log.Fatal().Err(err).Msg("failed to declare dead letter queue")
	}

	publisher, err := events.NewOutboundEventPublisher(rmq, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// Without Redis every instance sweeps and permissions are cached per process
	var locker *redislock.Client
	var permissionCache cache.Cache = cache.NewMemoryCache()
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, running without sweep lock")
	} else {
		locker = redislock.New(rdb)
		if cfg.Permissions.CacheBackend == "redis" {
			permissionCache = cache.NewRedisCache(rdb, config.ServiceName)
		}
	}
	pingCancel()

	strategy, err := allocation.ParseStrategy(cfg.Allocation.DefaultStrategy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid allocation strategy")
	}

	repos := repository.New(db)
	allocationService := service.NewAllocationService(db, repos, publisher, service.AllocationOptions{
		Strategy:     strategy,
		AllowPartial: cfg.Allocation.AllowPartial,
	}, log)
	fulfillmentService := service.NewFulfillmentService(db, repos, publisher, log)
	ledgerService := service.NewLedgerService(db, repos, publisher, log)
	orderService := service.NewOrderService(db, repos, log)

	resolver := permissions.NewResolver(permissionCache, client.NewUserClient(cfg.Services.UserServiceURL, log), cfg.Permissions.CacheTTL, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orderConsumer, err := consumers.NewOrderEventConsumer(rmq, orderService, fulfillmentService, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create order event consumer")
	}
	if err := orderConsumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start order event consumer")
	}

	sweeper := service.NewProposalSweeper(allocationService, locker, cfg.Allocation.ProposalTTL, cfg.Allocation.SweepInterval, log)
	sweeper.Start(ctx)

	router := handler.NewRouter(handler.RouterConfig{
		Outbound:    handler.NewOutboundHandler(allocationService, fulfillmentService, orderService, log),
		Ledger:      handler.NewLedgerHandler(ledgerService, log),
		Roles:       resolver,
		CORSOrigins: cfg.Server.CORSOrigins,
		Health: map[string]handler.HealthFunc{
			"database": db.Health,
			"rabbitmq": func(context.Context) map[string]string { return rmq.Health() },
			"redis": func(ctx context.Context) map[string]string {
				if err := rdb.Ping(ctx).Err(); err != nil {
					return map[string]string{"status": "down", "error": err.Error()}
				}
				return map[string]string{"status": "up"}
			},
		},
		Logger: log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Stops the consumer and the sweeper
	cancel()
	sweeper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func migrate(cfg *config.Config, log *logger.Logger) error {
	m, err := database.NewMigrator(cfg.Database.MigrationURL(), migrations.FS, log)
	if err != nil {
		return err
	}
	defer m.Close()

	return m.Up()
}
