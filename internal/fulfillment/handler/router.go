package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/outflow/outflow-backend/pkg/config"
	"github.com/outflow/outflow-backend/pkg/httputil"
	"github.com/outflow/outflow-backend/pkg/logger"
	"github.com/outflow/outflow-backend/pkg/permissions"
)

// HealthFunc reports the state of one dependency
type HealthFunc func(ctx context.Context) map[string]string

// RouterConfig wires the HTTP surface
type RouterConfig struct {
	Outbound    *OutboundHandler
	Ledger      *LedgerHandler
	Roles       httputil.RoleResolver
	CORSOrigins []string
	Health      map[string]HealthFunc
	Logger      *logger.Logger
}

// NewRouter builds the service's chi router
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(cfg.Logger))
	r.Use(httputil.Recoverer(cfg.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", httputil.HeaderRequestID},
		ExposedHeaders:   []string{httputil.HeaderRequestID},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(httputil.ActorMiddleware(cfg.Roles, cfg.Logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"status":  "healthy",
			"service": config.ServiceName,
		}
		for name, check := range cfg.Health {
			status[name] = check(r.Context())
		}
		httputil.JSON(w, http.StatusOK, status)
	})

	r.Route("/api/v1/outbound", func(r chi.Router) {
		r.Route("/orders/{id}", func(r chi.Router) {
			r.With(httputil.RequirePermission(permissions.AllocationsRead)).Get("/", cfg.Outbound.GetOrder)

			r.With(httputil.RequirePermission(permissions.AllocationsCreate)).Post("/allocations", cfg.Outbound.Allocate)
			r.With(httputil.RequirePermission(permissions.AllocationsRead)).Post("/allocations/review", cfg.Outbound.Review)
			r.With(httputil.RequirePermission(permissions.AllocationsConfirm)).Post("/allocations/confirm", cfg.Outbound.Confirm)
			r.With(httputil.RequirePermission(permissions.AllocationsCancel)).Post("/allocations/cancel", cfg.Outbound.CancelAllocations)

			r.With(httputil.RequirePermission(permissions.FulfillmentsCreate)).Post("/fulfillments", cfg.Outbound.Initiate)
			r.With(httputil.RequirePermission(permissions.FulfillmentsUpdate)).Post("/fulfillments/confirm", cfg.Outbound.ConfirmFulfillment)

			r.With(httputil.RequirePermission(permissions.OrdersCancel)).Post("/cancel", cfg.Outbound.CancelOrder)
		})

		r.With(httputil.RequirePermission(permissions.FulfillmentsUpdate)).Post("/shipments/{id}/complete", cfg.Outbound.CompleteShipment)

		r.Route("/lots", func(r chi.Router) {
			r.With(httputil.RequirePermission(permissions.LotsReceive)).Post("/", cfg.Ledger.Receive)
			r.With(httputil.RequirePermission(permissions.LotsAdjust)).Post("/{id}/adjust", cfg.Ledger.Adjust)
			r.With(httputil.RequirePermission(permissions.LedgerRead)).Get("/{id}/ledger", cfg.Ledger.History)
			r.With(httputil.RequirePermission(permissions.LedgerVerify)).Post("/{id}/ledger/verify", cfg.Ledger.Verify)
		})
	})

	return r
}
