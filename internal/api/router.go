package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trenchbank/settlement/internal/api/handler"
	"github.com/trenchbank/settlement/internal/api/middleware"
	"github.com/trenchbank/settlement/internal/api/spec"
	"github.com/trenchbank/settlement/internal/config"
	"github.com/trenchbank/settlement/internal/idempotency"
	"github.com/trenchbank/settlement/internal/service"
)

// Router wires handlers, middleware, and services into the HTTP surface.
type Router struct {
	cfg           *config.Config
	logger        *zap.Logger
	db            *pgxpool.Pool
	idemStore     *idempotency.Store
	redis         redis.Cmdable
	balanceSvc    *service.BalanceService
	depositSvc    *service.DepositService
	withdrawalSvc *service.WithdrawalService
}

func NewRouter(cfg *config.Config, logger *zap.Logger, db *pgxpool.Pool, idemStore *idempotency.Store,
	redisClient redis.Cmdable, balanceSvc *service.BalanceService, depositSvc *service.DepositService,
	withdrawalSvc *service.WithdrawalService) *Router {
	return &Router{
		cfg:           cfg,
		logger:        logger,
		db:            db,
		idemStore:     idemStore,
		redis:         redisClient,
		balanceSvc:    balanceSvc,
		depositSvc:    depositSvc,
		withdrawalSvc: withdrawalSvc,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	// Handlers
	healthHandler := handler.NewHealthHandler(api.db, api.redis)
	balanceHandler := handler.NewBalanceHandler(api.balanceSvc)
	depositHandler := handler.NewDepositHandler(api.depositSvc)
	withdrawalHandler := handler.NewWithdrawalHandler(api.withdrawalSvc)

	// Public routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))

		r.Get("/healthz", healthHandler.Live)
		r.Get("/readyz", healthHandler.Ready)
		r.Get("/openapi.yaml", spec.OpenAPIHandler())
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		// Balance ledger
		r.Get("/v1/balance", balanceHandler.GetBalance)
		r.Post("/v1/balance", balanceHandler.MutateBalance)

		// Deposits
		r.Post("/v1/deposits", depositHandler.Create)
		r.Get("/v1/deposits", depositHandler.List)
		r.Get("/v1/deposits/{id}", depositHandler.Get)
		r.Post("/v1/deposits/{id}/verify", depositHandler.Verify)
		r.Post("/v1/deposits/{id}/cancel", depositHandler.Cancel)

		// Withdrawals
		idem := middleware.IdempotencyMiddleware(api.idemStore, api.logger)
		r.With(idem).Post("/v1/withdrawals", withdrawalHandler.Create)
		r.Get("/v1/withdrawals", withdrawalHandler.List)
		r.Get("/v1/withdrawals/{id}", withdrawalHandler.Get)
		r.With(idem).Post("/v1/withdrawals/{id}/process", withdrawalHandler.Process)
	})

	return r
}
