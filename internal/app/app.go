package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trenchbank/settlement/internal/api"
	"github.com/trenchbank/settlement/internal/api/middleware"
	"github.com/trenchbank/settlement/internal/chain"
	"github.com/trenchbank/settlement/internal/config"
	"github.com/trenchbank/settlement/internal/db"
	"github.com/trenchbank/settlement/internal/domain"
	"github.com/trenchbank/settlement/internal/idempotency"
	"github.com/trenchbank/settlement/internal/observability"
	"github.com/trenchbank/settlement/internal/pricing"
	"github.com/trenchbank/settlement/internal/repository"
	"github.com/trenchbank/settlement/internal/service"
	"github.com/trenchbank/settlement/internal/worker"
)

// Run bootstraps the HTTP server and background workers, blocking until
// shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	chains, err := newChainRegistry(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init chain clients: %w", err)
	}

	idemStore := idempotency.NewStore(redisClient, pool, cfg.IdempotencyTTL)
	store := repository.NewStore(pool)
	prices := pricing.NewStaticSource(cfg.UnitPricesUSD)

	balanceSvc := service.NewBalanceService(store)
	depositSvc := service.NewDepositService(store, chains, prices, service.DepositConfig{
		Fees:             domain.DepositFeeSchedule{Rate: cfg.DepositFeeRate, Flat: cfg.DepositFeeFlat},
		MinDepositUSD:    cfg.MinDepositUSD,
		DepositAddresses: cfg.DepositAddresses,
		TTL:              cfg.DepositTTL,
		ChainTimeout:     cfg.ChainRequestTimeout,
	})
	withdrawalSvc := service.NewWithdrawalService(store, chains, prices, service.WithdrawalConfig{
		FeeRates:       cfg.WithdrawalFeeRates,
		NetworkFeesUSD: cfg.NetworkFeesUSD,
		MinimumsUSD:    cfg.MinWithdrawalUSD,
		ChainTimeout:   cfg.ChainRequestTimeout,
		StaleAfter:     cfg.ProcessingStaleAfter,
	})

	expiryWorker := worker.NewExpiryWorker(depositSvc).WithInterval(cfg.ExpirySweepInterval)
	reconcileWorker := worker.NewReconciliationWorker(withdrawalSvc).WithInterval(cfg.ReconcileInterval)

	stopExpiry := expiryWorker.Run(ctx)
	stopReconcile := reconcileWorker.Run(ctx)
	logger.Info("background workers started",
		zap.Duration("expiry_interval", cfg.ExpirySweepInterval),
		zap.Duration("reconcile_interval", cfg.ReconcileInterval))

	router := api.NewRouter(cfg, logger, pool, idemStore, redisClient, balanceSvc, depositSvc, withdrawalSvc)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping background workers")
	stopExpiry()
	stopReconcile()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// newChainRegistry dials the configured RPC endpoints. A network without a
// treasury key still gets a verifier; deposits work without the ability to
// disburse.
func newChainRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*chain.Registry, error) {
	registry := chain.NewRegistry()

	if url := strings.TrimSpace(cfg.SolanaRPCURL); url != "" {
		client, err := chain.NewSolanaClient(ctx, url, cfg.SolanaTreasuryKey, cfg.ChainRetryAttempts, logger)
		if err != nil {
			return nil, fmt.Errorf("solana client: %w", err)
		}
		registry.RegisterVerifier(domain.NetworkSolana, client)
		registry.RegisterTreasury(domain.NetworkSolana, client)
	}
	if url := strings.TrimSpace(cfg.EthereumRPCURL); url != "" {
		client, err := chain.NewEVMClient(ctx, url, cfg.EthereumTreasuryKey, cfg.ChainRetryAttempts, logger)
		if err != nil {
			return nil, fmt.Errorf("ethereum client: %w", err)
		}
		registry.RegisterVerifier(domain.NetworkEthereum, client)
		registry.RegisterTreasury(domain.NetworkEthereum, client)
	}

	return registry, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
