package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/admissions/internal/capability"
	"github.com/pitabwire/admissions/internal/config"
	"github.com/pitabwire/admissions/internal/idempotency"
	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/internal/transport"
	"github.com/pitabwire/admissions/internal/workflow"
)

func newServeCommand(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admissions HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	// Telemetry first so that everything after it can log.
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "admissions", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	if err := workflow.ValidateTemplates(); err != nil {
		return fmt.Errorf("stage templates: %w", err)
	}

	// Authorization.
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		return fmt.Errorf("static policy: %w", err)
	}
	resolver := capability.NewResolver(evaluator, cfg.Capability.Cache.TTL)
	resolver.SetObserver(metrics)

	// Stores.
	wfStore, wfHealth, wfClose, err := buildWorkflowStore(ctx, cfg.Workflow, logger)
	if err != nil {
		return err
	}
	defer wfClose()

	idemStore, idemHealth, idemClose, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		return err
	}
	defer idemClose()

	engine := workflow.NewEngine(wfStore,
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
	)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: resolver,
		Engine:             engine,
		IdempotencyStore:   idemStore,
		Metrics:            metrics,
		Readiness: observability.ReadinessChecks{
			TemplatesValid:   workflow.ValidateTemplates,
			PolicyLoaded:     func() bool { return len(evaluator.Roles()) > 0 },
			WorkflowStore:    wfHealth,
			IdempotencyStore: idemHealth,
		},
	})

	handler := metrics.MetricsMiddleware(observability.TracingMiddleware(router))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("workflow_store", cfg.Workflow.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return err
		}
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// buildWorkflowStore creates the workflow store named by config. The
// returned health checker is nil for the memory store.
func buildWorkflowStore(ctx context.Context, cfg config.WorkflowConfig, logger *zap.Logger) (workflow.Store, observability.HealthChecker, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory workflow store; data is lost on restart")
		return workflow.NewMemoryStore(), nil, func() {}, nil
	case config.DriverPostgres:
		pool, err := openPool(ctx, cfg.Store)
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.Store.AutoMigrate {
			if err := workflow.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, nil, err
			}
			logger.Info("workflow schema migrated")
		}
		store, err := workflow.NewPgStore(pool, cfg.Store.Isolation)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return store, store, pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Store.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store named by config.
// A nil store disables idempotent replay.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, observability.HealthChecker, func(), error) {
	if !cfg.Enabled {
		return nil, nil, func() {}, nil
	}

	switch cfg.Store.Driver {
	case config.DriverMemory:
		logger.Info("using in-memory idempotency store")
		store := idempotency.NewMemoryStore()
		return store, store, func() {}, nil
	case config.DriverRedis:
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		br := cfg.Store.Breaker
		store := idempotency.NewBreakerStore(idempotency.NewRedisStore(client),
			br.FailureThreshold, br.SuccessThreshold, br.Cooldown)
		return store, store, func() { client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}
