package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/configserver/internal/adapter/hosts"
	"github.com/pscheid92/configserver/internal/adapter/httpserver"
	"github.com/pscheid92/configserver/internal/adapter/logserver"
	"github.com/pscheid92/configserver/internal/adapter/metrics"
	"github.com/pscheid92/configserver/internal/adapter/orchestrator"
	"github.com/pscheid92/configserver/internal/adapter/postgres"
	"github.com/pscheid92/configserver/internal/adapter/redis"
	"github.com/pscheid92/configserver/internal/app"
	"github.com/pscheid92/configserver/internal/coordination"
	"github.com/pscheid92/configserver/internal/domain"
	"github.com/pscheid92/configserver/internal/platform/config"
	"github.com/pscheid92/configserver/internal/platform/logging"
	"github.com/pscheid92/configserver/internal/platform/retry"
	"github.com/pscheid92/configserver/internal/platform/version"
	"github.com/pscheid92/configserver/internal/session"
	"github.com/pscheid92/configserver/internal/tenant"
	goredis "github.com/redis/go-redis/v9"
)

const (
	shutdownTimeout   = 10 * time.Second
	heartbeatInterval = 15 * time.Second
	logFetchTimeout   = 30 * time.Second
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return cfg
}

// setupStore returns the coordination store and, for the Redis backend, the
// client to close at shutdown.
func setupStore(ctx context.Context, cfg *config.Config, clock clockwork.Clock, m *metrics.StoreMetrics) (domain.Store, *goredis.Client) {
	if cfg.CoordinationBackend == config.BackendMemory {
		slog.Warn("Using in-process coordination store; state is not shared between replicas")
		return coordination.NewMemoryStore(clock), nil
	}

	client, err := redis.NewClient(ctx, cfg.RedisURL, m)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return redis.NewStore(client, clock, m), client
}

// setupDB connects to the deployment log database. Without DATABASE_URL the
// server runs without deployment history.
func setupDB(cfg *config.Config) *pgxpool.Pool {
	if cfg.DatabaseURL == "" {
		slog.Info("DATABASE_URL not set, deployment history disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupTenants(ctx context.Context, cfg *config.Config, store domain.Store, clock clockwork.Clock) (*tenant.Repository, *session.MetadataStore) {
	meta, err := session.OpenMetadataStore(ctx, cfg.ServerDBDir)
	if err != nil {
		slog.Error("Failed to open session metadata", "dir", cfg.ServerDBDir, "error", err)
		os.Exit(1)
	}

	tenants, err := tenant.NewRepository(ctx, tenant.Options{
		Store:           store,
		Clock:           clock,
		Metadata:        meta,
		Files:           session.NewFileRegistry(cfg.FileReferencesDir, clock),
		ServerDBDir:     cfg.ServerDBDir,
		SessionLifetime: cfg.SessionLifetime,
	})
	if err != nil {
		slog.Error("Failed to load tenants", "error", err)
		os.Exit(1)
	}
	if err := tenants.Start(ctx); err != nil {
		slog.Error("Failed to watch tenants", "error", err)
		os.Exit(1)
	}
	return tenants, meta
}

func setupProvisioner(cfg *config.Config, store domain.Store, clock clockwork.Clock) domain.Provisioner {
	static := hosts.NewStaticProvisioner(store, cfg.HostPool, cfg.LockTTL)
	return hosts.NewRetryingProvisioner(static, retry.Policy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		Clock:          clock,
	})
}

func healthChecks(store domain.Store, pool *pgxpool.Pool) []httpserver.HealthCheck {
	checks := []httpserver.HealthCheck{
		{Name: "coordination_store", Check: store.Ping},
	}
	if pool != nil {
		checks = append(checks, httpserver.HealthCheck{Name: "postgres", Check: pool.Ping})
	}
	return checks
}

func runGracefulShutdown(srv *httpserver.Server, maintainer *app.Maintainer, stopBackground context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		maintainer.Stop(shutdownCtx)
		stopBackground()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Config server starting",
		"env", cfg.AppEnv,
		"port", cfg.Port,
		"instance_id", cfg.InstanceID,
		"backend", cfg.CoordinationBackend,
		"version", version.Version)

	reg := metrics.NewRegistry()
	storeMetrics := metrics.NewStoreMetrics(reg)

	// Watches and heartbeats run until shutdown.
	ctx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	store, redisClient := setupStore(ctx, cfg, clock, storeMetrics)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	pool := setupDB(cfg)
	if pool != nil {
		defer pool.Close()
	}

	tenants, meta := setupTenants(ctx, cfg, store, clock)
	defer func() {
		if err := meta.Close(); err != nil {
			slog.Error("Failed to close session metadata", "error", err)
		}
	}()

	opts := []app.Option{
		app.WithLogRetriever(logserver.NewRetriever(logFetchTimeout)),
		app.WithMetric(metrics.NewDeploymentMetrics(reg)),
	}
	if pool != nil {
		opts = append(opts, app.WithDeploymentLog(postgres.NewDeploymentLog(pool)))
	}

	repo := app.NewApplicationRepository(
		tenants,
		store,
		setupProvisioner(cfg, store, clock),
		orchestrator.NewStore(store, clock),
		clock,
		app.Config{
			Zone:           cfg.Zone(),
			DefaultTimeout: cfg.DeployTimeout,
			LockTTL:        cfg.LockTTL,
			LogServerPort:  cfg.LogServerPort,
		},
		opts...,
	)

	replicas := coordination.NewReplicaRegistry(store, clock, cfg.InstanceID, version.Version, heartbeatInterval)
	go replicas.Start(ctx)

	maintainer := app.NewMaintainer(
		repo,
		coordination.NewLeaderElector(store, coordination.LeaderPath, 3*cfg.MaintenanceInterval),
		metrics.NewMaintenanceMetrics(reg),
		clock,
		app.MaintenanceConfig{
			Interval:            cfg.MaintenanceInterval,
			RemoteSessionMaxAge: cfg.RemoteSessionMaxAge,
			TenantTTL:           cfg.TenantTTL,
			FileReferencesDir:   cfg.FileReferencesDir,
			FileReferenceTTL:    cfg.FileReferenceTTL,
		},
	)
	maintainer.Start()

	srv := httpserver.NewServer(
		httpserver.Config{Port: cfg.Port, RateLimitPerSecond: cfg.RateLimitPerSecond},
		repo,
		httpserver.WithMetricsHandler(metrics.Handler(reg)),
		httpserver.WithMiddleware(metrics.NewHTTPMetrics(reg).Middleware()),
		httpserver.WithHealthChecks(healthChecks(store, pool)...),
		httpserver.WithReplicas(replicas),
	)

	done := runGracefulShutdown(srv, maintainer, stopBackground)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
