package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/billing"
	"github.com/fyrsmithlabs/vectord/internal/config"
	"github.com/fyrsmithlabs/vectord/internal/countcache"
	"github.com/fyrsmithlabs/vectord/internal/embeddings"
	"github.com/fyrsmithlabs/vectord/internal/logging"
	"github.com/fyrsmithlabs/vectord/internal/training"
	"github.com/fyrsmithlabs/vectord/internal/vectorstore"
	"github.com/fyrsmithlabs/vectord/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the vectord daemon",
	Long: `Start the vectord daemon: the vector store facade, the training job
worker loop, and the metrics/health HTTP listener.

Examples:
  # Start with the default config file
  vectord serve

  # Start with an explicit config file
  vectord serve --config /etc/vectord/config.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon exited with error", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// run wires the daemon and blocks until ctx is canceled.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting vectord",
		zap.String("vectorstore_provider", cfg.VectorStore.Provider),
		zap.String("embeddings_provider", cfg.Embeddings.Provider),
		zap.String("cache_provider", cfg.Cache.Provider),
		zap.Int("metrics_port", cfg.Server.MetricsPort),
	)

	// Primary Postgres: training jobs and team budgets.
	if !cfg.Database.DSN.IsSet() {
		return errors.New("database.dsn is required to run the ingestion worker")
	}
	pool, err := newPgxPool(ctx, cfg.Database.DSN.Value(), cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	// Vector backend.
	store, err := vectorstore.NewStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating vector store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("initializing vector store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing vector store failed", zap.Error(err))
		}
	}()

	// Count cache.
	cache, err := newCountCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating count cache: %w", err)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn("closing count cache failed", zap.Error(err))
		}
	}()
	counts := countcache.NewTeamCounts(cache, cfg.Cache.TTL, logger)

	// Embedding provider.
	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}

	svc := vectorstore.NewService(store, embedder, counts, logger)

	// Training job store and quota gate.
	jobs := training.NewPGStore(pool, training.PGStoreConfig{
		LockExpiry: cfg.Worker.LockExpiry,
	})
	if err := jobs.Init(ctx); err != nil {
		return fmt.Errorf("initializing job store: %w", err)
	}
	quota := training.NewQuotaGate(pool, cache, cfg.Worker.QuotaDenialWindow, logger)
	if err := quota.Init(ctx); err != nil {
		return fmt.Errorf("initializing quota gate: %w", err)
	}

	// Usage reporting.
	reporter, natsConn, err := newReporter(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating usage reporter: %w", err)
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	w := worker.New(worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		ClaimRate:    cfg.Worker.ClaimRate,
	}, jobs, quota, svc, reporter, logger)
	w.Start()

	httpSrv := newMetricsServer(cfg.Server.MetricsPort)
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("metrics listener started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-httpErr:
		return fmt.Errorf("metrics listener: %w", err)
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := w.Stop(shutdownCtx); err != nil {
		logger.Warn("worker did not stop cleanly", zap.Error(err))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics listener did not stop cleanly", zap.Error(err))
	}
	return nil
}

// newPgxPool builds the primary Postgres pool.
func newPgxPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// newCountCache builds the configured count cache backend.
func newCountCache(ctx context.Context, cfg *config.Config) (countcache.Cache, error) {
	switch cfg.Cache.Provider {
	case "redis":
		return countcache.NewRedis(ctx, countcache.RedisConfig{
			Address:  cfg.Cache.Redis.Address,
			Password: cfg.Cache.Redis.Password.Value(),
			DB:       cfg.Cache.Redis.DB,
			MaxIdle:  cfg.Cache.Redis.MaxIdle,
		})
	default:
		return countcache.NewMemory(), nil
	}
}

// newReporter builds the usage reporter. When NATS is disabled usage
// events are dropped, which suits single-tenant deployments without a
// billing plane.
func newReporter(cfg *config.Config, logger *zap.Logger) (billing.Reporter, *nats.Conn, error) {
	if !cfg.NATS.Enabled {
		return billing.NopReporter{}, nil, nil
	}
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.NATS.URL, err)
	}
	logger.Info("connected to NATS", zap.String("url", cfg.NATS.URL))
	return billing.NewNATSReporter(nc, cfg.NATS.SubjectPrefix, logger), nc, nil
}

// newMetricsServer builds the metrics/health HTTP listener.
func newMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
