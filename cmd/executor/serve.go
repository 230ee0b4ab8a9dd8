package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/nova/internal/cache"
	"github.com/oriys/nova/internal/config"
	"github.com/oriys/nova/internal/executor"
	"github.com/oriys/nova/internal/invalidation"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/objectstore"
	"github.com/oriys/nova/internal/observability"
	"github.com/oriys/nova/internal/pool"
	"github.com/oriys/nova/internal/store"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the execution engine HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (optional; env vars always win)")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.SetLevelFromString(cfg.Daemon.LogLevel)
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	log := logging.Op()

	if err := logging.InitOutputStore(cfg.Executor.OutputCaptureDir, cfg.Executor.OutputMaxCaptureBytes, cfg.Executor.OutputRetentionSeconds); err != nil {
		return fmt.Errorf("init output store: %w", err)
	}

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: "nova-executor",
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	metaStore, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect metadata store: %w", err)
	}
	defer metaStore.Close()

	objStore, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:        cfg.ObjectStore.Endpoint,
		Region:          cfg.ObjectStore.Region,
		Bucket:          cfg.ObjectStore.Bucket,
		AccessKeyID:     cfg.ObjectStore.AccessKeyID,
		SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		UsePathStyle:    cfg.ObjectStore.UsePathStyle,
	})
	if err != nil {
		return fmt.Errorf("connect object store: %w", err)
	}

	packages, err := cache.New(objStore, cache.Config{
		Dir:             cfg.Cache.Dir,
		MaxCacheSizeGB:  cfg.Cache.MaxCacheSizeGB,
		TTL:             time.Duration(cfg.Cache.CacheTTLDays) * 24 * time.Hour,
		MaxFetchRetries: cfg.Cache.MaxFetchRetries,
		EvictInterval:   cfg.Cache.EvictInterval,
	})
	if err != nil {
		return fmt.Errorf("create package cache: %w", err)
	}
	defer packages.Close()

	warmPool := pool.New(pool.Config{
		MinPool:             cfg.Pool.MinPool,
		MaxPoolSize:         cfg.Pool.MaxPoolSize,
		AcquireQueueWait:    cfg.Pool.AcquireQueueWait,
		IdleTTL:             cfg.Pool.IdleTTL,
		CleanupInterval:     cfg.Pool.CleanupInterval,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
	})
	defer warmPool.Shutdown()

	metaCache := cache.NewInMemoryCache()

	exec := executor.New(metaStore, packages, warmPool, metaCache,
		executor.WithLogger(log),
		executor.WithDefaultTimeout(int(cfg.Executor.ExecutionTimeout.Seconds())),
		executor.WithMemoryLimitMB(cfg.Executor.MemoryLimitMB),
		executor.WithLogBatcherConfig(executor.LogBatcherConfig{
			BatchSize:     cfg.Executor.LogBatchSize,
			BufferSize:    cfg.Executor.LogBufferSize,
			FlushInterval: cfg.Executor.LogFlushInterval,
			Timeout:       cfg.Executor.LogTimeout,
		}),
	)

	bus := invalidation.New(metaStore.Pool(), time.Duration(cfg.Invalidation.DebounceMs)*time.Millisecond, cfg.Invalidation.ReconnectBackoff, log)
	bus.Listen(cfg.Invalidation.ExecutionChannel, exec.HandleInvalidation)
	go func() {
		if err := bus.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("invalidation bus stopped", "error", err)
		}
	}()

	stopSweep := startRetentionSweep(ctx, metaStore, cfg.Executor.RetentionSweep, cfg.Executor.DefaultRetention, log)
	defer stopSweep()

	mux := http.NewServeMux()
	mux.Handle("/invoke/", observability.HTTPMiddleware(exec))
	mux.Handle("/metrics", metrics.PrometheusHandler())
	mux.Handle("/debug/stats", metrics.Global().JSONHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:    cfg.Executor.HTTPAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("execution engine started", "addr", cfg.Executor.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		if err := exec.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("drain executor: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("executor server error: %w", err)
	}
}

// startRetentionSweep periodically prunes execution logs for every function
// past its retention policy (per-function override, falling back to def).
// Returns a stop func that cancels the loop.
func startRetentionSweep(ctx context.Context, s store.MetadataStore, interval time.Duration, def config.RetentionDefaultConfig, log *slog.Logger) func() {
	sweepCtx, cancel := context.WithCancel(ctx)
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				sweepRetention(sweepCtx, s, def, log)
			}
		}
	}()
	return cancel
}

func sweepRetention(ctx context.Context, s store.MetadataStore, def config.RetentionDefaultConfig, log *slog.Logger) {
	projects, err := s.ListProjects(ctx)
	if err != nil {
		log.Warn("retention sweep: list projects failed", "error", err)
		return
	}
	for _, p := range projects {
		fns, err := s.ListFunctions(ctx, p.ID)
		if err != nil {
			log.Warn("retention sweep: list functions failed", "project_id", p.ID, "error", err)
			continue
		}
		for _, fn := range fns {
			policy := store.RetentionPolicy{MaxAge: def.MaxAge, MaxCount: def.MaxCount}
			if fn.RetentionPolicy != nil {
				if fn.RetentionPolicy.MaxAge > 0 {
					policy.MaxAge = fn.RetentionPolicy.MaxAge
				}
				if fn.RetentionPolicy.MaxCount > 0 {
					policy.MaxCount = fn.RetentionPolicy.MaxCount
				}
			}
			if _, err := s.PruneExecutionLogs(ctx, fn.ID, policy); err != nil {
				log.Warn("retention sweep: prune failed", "function_id", fn.ID, "error", err)
			}
		}
	}
}
