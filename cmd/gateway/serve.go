package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/nova/internal/config"
	"github.com/oriys/nova/internal/gateway"
	"github.com/oriys/nova/internal/invalidation"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/observability"
	"github.com/oriys/nova/internal/store"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API gateway HTTP server",
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

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: "nova-gateway",
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

	gw, err := gateway.New(metaStore, cfg.Gateway.ExecutorURL, log)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	if err := gw.ReloadRoutes(ctx); err != nil {
		return fmt.Errorf("initial route load: %w", err)
	}

	bus := invalidation.New(metaStore.Pool(), time.Duration(cfg.Invalidation.DebounceMs)*time.Millisecond, cfg.Invalidation.ReconnectBackoff, log)
	bus.Listen(cfg.Invalidation.GatewayChannel, func(invalidation.Event) {
		if err := gw.ReloadRoutes(ctx); err != nil {
			log.Error("reload gateway routes failed", "error", err)
		}
	})
	go func() {
		if err := bus.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("invalidation bus stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.PrometheusHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/", observability.HTTPMiddleware(gw))

	httpServer := &http.Server{
		Addr:    cfg.Gateway.HTTPAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway started", "addr", cfg.Gateway.HTTPAddr, "executor", cfg.Gateway.ExecutorURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("gateway server error: %w", err)
	}
}
