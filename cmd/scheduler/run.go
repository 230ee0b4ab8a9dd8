package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/nova/internal/config"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/store"
)

// tickInterval is how often the loop wakes to check for due schedules.
// Cron resolution is one minute, so checking more often than that only
// tightens the window in which a schedule could be missed by a restart.
const tickInterval = 15 * time.Second

type tickLogger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the schedule tick loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (optional; env vars always win)")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.SetLevelFromString(cfg.Daemon.LogLevel)
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	log := logging.Op()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metaStore, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect metadata store: %w", err)
	}
	defer metaStore.Close()

	httpClient := &http.Client{Timeout: cfg.Executor.ExecutionTimeout}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	lastFiredMinute := make(map[string]int64)

	log.Info("scheduler started", "executor", cfg.Gateway.ExecutorURL, "tick", tickInterval)
	for {
		select {
		case sig := <-sigCh:
			log.Info("shutdown signal received", "signal", sig.String())
			return nil
		case now := <-ticker.C:
			tick(ctx, metaStore, httpClient, cfg.Gateway.ExecutorURL, now, lastFiredMinute, log)
		}
	}
}

func tick(ctx context.Context, s store.MetadataStore, client *http.Client, executorURL string, now time.Time, lastFiredMinute map[string]int64, log tickLogger) {
	minuteKey := now.Truncate(time.Minute).Unix()

	projects, err := s.ListProjects(ctx)
	if err != nil {
		log.Warn("scheduler: list projects failed", "error", err)
		return
	}

	for _, p := range projects {
		if !p.Active {
			continue
		}
		fns, err := s.ListFunctions(ctx, p.ID)
		if err != nil {
			log.Warn("scheduler: list functions failed", "project_id", p.ID, "error", err)
			continue
		}
		for _, fn := range fns {
			if !fn.Active || fn.Schedule == "" {
				continue
			}
			if lastFiredMinute[fn.ID] == minuteKey {
				continue
			}
			spec, err := parseCron(fn.Schedule)
			if err != nil {
				log.Warn("scheduler: invalid cron expression", "function_id", fn.ID, "schedule", fn.Schedule, "error", err)
				continue
			}
			if !spec.due(now) {
				continue
			}
			lastFiredMinute[fn.ID] = minuteKey
			invoke(ctx, client, executorURL, fn.ID, log)
		}
	}
}

func invoke(ctx context.Context, client *http.Client, executorURL, functionID string, log tickLogger) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, executorURL+"/invoke/"+functionID, bytes.NewReader(nil))
	if err != nil {
		log.Error("scheduler: build invocation request failed", "function_id", functionID, "error", err)
		return
	}
	req.Header.Set("X-Invocation-Source", "scheduler")

	resp, err := client.Do(req)
	if err != nil {
		log.Error("scheduler: invocation request failed", "function_id", functionID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Warn("scheduler: invocation returned error status", "function_id", functionID, "status", resp.StatusCode)
		return
	}
	log.Info("scheduler: invocation dispatched", "function_id", functionID, "status", resp.StatusCode)
}
