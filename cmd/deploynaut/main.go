/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// deploynaut is the progressive-deployment orchestration service: it
// accepts signed artifacts, advances them through the staged pipeline per
// environment, and exposes the HTTP control surface.
package main

import (
	"context"
	"crypto/x509"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jordigilh/deploynaut/internal/api"
	"github.com/jordigilh/deploynaut/internal/config"
	"github.com/jordigilh/deploynaut/internal/database"
	"github.com/jordigilh/deploynaut/pkg/approval"
	"github.com/jordigilh/deploynaut/pkg/deployment"
	"github.com/jordigilh/deploynaut/pkg/lock"
	"github.com/jordigilh/deploynaut/pkg/metrics"
	"github.com/jordigilh/deploynaut/pkg/notification"
	"github.com/jordigilh/deploynaut/pkg/orchestrator"
	"github.com/jordigilh/deploynaut/pkg/pipeline"
	"github.com/jordigilh/deploynaut/pkg/platform/cluster"
	"github.com/jordigilh/deploynaut/pkg/platform/node"
	"github.com/jordigilh/deploynaut/pkg/signature"
	"github.com/jordigilh/deploynaut/pkg/strategy"
	"github.com/jordigilh/deploynaut/pkg/sweeper"
	"github.com/jordigilh/deploynaut/pkg/tracker"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	adminToken := flag.String("admin-token", os.Getenv("DEPLOYNAUT_ADMIN_TOKEN"),
		"bearer token for administrator endpoints (empty disables the check)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *adminToken, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

func run(cfg *config.Config, adminToken string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store backings: Redis and Postgres when configured, in-memory for
	// single-instance runs.
	var (
		track  tracker.Tracker
		locker lock.Locker
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		track = tracker.NewRedis(client, cfg.Tracker.InProgressTTL.Duration, cfg.Tracker.ResultTTL.Duration)
		locker = lock.NewRedis(client)
		logger.Info("tracker and locks backed by redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		track = tracker.NewMemory(cfg.Tracker.InProgressTTL.Duration, cfg.Tracker.ResultTTL.Duration)
		locker = lock.NewInProcess()
		logger.Warn("in-memory tracker and locks: valid for a single instance only")
	}

	var approvalStore approval.Store
	if cfg.Database.DSN != "" {
		db, err := database.Open(cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		approvalStore = approval.NewPostgresStore(db)
		logger.Info("approvals backed by postgres")
	} else {
		approvalStore = approval.NewMemoryStore()
		logger.Warn("in-memory approval store: approvals will not survive a restart")
	}

	trustStore, err := loadTrustStore(cfg.Security.TrustStoreDir)
	if err != nil {
		return err
	}

	var notifier approval.Notifier
	if cfg.Notifications.Slack.Token != "" {
		notifier = notification.NewSlackNotifier(
			cfg.Notifications.Slack.Token, cfg.Notifications.Slack.Channel, logger)
	} else {
		notifier = notification.NewZapNotifier(logger)
	}

	gate := approval.NewGate(approvalStore, notifier, locker, cfg.Approval.Timeout.Duration, logger)
	registry := cluster.NewInMemoryRegistry(cfg.NodeHealth.UnhealthyThreshold)
	provider := metrics.NewProvider(10 * time.Second)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	engineMetrics := metrics.NewEngineMetrics(promRegistry)

	thresholds := node.Thresholds{
		HeartbeatTimeout: cfg.Heartbeat.Timeout.Duration,
		CPUMax:           cfg.NodeHealth.CPUMax,
		MemMax:           cfg.NodeHealth.MemMax,
		ErrorRateMax:     cfg.NodeHealth.ErrorRateMax,
	}
	strategyConfig := strategy.Config{
		PerNodeConcurrency:        cfg.Strategy.PerNodeConcurrency,
		Thresholds:                thresholds,
		NodeApplyTimeout:          cfg.Strategy.NodeApplyTimeout.Duration,
		RollingBatchSize:          cfg.Strategy.Rolling.BatchSize,
		RollingHealthCheckTimeout: cfg.Strategy.Rolling.HealthCheckTimeout.Duration,
		SmokeDuration:             cfg.Strategy.BlueGreen.SmokeDuration.Duration,
		CanaryWaves:               cfg.Strategy.Canary.Waves,
		SoakDuration:              cfg.Strategy.Canary.SoakDuration.Duration,
		Degradation: metrics.DegradationPolicy{
			ErrorRateRatio: cfg.Strategy.Canary.Degradation.ErrorRateRatio,
			LatencyRatio:   cfg.Strategy.Canary.Degradation.LatencyRatio,
			CPURatio:       cfg.Strategy.Canary.Degradation.CPURatio,
			MemoryRatio:    cfg.Strategy.Canary.Degradation.MemoryRatio,
		},
	}
	strategyFor := func(req *deployment.Request) strategy.Strategy {
		return strategy.ForEnvironment(req.Environment, strategyConfig, provider, logger)
	}

	pipe := pipeline.New(pipeline.Deps{
		Verifier:         signature.NewVerifier(trustStore),
		StrategyFor:      strategyFor,
		Registry:         registry,
		Gate:             gate,
		Tracker:          track,
		Locker:           locker,
		Thresholds:       thresholds,
		Metrics:          engineMetrics,
		StageTimeout:     cfg.Orchestrator.StageTimeout.Duration,
		StrictSignatures: cfg.Security.StrictSignatures(),
		Logger:           logger,
	})

	orch := orchestrator.New(orchestrator.Config{
		QueueDepth: cfg.Orchestrator.QueueDepth,
		Workers:    cfg.Orchestrator.Workers,
	}, pipe, track, registry, strategyFor, engineMetrics, logger)
	orch.Start(ctx)

	sweepCtx, cancelSweepers := context.WithCancel(ctx)
	defer cancelSweepers()
	go sweeper.NewApprovalSweeper(gate, locker,
		cfg.Approval.SweepInterval.Duration, cfg.Approval.RetentionTTL.Duration, logger).Run(sweepCtx)
	go sweeper.NewTrackerSweeper(track, locker,
		cfg.Approval.SweepInterval.Duration, logger).Run(sweepCtx)

	server := api.NewServer(orch, gate, thresholds, promRegistry, adminToken, logger)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	// Stop intake first, then drain the pipeline pool, then the sweepers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	orch.Stop(shutdownCtx)
	return nil
}

// loadTrustStore reads every PEM certificate under dir into the verifier's
// CA pool. An empty dir yields an empty pool, which rejects all signatures
// in strict mode.
func loadTrustStore(dir string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if dir == "" {
		return pool, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust store directory: %w", err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".pem" {
			continue
		}
		pem, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate %s: %w", entry.Name(), err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", entry.Name())
		}
		loaded++
	}
	if loaded == 0 {
		return nil, fmt.Errorf("trust store directory %s holds no .pem certificates", dir)
	}
	return pool, nil
}
