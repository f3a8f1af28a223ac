package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edvin/certfleet/internal/calimit"
	"github.com/edvin/certfleet/internal/challenge"
	"github.com/edvin/certfleet/internal/config"
	"github.com/edvin/certfleet/internal/core"
	"github.com/edvin/certfleet/internal/db"
	"github.com/edvin/certfleet/internal/dnsprovider"
	"github.com/edvin/certfleet/internal/engine"
	"github.com/edvin/certfleet/internal/events"
	"github.com/edvin/certfleet/internal/logging"
	"github.com/edvin/certfleet/internal/metrics"
	"github.com/edvin/certfleet/internal/scheduler"
	"github.com/edvin/certfleet/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.CoreDatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	metrics.RegisterPgxPoolMetrics(pool)

	if err := db.RunMigrations(cfg.CoreDatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	var masterKey []byte
	if cfg.StoreMasterKey != "" {
		masterKey, err = base64.StdEncoding.DecodeString(cfg.StoreMasterKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid store master key")
		}
	}
	artifacts, err := store.New(cfg.StoreRoot, masterKey, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open certificate store")
	}

	registry, err := calimit.NewRegistry(cfg.CARegistryFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load CA registry")
	}
	limiter := calimit.NewLimiter(registry)

	queue := events.NewQueue(256, logger)
	services := core.NewServices(pool)

	http01 := challenge.NewHTTP01Solver(cfg.HTTP01WebRoot, logger)

	var dns01 engine.DNS01Solver
	if cfg.DNSProvider != "" {
		provider, err := dnsprovider.New(cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure DNS provider")
		}
		dns01 = challenge.NewDNS01Solver(provider, logger)
	}

	ctrl := engine.NewController(cfg, services.Certificate, services.Account, artifacts,
		registry, limiter, queue, http01, dns01, logger)

	if err := ctrl.Resume(ctx); err != nil {
		logger.Warn().Err(err).Msg("resume of interrupted issuances failed")
	}

	sched := scheduler.New(ctrl, services.Certificate, artifacts, queue, cfg.RenewalTick, cfg.WorkerPoolSize, logger)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	metricsServer := metrics.NewServer(cfg.MetricsListenAddr)
	go func() {
		logger.Info().Str("addr", cfg.MetricsListenAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	logger.Info().Msg("certfleet engine started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// wait for in-flight sweep work to drain before closing the pool
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("scheduler did not stop within the shutdown deadline")
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown")
	}
}
