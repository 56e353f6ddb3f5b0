package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/klawleybot/fleet-sub000/internal/autonomy"
	"github.com/klawleybot/fleet-sub000/internal/balances"
	"github.com/klawleybot/fleet-sub000/internal/bundler"
	"github.com/klawleybot/fleet-sub000/internal/config"
	"github.com/klawleybot/fleet-sub000/internal/database"
	"github.com/klawleybot/fleet-sub000/internal/fleet"
	"github.com/klawleybot/fleet-sub000/internal/logger"
	"github.com/klawleybot/fleet-sub000/internal/ops"
	"github.com/klawleybot/fleet-sub000/internal/policy"
	"github.com/klawleybot/fleet-sub000/internal/signals"
	"github.com/klawleybot/fleet-sub000/internal/store"
)

func main() {
	envFile := flag.String("envFile", ".env", "path to the environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		// A missing env file is fine in containerized deployments where the
		// environment is injected directly.
		if !os.IsNotExist(err) {
			panic(err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.LogLevel)
	log.Info().Msg("Starting fleetd")

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	st := store.NewGorm(db)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid REDIS_URL")
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Warn().Err(err).Msg("Redis unreachable, budget cache disabled")
			rdb = nil
		}
	}

	backend := bundler.NewClient(cfg.BundlerURL, log)
	budgets := balances.NewClient(cfg.BalancesURL, rdb, log)
	engine := signals.NewClient(cfg.SignalsURL, log)

	executor := fleet.NewExecutor(st, backend, budgets, cfg.Execution, log)
	gate := policy.NewGate(cfg.Policy)
	service := ops.NewService(st, gate, executor, engine, log)
	loop := autonomy.NewLoop(st, service, gate, budgets, engine, cfg.Autonomy, log)

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: promhttp.Handler(),
	}
	go func() {
		log.Info().Str("port", cfg.MetricsPort).Msg("Metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	loop.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Metrics server shutdown failed")
	}

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Redis close failed")
		}
	}

	log.Info().Msg("Shutdown complete")
}
