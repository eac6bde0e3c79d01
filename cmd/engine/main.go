// DexFlow order execution engine.
//
// Accepts trade submissions over HTTP, routes each to the better of two
// mock DEX backends, executes the swap and streams the order lifecycle
// back to the submitter over WebSocket.
//
// Pipeline: intake → Postgres (pending) → Redis job queue → worker pool →
// state machine → connection registry → client stream.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dexflow/dexflow/internal/api"
	"github.com/dexflow/dexflow/internal/config"
	"github.com/dexflow/dexflow/internal/dex"
	"github.com/dexflow/dexflow/internal/queue"
	"github.com/dexflow/dexflow/internal/registry"
	"github.com/dexflow/dexflow/internal/store"
	"github.com/dexflow/dexflow/internal/worker"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Msg("🚀 DexFlow engine starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Order store (Postgres)
	orders, err := store.New(cfg.PostgresDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect order store")
	}
	defer orders.Close()

	// Durable job queue (Redis)
	jobs, err := queue.New(ctx, queue.Options{
		Addr:          cfg.RedisAddr(),
		Password:      cfg.RedisPassword,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BaseDelay:     cfg.Queue.BaseDelay,
		MaxThroughput: cfg.Queue.MaxThroughput,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect job queue")
	}
	defer jobs.Close()

	// Connection registry for order streams
	reg := registry.New()

	// Mock DEX router. A fixed DEX_SEED makes routing and execution
	// reproducible; otherwise seed from the clock.
	seed := cfg.DEXSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	router := dex.New(seed)

	// Worker pool
	pool := worker.New(worker.Config{
		Concurrency: cfg.Queue.Concurrency,
	}, jobs, orders, router, reg)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(workerCtx)
	}()

	// HTTP surface
	server := api.NewServer(orders, jobs, reg)
	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: server.Router(cfg.CORSOrigins),
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr()).Msg("🌐 HTTP server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down: draining in-flight orders...")

	// Stop intake first, then let workers finish their current jobs. Clients
	// see the terminal publication and disconnect normally.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	cancelWorkers()
	select {
	case <-poolDone:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("worker pool drain timed out")
	}

	log.Info().Msg("👋 Engine stopped")
}
