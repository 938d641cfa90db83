package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baechuer/pgbus/bus"
	"github.com/baechuer/pgbus/internal/config"
	"github.com/baechuer/pgbus/internal/pkg/logger"
	"github.com/baechuer/pgbus/internal/transport/rest"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}
	if cfg.LogFormat != "" {
		_ = os.Setenv("LOG_FORMAT", cfg.LogFormat)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "pgbus").
		Str("env", cfg.AppEnv).
		Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Bus ----
	connectCtx, cancel := context.WithTimeout(rootCtx, 30*time.Second)
	sys, err := bus.Connect(connectCtx, bus.Options{
		ConnectionString:  cfg.DatabaseURL,
		Namespace:         cfg.Namespace,
		Application:       cfg.Application,
		IdlePollInterval:  cfg.IdlePollInterval,
		VisibilityTimeout: cfg.VisibilityTimeout,
		BatchSize:         cfg.BatchSize,
		EnableWorkers:     cfg.EnableWorkers,
		WorkerAPIEndpoint: cfg.WorkerAPIEndpoint,
		WorkerID:          cfg.WorkerID,
		AutoDetectWorkers: cfg.AutoDetectWorkers,
		Logger:            &log,
	})
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("bus connect failed")
	}
	log.Info().
		Str("queue", sys.QueueName()).
		Bool("enhanced", sys.Enhanced()).
		Msg("bus connected")

	// The daemon itself can register as a node so its heartbeat shows up in
	// core.nodes even before any handler process joins the namespace.
	if cfg.NodeID != "" {
		node, err := sys.Node(rootCtx, cfg.NodeID, bus.NodeOptions{
			DisplayName: cfg.NodeID,
			Description: "pgbus daemon",
		})
		if err != nil {
			log.Fatal().Err(err).Msg("node registration failed")
		}
		node.Start()
	}

	// ---- Ops HTTP server ----
	httpHandler := rest.NewRouter(rest.RouterDeps{
		DB:     sys,
		Ready:  func() bool { return sys.Ping(context.Background()) == nil },
		Logger: log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := sys.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("bus close incomplete")
	}
	log.Info().Msg("shutdown complete")
}
