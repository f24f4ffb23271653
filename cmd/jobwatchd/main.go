package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcerruti/jobwatchd/internal/config"
	"github.com/mcerruti/jobwatchd/internal/dispatch"
	"github.com/mcerruti/jobwatchd/internal/httpapi"
	"github.com/mcerruti/jobwatchd/internal/observability"
	"github.com/mcerruti/jobwatchd/internal/store"
	"github.com/mcerruti/jobwatchd/internal/wire"
	"github.com/mcerruti/jobwatchd/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	apps, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("application store init failed: %v", err)
	}
	defer apps.Close()

	var launcher dispatch.Launcher
	switch cfg.WorkerMode {
	case "process":
		launcher, err = worker.NewProcessLauncher(worker.ProcessConfig{
			Command: cfg.WorkerCmd,
			Script:  cfg.WorkerScript,
		})
		if err != nil {
			log.Fatalf("worker launcher init failed: %v", err)
		}
		log.Printf("worker mode: process (%s %s)", cfg.WorkerCmd, cfg.WorkerScript)
	case "socket":
		launcher, err = worker.NewSocketLauncher(cfg.WorkerURL)
		if err != nil {
			log.Fatalf("worker launcher init failed: %v", err)
		}
		log.Printf("worker mode: socket (%s)", cfg.WorkerURL)
	default:
		launcher = worker.NewMockLauncher()
		log.Printf("worker mode: mock")
	}

	dispatcher := dispatch.New(launcher, dispatch.Config{
		CallTimeout: cfg.CallTimeout,
		CallTimeouts: map[wire.CallType]time.Duration{
			wire.TypeExtract: cfg.ExtractCallTimeout(),
		},
		ReapInterval: cfg.ReapInterval,
		StaleAfter:   cfg.StaleAfter,
	}, metrics)

	api := httpapi.New(cfg, dispatcher, apps, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	if err := dispatcher.Shutdown(); err != nil {
		log.Printf("worker shutdown failed: %v", err)
	}

	log.Printf("shutdown complete")
}
