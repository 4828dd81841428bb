package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/branchops/impact/internal/app"
	"github.com/branchops/impact/internal/config"
)

func main() {
	cfg := config.Load()

	a, err := app.Open(context.Background(), cfg, prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	srv := &Server{
		engine:  a.Engine,
		store:   a.Store,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestRate), cfg.RequestRate*2),
		timeout: cfg.AnalyzeTimeout,
	}
	srv.metricsAuth.enabled = cfg.MetricsUser != ""
	srv.metricsAuth.user = cfg.MetricsUser
	srv.metricsAuth.password = cfg.MetricsPass

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go a.Source.Sweep(sweepCtx, cfg.CacheTTL)

	handler := handlers.RecoveryHandler()(handlers.LoggingHandler(os.Stdout, srv.routes()))

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.AnalyzeTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s (snapshots: %s)", cfg.Port, cfg.SnapshotBackend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopSweep()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := a.Close(); err != nil {
		log.Printf("Error closing resources: %v", err)
	}

	log.Println("Server stopped")
}
