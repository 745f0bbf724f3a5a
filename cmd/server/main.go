// Package main runs the FleetSync server: the sync API, the pending
// conflict queue, and the realtime invalidation hub over one sqlite
// database.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marinops/fleetsync/cmd/server/handlers"
	"github.com/marinops/fleetsync/internal/config"
	"github.com/marinops/fleetsync/internal/db"
	"github.com/marinops/fleetsync/internal/logging"
	"github.com/marinops/fleetsync/internal/metrics"
	"github.com/marinops/fleetsync/internal/realtime"
	syncpkg "github.com/marinops/fleetsync/internal/sync"
	"github.com/marinops/fleetsync/internal/sync/conflict"
	"github.com/marinops/fleetsync/internal/sync/pending"
	"github.com/marinops/fleetsync/internal/sync/scheduler"
	"github.com/marinops/fleetsync/internal/sync/version"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	logging.Info("Starting FleetSync server", map[string]interface{}{
		"port":     cfg.HTTP.Port,
		"data_dir": cfg.Database.DataDir,
	})

	database, err := db.Open(cfg.Database.DataDir)
	if err != nil {
		logging.Error("Failed to open database", err)
		os.Exit(1)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB, cfg.Database.MigrationsDir)
	if err := migrator.Initialize(); err != nil {
		logging.Error("Failed to initialize migrations", err)
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		logging.Error("Failed to apply migrations", err)
		os.Exit(1)
	}

	registry, err := conflict.LoadRegistry(cfg.Registry)
	if err != nil {
		logging.Error("Failed to load field registry", err, map[string]interface{}{
			"path": cfg.Registry,
		})
		os.Exit(1)
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	m := metrics.New()
	hub := realtime.NewHub(m)

	versions := version.NewStore(repo)
	pendingStore := pending.NewStore(repo, versions, registry, hub)
	engine := syncpkg.NewEngine(versions, registry, pendingStore, hub, m)

	sweeper := scheduler.NewSweeper(repo, scheduler.Config{
		MaxAge:   cfg.Retention.MaxAge.Std(),
		Interval: cfg.Retention.SweepInterval.Std(),
	})
	sweeper.Start()
	defer sweeper.Stop()

	syncHandler := handlers.NewSyncHandler(engine, versions, repo)
	conflictHandler := handlers.NewConflictHandler(pendingStore, m)
	statsHandler := handlers.NewStatsHandler(m, hub)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sync", syncHandler.ProcessAttempt)
		r.Get("/records/{table}/{record_id}", syncHandler.GetRecord)
		r.Get("/records/{table}/{record_id}/changes", syncHandler.ListChanges)

		r.Get("/conflicts", conflictHandler.ListPending)
		r.Post("/conflicts/auto-resolve", conflictHandler.AutoResolveBatch)
		r.Get("/conflicts/{id}", conflictHandler.GetConflict)
		r.Post("/conflicts/{id}/resolve", conflictHandler.Resolve)

		r.Get("/stats", statsHandler.GetStats)
		r.Get("/health", statsHandler.Health)
	})
	r.Get("/ws", hub.ServeWS)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("HTTP server listening", map[string]interface{}{
			"addr": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logging.Error("HTTP server failed", err)
		os.Exit(1)
	case sig := <-sigCh:
		logging.Info("Shutting down", map[string]interface{}{
			"signal": sig.String(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Error("Shutdown error", err)
	}
}
