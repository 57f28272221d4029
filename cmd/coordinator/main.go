// The coordinator owns the scan queue, the proxy and account pools, and
// the agent registry, and serves the HTTP API that agents and operators
// talk to.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reconmc/reconmc/internal/api"
	"github.com/reconmc/reconmc/internal/config"
	"github.com/reconmc/reconmc/internal/database"
	"github.com/reconmc/reconmc/internal/logsink"
	"github.com/reconmc/reconmc/internal/netx"
	"github.com/reconmc/reconmc/internal/sweeper"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration failed", "error", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := database.Open(cfg.Database.URL)
	if err != nil {
		slog.Error("database initialization failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	resolver := netx.NewResolver()
	queue := database.NewQueueStore(db, resolver)
	servers := database.NewServerStore(db)
	resources := database.NewResourceStore(db)
	agents := database.NewAgentStore(db)

	logs := logsink.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer logs.Close()

	sw := sweeper.New(queue, agents)
	if err := sw.Start(); err != nil {
		slog.Error("sweeper initialization failed", "error", err)
		os.Exit(1)
	}
	defer sw.Stop()

	srv := api.NewServer(cfg, queue, servers, resources, agents, logs)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown incomplete", "error", err)
		}
	}
}
