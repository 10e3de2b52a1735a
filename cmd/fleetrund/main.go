package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetrun/internal/api"
	"fleetrun/internal/config"
	"fleetrun/internal/core"
	"fleetrun/internal/logging"
	fleetrunmcp "fleetrun/internal/mcp"
	"fleetrun/internal/notify"
	"fleetrun/internal/sshexec"
	"fleetrun/internal/store"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.DB.Close()

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	var notifier core.Notifier
	if cfg.WebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(cfg.WebhookURL)
		if err != nil {
			logger.Error("configure webhook notifier", "err", err)
			os.Exit(1)
		}
		notifier = webhook
	}

	executor := sshexec.NewRunner(logger, sshexec.WithConnectTimeout(cfg.SSHConnectTimeout))
	engine := core.NewEngine(storeInst, storeInst, executor, logger, core.EngineOptions{
		Notifier:       notifier,
		Location:       location,
		CommandTimeout: cfg.CommandTimeout,
		JobParallel:    cfg.JobParallel,
		Workers:        cfg.DispatchWorkers,
	})
	scheduler := core.NewScheduler(storeInst, engine, logger, location)

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	engine.Start(ctx)
	defer engine.Stop()

	go runSchedulerLoop(ctx, scheduler, cfg.SchedulerInterval, logger)

	switch cfg.Mode {
	case "http", "":
		runHTTPMode(cfg, storeInst, engine, scheduler, logger, location)
	case "mcp":
		runMCPMode(storeInst, engine, logger, location, cancel)
	case "both":
		runBothMode(cfg, storeInst, engine, scheduler, logger, location)
	default:
		logger.Error("invalid mode", "mode", cfg.Mode, "valid", []string{"http", "mcp", "both"})
		os.Exit(1)
	}
}

// runSchedulerLoop drives scheduler passes on a fixed cadence until the
// context is cancelled. One pass runs immediately on startup so work due
// while the daemon was down is picked up without waiting out the interval.
func runSchedulerLoop(ctx context.Context, scheduler *core.Scheduler, interval time.Duration, logger *slog.Logger) {
	logger.Info("scheduler loop starting", "interval", interval.String())
	scheduler.RunPass(ctx, time.Now().UTC())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scheduler.RunPass(ctx, time.Now().UTC())
		}
	}
}

// runHTTPMode starts only the HTTP server.
func runHTTPMode(cfg *config.Config, store *store.Store, engine *core.Engine, scheduler *core.Scheduler, logger *slog.Logger, location *time.Location) {
	server := api.NewServer(cfg.Addr, cfg.AuthToken, store, engine, scheduler, logger, location)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
}

// runMCPMode starts only the MCP server on stdio.
func runMCPMode(store *store.Store, engine *core.Engine, logger *slog.Logger, location *time.Location, cancel context.CancelFunc) {
	mcpServer := fleetrunmcp.NewMCPServer(store, engine, logger, location)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		logger.Info("received signal, shutting down...")
		cancel()
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		os.Exit(1)
	}
}

// runBothMode starts both HTTP and MCP servers.
func runBothMode(cfg *config.Config, store *store.Store, engine *core.Engine, scheduler *core.Scheduler, logger *slog.Logger, location *time.Location) {
	mcpServer := fleetrunmcp.NewMCPServer(store, engine, logger, location)
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server := api.NewServer(cfg.Addr, cfg.AuthToken, store, engine, scheduler, logger, location)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	logger.Info("shutdown complete")
}
