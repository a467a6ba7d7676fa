// swarmd control-plane server — coordinates the agent fleet, runs the
// auto-scaler and metrics collector, and serves the console gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/swarmfleet/swarmd/pkg/bus"
	"github.com/swarmfleet/swarmd/pkg/cleanup"
	"github.com/swarmfleet/swarmd/pkg/command"
	"github.com/swarmfleet/swarmd/pkg/config"
	"github.com/swarmfleet/swarmd/pkg/coordinator"
	"github.com/swarmfleet/swarmd/pkg/gateway"
	"github.com/swarmfleet/swarmd/pkg/ident"
	"github.com/swarmfleet/swarmd/pkg/metrics"
	"github.com/swarmfleet/swarmd/pkg/process"
	"github.com/swarmfleet/swarmd/pkg/scaler"
	"github.com/swarmfleet/swarmd/pkg/storage"
	"github.com/swarmfleet/swarmd/pkg/version"
)

// Exit codes: 0 clean shutdown, 1 runtime failure, 2 configuration error,
// 130 interrupted.
const (
	exitOK          = 0
	exitRuntime     = 1
	exitConfig      = 2
	exitInterrupted = 130
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "Path to YAML configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Debug("No .env file loaded", "path", *envFile, "error", err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		return exitConfig
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))
	slog.Info("Starting swarmd",
		"version", version.Full(),
		"addr", cfg.Addr(),
		"max_agents", cfg.MaxAgents,
		"data_path", cfg.DataPath)

	ctx := context.Background()

	// Durable store: in-memory unless PostgreSQL is configured.
	var store storage.Store
	switch cfg.DataPath {
	case "":
		store = storage.NewMemoryStore()
		slog.Info("Using in-memory store")
	case "postgres":
		pgCfg, err := storage.LoadPGConfigFromEnv()
		if err != nil {
			slog.Error("Invalid database configuration", "error", err)
			return exitConfig
		}
		pg, err := storage.NewPostgresStore(ctx, pgCfg)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			return exitRuntime
		}
		store = pg
		slog.Info("Connected to PostgreSQL store")
	default:
		slog.Error("Unknown data_path backend", "data_path", cfg.DataPath)
		return exitConfig
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	eventBus := bus.New(256)
	defer eventBus.Close()
	clock := ident.RealClock{}

	// Agent launcher: "loopback" runs in-process echo agents, anything
	// else is executed as the agent binary.
	var launcher process.Launcher
	if cfg.Process.Command == "loopback" {
		launcher = process.NewLoopbackLauncher()
		slog.Info("Using loopback agent launcher")
	} else {
		launcher = process.NewExecLauncher(cfg.Process.Command, cfg.Process.WorkDir)
	}

	// Manager and coordinator reference each other; the sink is wired
	// after both exist.
	manager := process.NewManager(cfg.Process, store, eventBus, clock, launcher, nil)
	coord := coordinator.New(cfg.Coordinator, cfg.MaxAgents, store, eventBus, clock, manager)
	manager.SetSink(coord)

	if err := coord.Recover(ctx); err != nil {
		slog.Error("Failed to recover persisted state", "error", err)
		return exitRuntime
	}
	coord.Start()
	defer coord.Stop()

	ring := metrics.NewRing(metrics.DefaultRingSize)
	collector := metrics.NewCollector(coord, nil, ring, eventBus, clock, cfg.MetricsInterval)
	collector.Start()
	defer collector.Stop()

	autoscaler := scaler.New(store, eventBus, clock, coord, ring, cfg.ScaleInterval)
	if err := autoscaler.Recover(ctx); err != nil {
		slog.Error("Failed to recover scaling policy", "error", err)
		return exitRuntime
	}
	autoscaler.Start()
	defer autoscaler.Stop()

	retention := cleanup.NewService(cfg.Retention, store, clock)
	retention.Start(ctx)
	defer retention.Stop()

	executor := command.NewExecutor(coord, autoscaler, store)
	server := gateway.NewServer(executor, coord, eventBus, collector.Registry(),
		clock, cfg.AuthToken, cfg.MaxConnections)
	if pg, ok := store.(*storage.PostgresStore); ok {
		server.SetHealthChecker(pg)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("swarmd started", "addr", cfg.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	code := exitOK
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
		if sig == syscall.SIGINT {
			code = exitInterrupted
		}
	case err := <-errCh:
		slog.Error("Gateway error triggered shutdown", "error", err)
		code = exitRuntime
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Gateway shutdown incomplete", "error", err)
	}
	autoscaler.Stop()
	collector.Stop()
	coord.Stop()
	manager.Shutdown(shutdownCtx)

	slog.Info("swarmd stopped")
	return code
}
