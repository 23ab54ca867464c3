package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rlops/reward-assignment/internal/blobstore"
	fsstore "github.com/rlops/reward-assignment/internal/blobstore/fs"
	"github.com/rlops/reward-assignment/internal/blobstore/memory"
	"github.com/rlops/reward-assignment/internal/blobstore/redisstore"
	"github.com/rlops/reward-assignment/internal/config"
	"github.com/rlops/reward-assignment/internal/dispatch"
	"github.com/rlops/reward-assignment/internal/dispatcher"
	"github.com/rlops/reward-assignment/internal/hooks"
	"github.com/rlops/reward-assignment/internal/naming"
	"github.com/rlops/reward-assignment/internal/registry"
	"github.com/rlops/reward-assignment/internal/reshard"
	"github.com/rlops/reward-assignment/internal/server"
	"github.com/rlops/reward-assignment/internal/telemetry"
	"github.com/rlops/reward-assignment/internal/worker"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdown, err := telemetry.InitTracer("reward-assignment", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize object store: %v", err)
	}

	reg, err := registry.New(registry.Config{Driver: cfg.Registry.Driver, DSN: cfg.Registry.DSN})
	if err != nil {
		log.Fatalf("Failed to open shard registry: %v", err)
	}
	defer reg.Close()

	var resharder reshard.Client = reshard.Noop{Logger: logger}
	if cfg.Reshard.Endpoint != "" {
		resharder = reshard.NewHTTPClient(cfg.Reshard.Endpoint, logger)
	}

	w := worker.New(cfg, store, reg, hooks.Identity{}, resharder, logger)
	pool := dispatch.NewInProcess(w.AssignRewards, cfg.WorkerBudget(), logger)
	defer pool.Close()

	catalog := naming.NewCatalog(store, cfg.ProjectNames())
	d := dispatcher.New(cfg, catalog, reg, resharder, pool, logger)

	srv := server.New(cfg.Server.Port, logger)
	server.NewHandler(d, w, logger).Register(srv.Router)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func buildStore(cfg *config.Config) (blobstore.Store, error) {
	switch cfg.Store.Type {
	case "fs", "":
		root := cfg.Store.FS.Root
		if root == "" {
			root = "./data/records"
		}
		return fsstore.New(root)
	case "memory":
		return memory.New(), nil
	case "redis":
		return redisstore.New(cfg.Store.Redis.Addr, cfg.Store.Redis.DB, cfg.Records.Bucket), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}
