// Package main provides the resolverd daemon - a cross-chain atomic-swap
// resolver.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/unite-defi/resolver/internal/chain"
	"github.com/unite-defi/resolver/internal/config"
	"github.com/unite-defi/resolver/internal/rpc"
	"github.com/unite-defi/resolver/internal/storage"
	"github.com/unite-defi/resolver/internal/swap"
	"github.com/unite-defi/resolver/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.resolver", "Data directory")
		configFile  = flag.String("config", "", "Config file path; only its directory is used, config.yaml in that directory is loaded (default: <data-dir>/config.yaml)")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("resolverd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load or create config file
	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadConfig(filepath.Dir(*configFile))
	} else {
		cfg, err = config.LoadConfig(*dataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over config file
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = *dataDir
	if *apiAddr != "" {
		cfg.API.ListenAddr = *apiAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	// Storage
	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("Failed to open storage", "error", err)
	}
	defer store.Close()

	// Chain adapters
	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	registry, err := chain.BuildRegistry(startCtx, cfg.Chains)
	cancelStart()
	if err != nil {
		log.Fatal("Failed to build chain adapters", "error", err)
	}
	log.Info("chain adapters ready", "chains", registry.ChainIDs())

	// Orchestrator with websocket event fan-out
	var server *rpc.Server
	orchestrator := swap.NewOrchestrator(store, registry, swap.Options{
		Timelocks: cfg.Timelocks,
		OnEvent: func(ev swap.Event) {
			if server != nil {
				server.Hub().OnSwapEvent(ev)
			}
		},
	})
	server = rpc.NewServer(orchestrator)

	// Reconcile swaps that were in flight when the process last stopped
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), time.Minute)
	if err := orchestrator.Recover(recoverCtx); err != nil {
		log.Warn("Recovery sweep failed", "error", err)
	}
	cancelRecover()

	// Timeout monitor: the timelock path's backstop
	monitor := swap.NewMonitor(orchestrator, swap.DefaultMonitorConfig())
	monitor.Start()
	defer monitor.Stop()

	// API server
	if err := server.Start(cfg.API.ListenAddr); err != nil {
		log.Fatal("Failed to start rpc server", "error", err)
	}

	log.Info("resolverd started", "version", version, "api", server.Addr())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn("rpc server shutdown failed", "error", err)
	}
}
