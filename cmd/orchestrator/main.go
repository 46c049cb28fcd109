// Command orchestrator runs the multi-worker orchestration engine with its
// remote workers, result sinks, health monitor and HTTP facade.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxorio/orchestrator/pkg/config"
	"github.com/fluxorio/orchestrator/pkg/logging"
	"github.com/fluxorio/orchestrator/pkg/observability/tracing"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := tracing.Setup(cfg.Tracing, tracing.Options{})
	if err != nil {
		logger.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	logger.Info("orchestrator started",
		"workers", a.registry.Len(),
		"server", cfg.Server.Enabled,
		"addr", cfg.Server.Addr,
	)

	runErr := a.run(ctx)
	if runErr != nil {
		logger.Error("server failed", "error", runErr)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.close(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("trace flush failed", "error", err)
	}
	if runErr != nil {
		os.Exit(1)
	}
}
