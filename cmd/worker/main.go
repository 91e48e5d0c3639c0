// Package main starts the queue worker process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/JakeFAU/metadata-inventory/internal/app"
	"github.com/JakeFAU/metadata-inventory/internal/config"
	"github.com/JakeFAU/metadata-inventory/internal/logging"
	"github.com/JakeFAU/metadata-inventory/internal/metrics"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, "worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := app.BuildWorker(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup_failed", zap.Error(err))
		stop()
		os.Exit(1)
	}
	if err := w.Run(ctx); err != nil {
		logger.Error("run_failed", zap.Error(err))
		stop()
		os.Exit(1)
	}
}
