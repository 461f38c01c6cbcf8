// Command pipeline performs a single price tracking run and exits. Product
// level failures are logged and never change the exit status; only a
// failure to start up does.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/maltedev/price-tracker/internal/app"
	"github.com/maltedev/price-tracker/internal/config"
	"github.com/maltedev/price-tracker/internal/logging"
	"github.com/maltedev/price-tracker/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(os.Stderr, "info", "json").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Scheduler.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Scheduler.RunTimeout)
		defer cancel()
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	runID := uuid.New().String()
	report, err := a.Runner.Run(ctx, runID)
	switch {
	case pipeline.IsEmptyRun(err):
		logger.Warn("run finished without new prices", "run_id", runID, "report", report)
	case err != nil:
		logger.Error("run failed", "run_id", runID, "error", err)
	default:
		logger.Info("run finished", "run_id", runID, "report", report)
	}
}
