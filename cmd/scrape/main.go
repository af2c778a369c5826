// Command scrape führt einen einzelnen Pipeline-Durchlauf aus, z.B. für externe Scheduler.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"upc-tracker/config"
	"upc-tracker/services"
	"upc-tracker/storage"

	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("Config load error", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg)
	if err != nil {
		logging.Error("Failed to connect to database", zap.Error(err))
		return 1
	}
	if err := storage.Migrate(db); err != nil {
		logging.Error("Auto-migration failed", zap.Error(err))
		return 1
	}

	pipeline, err := services.NewUPCPipeline(ctx, cfg, storage.NewDecisionStore(db), logging)
	if err != nil {
		logging.Error("Pipeline setup failed", zap.Error(err))
		return 1
	}

	report, err := pipeline.Run(ctx)
	if err != nil {
		logging.Error("Pipeline run aborted", zap.Error(err))
		return 1
	}
	logging.Info("Pipeline run finished",
		zap.Int("new_decisions", report.NewDecisions),
		zap.String("stop_reason", string(report.StopReason)),
		zap.Int("total_citations", report.Citations.TotalCitations))
	return 0
}
