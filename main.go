package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"upc-tracker/config"
	"upc-tracker/services"
	"upc-tracker/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	// Setup Database
	db, err := storage.Open(cfg)
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to database.", zap.String("driver", cfg.DBDriver))

	logging.Info("Running database auto-migration...")
	if err := storage.Migrate(db); err != nil {
		logging.Fatal("Auto-migration failed", zap.Error(err))
	}

	// Setup Services
	store := storage.NewDecisionStore(db)
	pipeline, err := services.NewUPCPipeline(context.Background(), cfg, store, logging)
	if err != nil {
		logging.Fatal("Pipeline setup failed", zap.Error(err))
	}
	stats := services.NewStatsService(store, logging)

	router := newRouter(cfg, store, pipeline, stats, logging)

	// Setup Cron
	cronScheduler := cron.New()
	_, err = cronScheduler.AddFunc(cfg.CronSchedule, func() {
		logging.Info("Running scheduled pipeline job...")
		report, err := pipeline.Run(context.Background())
		if err != nil {
			logging.Error("Cron job failed", zap.Error(err))
			return
		}
		logging.Info("Cron job completed",
			zap.Int("new_decisions", report.NewDecisions),
			zap.String("stop_reason", string(report.StopReason)))
	})
	if err != nil {
		logging.Fatal("Invalid cron schedule", zap.String("schedule", cfg.CronSchedule), zap.Error(err))
	}
	cronScheduler.Start()
	defer cronScheduler.Stop()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

func newRouter(cfg *config.Config, store decisionReader, pipeline pipelineRunner, stats statsGenerator, logging *zap.Logger) *gin.Engine {
	router := gin.Default()
	// Registernummern kommen als %2F-kodierte Pfadsegmente
	router.UseRawPath = true
	router.UnescapePathValues = true

	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	setupDecisionRoutes(router, store, cfg.TopN, logging)
	setupStatsRoutes(router, stats, store, logging)
	setupPipelineRoutes(router, pipeline, logging)
	return router
}
