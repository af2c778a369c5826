package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"upc-tracker/config"
	"upc-tracker/models"
	"upc-tracker/services"
	"upc-tracker/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultRunsLimit = 20

type decisionReader interface {
	TopCited(ctx context.Context, limit int) ([]models.Decision, error)
	Get(ctx context.Context, number string) (*models.Decision, error)
	LatestRuns(ctx context.Context, n int) ([]models.PipelineRun, error)
}

type pipelineRunner interface {
	Run(ctx context.Context) (services.RunReport, error)
	RecomputeCitations(ctx context.Context) (services.CitationPassResult, error)
	Busy() bool
}

type statsGenerator interface {
	Generate(ctx context.Context) (*services.Statistics, error)
}

// decisionView ergänzt eine Entscheidung um den Link zur Detailseite.
type decisionView struct {
	models.Decision
	DetailURL string `json:"detail_url,omitempty"`
}

func newDecisionView(d models.Decision) decisionView {
	return decisionView{Decision: d, DetailURL: d.DetailURL()}
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

// limitParam liest ?limit= und fällt bei fehlenden oder ungültigen Werten auf def zurück.
func limitParam(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func setupDecisionRoutes(router *gin.Engine, store decisionReader, topN int, log *zap.Logger) {
	rg := router.Group("/decisions")

	rg.GET("/top", func(c *gin.Context) {
		decisions, err := store.TopCited(c.Request.Context(), limitParam(c, topN))
		if err != nil {
			log.Error("Database query for top cited decisions failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		views := make([]decisionView, 0, len(decisions))
		for _, d := range decisions {
			views = append(views, newDecisionView(d))
		}
		c.JSON(http.StatusOK, views)
	})

	// Registernummern enthalten "/", Clients senden sie als %2F
	rg.GET("/:number", func(c *gin.Context) {
		number := c.Param("number")
		d, err := store.Get(c.Request.Context(), number)
		if err != nil {
			if errors.Is(err, storage.ErrDecisionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "decision not found"})
				return
			}
			log.Error("Database query for decision failed", zap.String("number", number), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, newDecisionView(*d))
	})
}

func setupStatsRoutes(router *gin.Engine, stats statsGenerator, store decisionReader, log *zap.Logger) {
	router.GET("/stats", func(c *gin.Context) {
		result, err := stats.Generate(c.Request.Context())
		if err != nil {
			log.Error("Statistics generation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	router.GET("/runs", func(c *gin.Context) {
		runs, err := store.LatestRuns(c.Request.Context(), limitParam(c, defaultRunsLimit))
		if err != nil {
			log.Error("Database query for pipeline runs failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, runs)
	})
}

func setupPipelineRoutes(router *gin.Engine, pipeline pipelineRunner, log *zap.Logger) {
	router.POST("/pipeline/run", func(c *gin.Context) {
		if pipeline.Busy() {
			c.JSON(http.StatusConflict, gin.H{"error": services.ErrRunInProgress.Error()})
			return
		}
		go func() {
			report, err := pipeline.Run(context.Background())
			if err != nil {
				log.Error("Async pipeline run failed", zap.Error(err))
				return
			}
			log.Info("Async pipeline run completed", zap.Int("new_decisions", report.NewDecisions))
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "Pipeline run triggered."})
	})

	router.POST("/citations/recompute", func(c *gin.Context) {
		result, err := pipeline.RecomputeCitations(c.Request.Context())
		if errors.Is(err, services.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			log.Error("Citation recompute failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, result)
	})
}
