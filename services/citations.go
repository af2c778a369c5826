package services

import (
	"context"
	"fmt"
	"time"

	"upc-tracker/storage"

	"go.uber.org/zap"
)

// CitationStore ist der Ausschnitt des Stores, den der Zitations-Durchlauf braucht.
type CitationStore interface {
	AllWithReferenceCode(ctx context.Context) ([]storage.ReferenceEntry, error)
	CountOccurrences(ctx context.Context, excludingNumber, needle string) (int64, error)
	SetCitationCount(ctx context.Context, number string, count int) error
	ResetUnreferenced(ctx context.Context) (int64, error)
}

// CitationPassResult fasst einen Durchlauf zusammen.
type CitationPassResult struct {
	Scanned        int           `json:"scanned"`
	Updated        int           `json:"updated"`
	Failed         int           `json:"failed"`
	TotalCitations int           `json:"total_citations"`
	Duration       time.Duration `json:"duration"`
}

// CitationGraph berechnet für jede Entscheidung mit Referenzcode, wie viele andere
// Entscheidungen diesen Code im Volltext enthalten.
type CitationGraph struct {
	store  CitationStore
	logger *zap.Logger
}

func NewCitationGraph(store CitationStore, logger *zap.Logger) *CitationGraph {
	return &CitationGraph{store: store, logger: logger}
}

// RecomputeAll berechnet alle Zählerstände von Grund auf neu. Fehler bei einzelnen
// Entscheidungen werden protokolliert und gezählt; nur das Laden der Kandidaten bricht ab.
func (g *CitationGraph) RecomputeAll(ctx context.Context) (CitationPassResult, error) {
	start := time.Now()
	var result CitationPassResult

	if reset, err := g.store.ResetUnreferenced(ctx); err != nil {
		stepFailures.WithLabelValues(string(ReasonStore), "citation_reset").Inc()
		g.logger.Warn("Zitationszahlen ohne Referenz konnten nicht zurückgesetzt werden", zap.Error(err))
	} else if reset > 0 {
		g.logger.Info("Zitationszahlen ohne Referenz zurückgesetzt", zap.Int64("decisions", reset))
	}

	entries, err := g.store.AllWithReferenceCode(ctx)
	if err != nil {
		return result, fmt.Errorf("load reference codes: %w", err)
	}
	g.logger.Info("Starte Zitations-Durchlauf", zap.Int("decisions", len(entries)))

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++
		log := g.logger.With(zap.String("number", e.Number), zap.String("reference", e.DecisionReference))

		count, err := g.store.CountOccurrences(ctx, e.Number, e.DecisionReference)
		if err != nil {
			result.Failed++
			stepFailures.WithLabelValues(string(ReasonStore), "citation_count").Inc()
			log.Warn("Zitationen konnten nicht gezählt werden", zap.Error(err))
			continue
		}
		if err := g.store.SetCitationCount(ctx, e.Number, int(count)); err != nil {
			result.Failed++
			stepFailures.WithLabelValues(string(ReasonStore), "citation_update").Inc()
			log.Warn("Zitationszahl konnte nicht gespeichert werden", zap.Error(err))
			continue
		}
		result.Updated++
		result.TotalCitations += int(count)
		if count > 0 {
			log.Debug("Zitationen gezählt", zap.Int64("count", count))
		}
	}

	result.Duration = time.Since(start)
	citationPassSeconds.Observe(result.Duration.Seconds())
	g.logger.Info("Zitations-Durchlauf abgeschlossen",
		zap.Int("scanned", result.Scanned),
		zap.Int("updated", result.Updated),
		zap.Int("failed", result.Failed),
		zap.Int("total_citations", result.TotalCitations),
		zap.Duration("duration", result.Duration))
	return result, nil
}
