package services

import (
	"context"
	"fmt"

	"upc-tracker/config"
	"upc-tracker/providers/upc"
	"upc-tracker/storage"

	"go.uber.org/zap"
)

// NewUPCPipeline verdrahtet den Orchestrator mit den UPC-Providern aus der Konfiguration.
// Das S3-Archiv wird nur angelegt, wenn Bucket und Endpunkt gesetzt sind.
func NewUPCPipeline(ctx context.Context, cfg *config.Config, store PipelineStore, logger *zap.Logger) (*PipelineService, error) {
	normalizer, err := NewRecordNormalizer(cfg.UPCBaseURL, cfg.UPCLocale)
	if err != nil {
		return nil, err
	}

	deps := PipelineDeps{
		Store:      store,
		Listing:    upc.NewListingFetcher(cfg.UPCDecisionsURL, upc.NewHTTPClient(cfg.PageTimeout), logger),
		Documents:  upc.NewDocumentFetcher(upc.NewHTTPClient(cfg.DocumentTimeout), logger),
		Extractor:  upc.NewPDFExtractor(logger),
		Normalizer: normalizer,
		Logger:     logger,
	}
	if cfg.ArchiveEnabled() {
		archive, err := storage.NewArchive(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("pdf archive: %w", err)
		}
		deps.Archive = archive
		logger.Info("PDF-Archiv aktiviert", zap.String("bucket", cfg.S3Bucket))
	}

	return NewPipelineService(deps, cfg.ScrapeMaxPages, cfg.ScrapeDelay), nil
}
