package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"upc-tracker/models"
	"upc-tracker/providers"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
)

// ErrRunInProgress wird geliefert, solange bereits ein Durchlauf läuft.
var ErrRunInProgress = errors.New("pipeline run already in progress")

const defaultMaxPages = 10

// StepReason klassifiziert fehlgeschlagene Einzelschritte.
type StepReason string

const (
	ReasonTransport StepReason = "transport"
	ReasonParse     StepReason = "parse"
	ReasonStore     StepReason = "store"
)

// StepError ist der Fehler eines Einzelschritts; Key ist Registernummer oder Seite.
type StepError struct {
	Reason StepReason
	Key    string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failure for %s: %v", e.Reason, e.Key, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// fetchError ordnet Provider-Fehler ein: ErrMalformed ist ein Parse-, alles andere ein Transportfehler.
func fetchError(key string, err error) *StepError {
	reason := ReasonTransport
	if errors.Is(err, providers.ErrMalformed) {
		reason = ReasonParse
	}
	return &StepError{Reason: reason, Key: key, Err: err}
}

func storeError(key string, err error) *StepError {
	return &StepError{Reason: ReasonStore, Key: key, Err: err}
}

// StopReason gibt an, warum die Listentraversierung endete.
type StopReason string

const (
	StopNoNewDecisions StopReason = "no_new_decisions"
	StopNoRows         StopReason = "no_rows"
	StopPageFailed     StopReason = "page_failed"
	StopStoreFailed    StopReason = "store_failed"
	StopMaxPages       StopReason = "max_pages"
)

// RunReport fasst einen Pipeline-Durchlauf zusammen.
type RunReport struct {
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
	PagesFetched int                `json:"pages_fetched"`
	RowsSeen     int                `json:"rows_seen"`
	NewDecisions int                `json:"new_decisions"`
	Skipped      int                `json:"skipped"`
	Rejected     int                `json:"rejected"`
	StopReason   StopReason         `json:"stop_reason,omitempty"`
	Aborted      bool               `json:"aborted"`
	Failures     map[StepReason]int `json:"failures"`
	Citations    CitationPassResult `json:"citations"`
}

// PipelineStore ist alles, was der Durchlauf vom Store braucht.
type PipelineStore interface {
	CitationStore
	Exists(ctx context.Context, number string) (bool, error)
	Upsert(ctx context.Context, d *models.Decision) error
	SaveRun(ctx context.Context, run *models.PipelineRun) error
}

// DocumentArchive legt Quelldokumente ab und liefert deren Link.
type DocumentArchive interface {
	StoreDocument(ctx context.Context, number string, data []byte) (string, error)
}

// PipelineDeps bündelt die Kollaborateure eines PipelineService. Archive ist optional.
type PipelineDeps struct {
	Store      PipelineStore
	Listing    providers.ListingProvider
	Documents  providers.DocumentProvider
	Extractor  providers.TextExtractor
	Normalizer *RecordNormalizer
	Archive    DocumentArchive
	Logger     *zap.Logger
}

// PipelineService orchestriert Listentraversierung, Ingestion und Zitations-Durchlauf.
// Alles läuft sequentiell; vor jedem Netzwerkabruf wird der Limiter abgewartet.
type PipelineService struct {
	store      PipelineStore
	listing    providers.ListingProvider
	documents  providers.DocumentProvider
	extractor  providers.TextExtractor
	normalizer *RecordNormalizer
	references *ReferenceExtractor
	cleaner    *TextCleaner
	citations  *CitationGraph
	archive    DocumentArchive
	limiter    *rate.Limiter
	maxPages   int
	logger     *zap.Logger

	mu sync.Mutex
}

// NewPipelineService erstellt den Orchestrator. delay ist der Mindestabstand zwischen zwei Abrufen.
func NewPipelineService(deps PipelineDeps, maxPages int, delay time.Duration) *PipelineService {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &PipelineService{
		store:      deps.Store,
		listing:    deps.Listing,
		documents:  deps.Documents,
		extractor:  deps.Extractor,
		normalizer: deps.Normalizer,
		references: NewReferenceExtractor(),
		cleaner:    NewTextCleaner(logger, DefaultCleanOptions()),
		citations:  NewCitationGraph(deps.Store, logger),
		archive:    deps.Archive,
		limiter:    rate.NewLimiter(limit, 1),
		maxPages:   maxPages,
		logger:     logger,
	}
}

// Busy meldet, ob gerade ein Durchlauf läuft.
func (s *PipelineService) Busy() bool {
	if s.mu.TryLock() {
		s.mu.Unlock()
		return false
	}
	return true
}

// RecomputeCitations führt nur den Zitations-Durchlauf aus. Er teilt sich die Sperre
// mit Run, damit ein älterer Durchlauf keine frischen Zählungen überschreibt.
func (s *PipelineService) RecomputeCitations(ctx context.Context) (CitationPassResult, error) {
	if !s.mu.TryLock() {
		return CitationPassResult{}, ErrRunInProgress
	}
	defer s.mu.Unlock()
	return s.citations.RecomputeAll(ctx)
}

// Run führt einen vollständigen Durchlauf aus. Abgebrochen wird nur, wenn die erste
// Listenseite nicht erreichbar ist oder der Kontext endet; Fehler einzelner Zeilen
// werden protokolliert und übersprungen.
func (s *PipelineService) Run(ctx context.Context) (RunReport, error) {
	if !s.mu.TryLock() {
		return RunReport{}, ErrRunInProgress
	}
	defer s.mu.Unlock()

	report := RunReport{StartedAt: time.Now(), Failures: map[StepReason]int{}}
	s.logger.Info("Pipeline-Durchlauf gestartet", zap.Int("max_pages", s.maxPages))

	if err := s.traverse(ctx, &report); err != nil {
		report.Aborted = true
		report.FinishedAt = time.Now()
		s.logger.Error("Pipeline-Durchlauf abgebrochen", zap.Error(err))
		s.saveRun(&report)
		return report, err
	}

	citations, err := s.citations.RecomputeAll(ctx)
	report.Citations = citations
	if err != nil {
		report.Failures[ReasonStore]++
		s.logger.Error("Zitations-Durchlauf fehlgeschlagen", zap.Error(err))
	}

	report.FinishedAt = time.Now()
	s.logger.Info("Pipeline-Durchlauf abgeschlossen",
		zap.String("stop_reason", string(report.StopReason)),
		zap.Int("pages", report.PagesFetched),
		zap.Int("rows", report.RowsSeen),
		zap.Int("new", report.NewDecisions),
		zap.Int("skipped", report.Skipped),
		zap.Any("failures", report.Failures),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))
	s.saveRun(&report)
	return report, nil
}

// traverse läuft die Listenseiten ab, bis eine Seite nichts Neues mehr bringt.
func (s *PipelineService) traverse(ctx context.Context, report *RunReport) error {
	for page := 0; ; page++ {
		if page >= s.maxPages {
			report.StopReason = StopMaxPages
			break
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		rows, err := s.listing.FetchPage(ctx, page)
		if err != nil {
			stepErr := fetchError("page "+strconv.Itoa(page), err)
			s.recordFailure(report, stepErr, "page")
			if page == 0 && stepErr.Reason == ReasonTransport {
				return fmt.Errorf("listing unreachable: %w", stepErr)
			}
			report.StopReason = StopPageFailed
			break
		}
		report.PagesFetched++

		if len(rows) == 0 {
			report.StopReason = StopNoRows
			break
		}

		newOnPage := 0
		storeFailuresBefore := report.Failures[ReasonStore]
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			report.RowsSeen++
			if s.processRow(ctx, row, report) {
				newOnPage++
			}
		}
		s.logger.Info("Listenseite verarbeitet", zap.Int("page", page), zap.Int("rows", len(rows)), zap.Int("new", newOnPage))

		if newOnPage == 0 {
			// ohne Store-Fehler ist das Ende der neuen Daten erreicht
			report.StopReason = StopNoNewDecisions
			if report.Failures[ReasonStore] > storeFailuresBefore {
				report.StopReason = StopStoreFailed
			}
			break
		}
	}
	pipelineStops.WithLabelValues(string(report.StopReason)).Inc()
	return nil
}

// processRow normalisiert, prüft und speichert eine Zeile. true, wenn eine neue Entscheidung gespeichert wurde.
func (s *PipelineService) processRow(ctx context.Context, row providers.Row, report *RunReport) bool {
	d, ok := s.normalizer.Normalize(row)
	if !ok {
		report.Rejected++
		return false
	}

	exists, err := s.store.Exists(ctx, d.Number)
	if err != nil {
		s.recordFailure(report, storeError(d.Number, err), "exists")
		return false
	}
	if exists {
		report.Skipped++
		return false
	}

	s.attachDocument(ctx, d, report)

	if err := s.store.Upsert(ctx, d); err != nil {
		s.recordFailure(report, storeError(d.Number, err), "upsert")
		return false
	}
	report.NewDecisions++
	newDecisionsCounter.Inc()
	s.logger.Info("Neue Entscheidung gespeichert",
		zap.String("number", d.Number),
		zap.String("reference", d.DecisionReference),
		zap.Int("text_length", len(d.FullText)))
	return true
}

// attachDocument lädt das Dokument und setzt Volltext und Referenz. Fehler lassen die
// Entscheidung ohne Text zurück, verhindern aber nicht deren Speicherung.
func (s *PipelineService) attachDocument(ctx context.Context, d *models.Decision, report *RunReport) {
	if !d.HasDocument() {
		return
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	data, err := s.documents.FetchDocument(ctx, *d.PDFURL)
	if err != nil {
		s.recordFailure(report, fetchError(d.Number, err), "document")
		return
	}

	if s.archive != nil {
		link, err := s.archive.StoreDocument(ctx, d.Number, data)
		if err != nil {
			s.logger.Warn("Dokument konnte nicht archiviert werden", zap.String("number", d.Number), zap.Error(err))
		} else {
			d.S3Link = link
		}
	}

	pages, err := s.extractor.ExtractText(data)
	if err != nil {
		s.recordFailure(report, &StepError{Reason: ReasonParse, Key: d.Number, Err: err}, "extract")
		return
	}
	text, _ := s.cleaner.Clean(pages)
	d.FullText = text
	d.DecisionReference = s.references.Extract(text)
}

func (s *PipelineService) recordFailure(report *RunReport, err *StepError, stage string) {
	report.Failures[err.Reason]++
	stepFailures.WithLabelValues(string(err.Reason), stage).Inc()
	s.logger.Warn("Schritt fehlgeschlagen",
		zap.String("stage", stage),
		zap.String("reason", string(err.Reason)),
		zap.String("key", err.Key),
		zap.Error(err.Err))
}

// saveRun persistiert das Protokoll; ein Fehler wird nur geloggt.
func (s *PipelineService) saveRun(report *RunReport) {
	failures, err := json.Marshal(report.Failures)
	if err != nil {
		failures = []byte("{}")
	}
	run := &models.PipelineRun{
		StartedAt:       report.StartedAt,
		FinishedAt:      report.FinishedAt,
		PagesFetched:    report.PagesFetched,
		RowsSeen:        report.RowsSeen,
		NewDecisions:    report.NewDecisions,
		Skipped:         report.Skipped,
		Rejected:        report.Rejected,
		StopReason:      string(report.StopReason),
		Aborted:         report.Aborted,
		Failures:        datatypes.JSON(failures),
		CitationScanned: report.Citations.Scanned,
		TotalCitations:  report.Citations.TotalCitations,
	}
	// eigener Kontext, damit auch abgebrochene Läufe protokolliert werden
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.SaveRun(ctx, run); err != nil {
		s.logger.Warn("Pipeline-Protokoll konnte nicht gespeichert werden", zap.Error(err))
	}
}
